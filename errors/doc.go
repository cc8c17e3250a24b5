// Package errors provides standardized error handling patterns for taskmesh components.
//
// # Classification
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid (bad input,
// do not retry) and Fatal (stop processing). Wrap third-party errors with component
// context so the class travels with the error:
//
//	if err := bucket.Put(ctx, key, value); err != nil {
//	    return errors.WrapTransient(err, "UserStore", "Create", "kv put")
//	}
//
// IsTransient, IsInvalid and IsFatal inspect the chain with errors.As, so wrapping with
// fmt.Errorf("...: %w", err) keeps the classification intact.
//
// # Kinds
//
// The request-reply transport and the authorization chain report failures as *Error
// values carrying a Kind:
//
//	MalformedCredential  local credential parsing failed, no remote call made
//	Unauthorized         authorization denied for any reason
//	NotReady             transport used before its subscriptions were live
//	Timeout              no reply within the bound
//	DownstreamError      the remote handler replied with a structured failure
//	BrokerUnavailable    publish, subscribe or connect failed
//	Canceled             the caller gave up while waiting
//
// Use KindOf or IsKind to branch on them:
//
//	switch errors.KindOf(err) {
//	case errors.KindTimeout:
//	    // 504
//	case errors.KindDownstream:
//	    // map errors.RemoteKindOf(err)
//	}
//
// Each kind maps onto a class (Kind.Class), so retry helpers work on kinded errors too.
package errors
