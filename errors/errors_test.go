package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"rate limited", ErrRateLimited, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
		{"timeout kind", NewKind(KindTimeout, "op", ""), true},
		{"broker unavailable kind", NewKind(KindBrokerUnavailable, "op", ""), true},
		{"unauthorized kind", NewKind(KindUnauthorized, "op", ""), false},
		{"downstream kind", Downstream("op", "not_found", "user not found"), false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "C", "M", "start")))
	assert.False(t, IsFatal(ErrConnectionTimeout))
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrInvalidData))
	assert.True(t, IsInvalid(fmt.Errorf("decode: %w", ErrParsingFailed)))
	assert.True(t, IsInvalid(NewKind(KindMalformedCredential, "auth", "")))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionTimeout))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidData))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	err := Wrap(base, "Client", "Connect", "dial")
	assert.EqualError(t, err, "Client.Connect: dial failed: boom")
	assert.ErrorIs(t, err, base)

	assert.Nil(t, Wrap(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapTransient(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapInvalid(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapFatal(nil, "Client", "Connect", "dial"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	err := WrapInvalid(base, "Store", "Create", "validate")
	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "Create", ce.Operation)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsInvalid(fmt.Errorf("outer: %w", err)))
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("gateway: %w", NewKind(KindTimeout, "requestreply.Send", "no reply"))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(err, KindNotReady))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestKindError_Message(t *testing.T) {
	cause := errors.New("nats: connection closed")
	err := WrapKind(KindBrokerUnavailable, "requestreply.Send", "publish failed", cause)
	assert.Equal(t, "requestreply.Send: publish failed: nats: connection closed", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := NewKind(KindNotReady, "", "")
	assert.Equal(t, "NotReady", bare.Error())
}

func TestDownstream(t *testing.T) {
	err := Downstream("fetch-principal", "not_found", "user not found")
	assert.Equal(t, KindDownstream, KindOf(err))
	assert.Equal(t, "not_found", RemoteKindOf(err))
	assert.Equal(t, "", RemoteKindOf(NewKind(KindTimeout, "", "")))
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.True(t, rc.ShouldRetry(ErrConnectionTimeout, 0))
	assert.False(t, rc.ShouldRetry(ErrConnectionTimeout, rc.MaxRetries))
	assert.False(t, rc.ShouldRetry(ErrInvalidData, 0))
	assert.False(t, rc.ShouldRetry(nil, 0))

	cfg := rc.ToRetryConfig()
	assert.Equal(t, rc.MaxRetries+1, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.True(t, cfg.AddJitter)
}
