package gateway

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
)

// Client-facing messages for failures that carry no downstream text.
const (
	MsgInternal    = "internal server error"
	MsgUnavailable = "service temporarily unavailable"
	MsgTimeout     = "request timeout"
	MsgCanceled    = "request canceled"
)

type successBody struct {
	Status int `json:"status"`
	Data   any `json:"data"`
}

type errorBody struct {
	Error   string   `json:"error"`
	Status  int      `json:"status"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successBody{Status: status, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, details ...string) {
	writeJSON(w, status, errorBody{Error: message, Status: status, Details: details})
}

// statusFor maps a remote call failure onto an HTTP status and the message
// shown to the client. Downstream failures keep the handler's message since
// handlers only put client-safe text in RemoteError.
func statusFor(err error) (int, string) {
	var kinded *errors.Error
	if !stderrors.As(err, &kinded) {
		return http.StatusInternalServerError, MsgInternal
	}

	switch kinded.Kind {
	case errors.KindNotReady, errors.KindBrokerUnavailable:
		return http.StatusServiceUnavailable, MsgUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout, MsgTimeout
	case errors.KindCanceled:
		return http.StatusServiceUnavailable, MsgCanceled
	case errors.KindUnauthorized, errors.KindMalformedCredential:
		return http.StatusUnauthorized, auth.FailureMessage
	case errors.KindDownstream:
		msg := kinded.Message
		if msg == "" {
			msg = MsgInternal
		}
		switch kinded.RemoteKind {
		case envelope.RemoteBadRequest:
			return http.StatusBadRequest, msg
		case envelope.RemoteUnauthorized:
			return http.StatusUnauthorized, msg
		case envelope.RemoteNotFound:
			return http.StatusNotFound, msg
		case envelope.RemoteConflict:
			return http.StatusConflict, msg
		default:
			return http.StatusBadGateway, msg
		}
	default:
		return http.StatusInternalServerError, MsgInternal
	}
}

func (g *Gateway) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	logger := loggerFrom(r.Context(), g.logger)
	switch {
	case errors.IsKind(err, errors.KindCanceled):
		logger.Info("client went away during remote call", "error", err)
	case status >= http.StatusInternalServerError:
		logger.Error("remote call failed", "status", status, "kind", string(errors.KindOf(err)), "error", err)
	default:
		logger.Debug("remote call rejected", "status", status, "remote_kind", errors.RemoteKindOf(err), "error", err)
	}
	writeError(w, status, msg)
}
