package auth

import (
	"encoding/base64"
	"strings"

	"github.com/c360/taskmesh/errors"
)

// ExtractCredential returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively and the token must
// look like a JWT: three non-empty segments that each decode as unpadded
// base64url. Any other input is a MalformedCredential error. The signature
// is not verified here.
func ExtractCredential(header string) (string, error) {
	const op = "auth.ExtractCredential"

	if strings.TrimSpace(header) == "" {
		return "", errors.NewKind(errors.KindMalformedCredential, op, "missing authorization header")
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 {
		return "", errors.NewKind(errors.KindMalformedCredential, op, "expected \"Bearer <token>\"")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", errors.NewKind(errors.KindMalformedCredential, op, "unsupported scheme "+parts[0])
	}

	token := parts[1]
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", errors.NewKind(errors.KindMalformedCredential, op, "token is not a JWT")
	}
	for _, seg := range segments {
		if seg == "" {
			return "", errors.NewKind(errors.KindMalformedCredential, op, "empty token segment")
		}
		if _, err := base64.RawURLEncoding.DecodeString(seg); err != nil {
			return "", errors.WrapKind(errors.KindMalformedCredential, op, "token segment is not base64url", err)
		}
	}
	return token, nil
}
