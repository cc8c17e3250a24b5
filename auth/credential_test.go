package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/errors"
)

const testToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJ1MSJ9.c2ln"

func TestExtractCredential_Valid(t *testing.T) {
	for _, header := range []string{
		"Bearer " + testToken,
		"bearer " + testToken,
		"BEARER " + testToken,
	} {
		token, err := ExtractCredential(header)
		require.NoError(t, err, header)
		assert.Equal(t, testToken, token)
	}
}

func TestExtractCredential_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"scheme only", "Bearer"},
		{"three parts", "Bearer " + testToken + " extra"},
		{"double space", "Bearer  " + testToken},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"two segments", "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9"},
		{"four segments", "Bearer a.b.c.d"},
		{"empty signature", "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9."},
		{"empty header segment", "Bearer .eyJzdWIiOiJ1MSJ9.c2ln"},
		{"header not base64url", "Bearer @@@@.eyJzdWIiOiJ1MSJ9.c2ln"},
		{"payload not base64url", "Bearer eyJhbGciOiJIUzI1NiJ9.a.c2ln"},
		{"padded standard base64", "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9+/==.c2ln"},
		{"signature not base64url", "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9.!!!$$$"},
		{"signature standard base64", "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9.c2ln+/=="},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractCredential(tt.header)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindMalformedCredential))
		})
	}
}
