package call

import (
	"encoding/base64"

	apperrors "github.com/acme/outbound-call-dispatch/pkg/errors"
)

// Page tokens are Scylla paging states in URL-safe base64.

func encodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

func decodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.Invalid("invalid page token")
	}
	return state, nil
}
