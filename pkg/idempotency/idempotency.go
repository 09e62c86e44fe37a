package idempotency

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the key the payment gateway deduplicates charge creation on.
const Header = "X-Idempotency-Key"

// NewToken returns a fresh token. Use one per create call, never per order:
// a retried call after a timeout must reuse the token it was sent with.
func NewToken() string {
	return uuid.NewString()
}

func Set(r *http.Request, token string) {
	if token = strings.TrimSpace(token); token != "" {
		r.Header.Set(Header, token)
	}
}

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}
