package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const tokenPrefixLen = 8

// Auth checks bearer tokens against a fixed list of bcrypt hashes.
type Auth struct {
	hashes [][]byte

	// verified remembers digests of tokens that already passed bcrypt.
	verified sync.Map
}

// NewAuth creates a new Auth middleware. With no hashes every request is
// rejected.
func NewAuth(tokenHashes []string) *Auth {
	a := &Auth{}
	for _, h := range tokenHashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Authenticate validates the Bearer token and stores its prefix in the
// request context for rate limiting.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken := extractBearerToken(r)
		if rawToken == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawToken) < tokenPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid token format", nil)
			return
		}

		if !a.valid(rawToken) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid token", nil)
			return
		}

		ctx := setTokenPrefix(r.Context(), rawToken[:tokenPrefixLen])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) valid(rawToken string) bool {
	digest := sha256.Sum256([]byte(rawToken))
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(rawToken)) == nil {
			a.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
