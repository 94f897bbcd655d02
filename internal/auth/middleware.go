package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// UserResolver maps a verified Nostr pubkey to a local Identity, creating
// the user record on first sight if the implementation chooses to.
type UserResolver interface {
	ResolveByPubkey(pubkey string) (*Identity, error)
}

// RequireAuth parses the "Authorization: Nostr <base64-event>" header,
// verifies it as a NIP-98 event scoped to this exact request, resolves the
// pubkey to a local Identity via resolver, and stores it in the request
// context. Requests failing any step receive 401.
func RequireAuth(resolver UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Nostr "
			if !strings.HasPrefix(header, prefix) {
				http.Error(w, "missing Nostr authorization", http.StatusUnauthorized)
				return
			}

			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
			if err != nil {
				http.Error(w, "malformed authorization header", http.StatusUnauthorized)
				return
			}

			fullURL := requestURL(r)
			pubkey, err := VerifyNIP98(raw, fullURL, r.Method, time.Now())
			if err != nil {
				http.Error(w, "invalid nostr auth event: "+err.Error(), http.StatusUnauthorized)
				return
			}

			identity, err := resolver.ResolveByPubkey(pubkey)
			if err != nil || identity == nil {
				http.Error(w, "unknown pubkey", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
		})
	}
}

// RequireRole rejects requests whose Identity.Role is not among allowed.
// It must run after RequireAuth.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if _, ok := allowedSet[identity.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestURL reconstructs the absolute URL NIP-98 signs over. Behind a
// reverse proxy the scheme is taken from X-Forwarded-Proto when present.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
