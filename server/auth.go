package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ContextKeyCreator carries the authenticated creator wallet.
const ContextKeyCreator contextKey = "server.creator"

// creatorAuth gates an endpoint behind an HS256 bearer token whose subject
// is the creator wallet. With no secret configured the endpoint is closed
// outright rather than open.
func creatorAuth(secret []byte, creatorWallet string) func(http.Handler) http.Handler {
	creatorWallet = strings.ToLower(strings.TrimSpace(creatorWallet))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				http.Error(w, "creator endpoint disabled", http.StatusForbidden)
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			}, jwt.WithLeeway(2*time.Minute))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			subject, err := claims.GetSubject()
			if err != nil || !strings.EqualFold(strings.TrimSpace(subject), creatorWallet) {
				http.Error(w, "not the creator", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyCreator, creatorWallet)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
