package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/n3dwh/query-executor/internal/model"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityMiddleware authenticates requests with an HMAC-signed bearer
// token carrying identity_id and is_superuser claims, and attaches the
// resulting Identity to the request context.
func IdentityMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := identityFromToken(bearerToken(r), secret)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody(err))
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func identityFromToken(token, secret string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, fmt.Errorf("missing bearer token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return model.Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return model.Identity{}, fmt.Errorf("invalid token claims")
	}
	id, ok := claims["identity_id"].(string)
	if !ok || id == "" {
		return model.Identity{}, fmt.Errorf("token carries no identity_id")
	}
	super, _ := claims["is_superuser"].(bool)
	return model.Identity{ID: id, IsSuperuser: super}, nil
}

func identityFrom(ctx context.Context) model.Identity {
	ident, _ := ctx.Value(identityKey).(model.Identity)
	return ident
}
