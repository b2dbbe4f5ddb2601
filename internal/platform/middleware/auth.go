package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/pkg/requestcontext"
)

// ActorValidator turns a bearer token into an acting identity.
type ActorValidator interface {
	ValidateToken(tokenString string) (*ActorClaims, error)
}

// ActorClaims is the identity material extracted from a token: the actor
// reference, and the real identity when the request is impersonated.
type ActorClaims struct {
	Actor        recordable.Ref
	Impersonator *recordable.Ref
}

// JWTValidator validates HMAC-signed tokens. Token issuance is out of
// scope; this only parses already-issued tokens into an actor reference.
type JWTValidator struct {
	signingKey []byte
}

func NewJWTValidator(signingKey string) *JWTValidator {
	return &JWTValidator{signingKey: []byte(signingKey)}
}

func (v *JWTValidator) ValidateToken(tokenString string) (*ActorClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	actor, err := refFromClaims(claims, "sub", "actor_type")
	if err != nil {
		return nil, err
	}
	out := &ActorClaims{Actor: actor}

	if _, present := claims["impersonator_sub"]; present {
		imp, err := refFromClaims(claims, "impersonator_sub", "impersonator_type")
		if err != nil {
			return nil, err
		}
		out.Impersonator = &imp
	}
	return out, nil
}

func refFromClaims(claims jwt.MapClaims, subKey, typeKey string) (recordable.Ref, error) {
	sub, _ := claims[subKey].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return recordable.Ref{}, fmt.Errorf("claim %s: %w", subKey, err)
	}
	typ, _ := claims[typeKey].(string)
	if typ == "" {
		typ = "user"
	}
	return recordable.Ref{Type: typ, ID: id}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resulting actor (and impersonator, if any) in the request context.
func RequireAuth(validator ActorValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "unauthorized - missing bearer token",
					"request_id", GetRequestID(ctx))
				writeUnauthorized(w, "Missing or invalid Authorization header")
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized - invalid token",
					"error", err, "request_id", GetRequestID(ctx))
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithActor(ctx, claims.Actor)
			if claims.Impersonator != nil {
				ctx = requestcontext.WithImpersonator(ctx, *claims.Impersonator)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
