package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/promptuario/clinic-scheduling/internal/scheduling"
)

const actorKey contextKey = "actor"

// ActorClaims is the token shape the identity provider issues: sub is the
// user id, profile_id links patients and doctors to their profile row.
type ActorClaims struct {
	Role      string `json:"role"`
	ProfileID string `json:"profile_id,omitempty"`
	jwt.RegisteredClaims
}

// ActorMiddleware resolves the authenticated actor from an HMAC-signed
// bearer token. Identity and role determination live outside this core; the
// token is trusted once its signature checks out.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "auth_disabled", "JWT_SECRET is not configured")
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing_token", "Authorization: Bearer token required")
				return
			}

			claims := &ActorClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
				return
			}

			actor, err := actorFromClaims(claims)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromClaims(claims *ActorClaims) (scheduling.Actor, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return scheduling.Actor{}, errInvalidClaim("sub")
	}

	role := scheduling.Role(claims.Role)
	if !role.Valid() {
		return scheduling.Actor{}, errInvalidClaim("role")
	}

	var profileID uuid.UUID
	if claims.ProfileID != "" {
		profileID, err = uuid.Parse(claims.ProfileID)
		if err != nil {
			return scheduling.Actor{}, errInvalidClaim("profile_id")
		}
	}

	return scheduling.Actor{UserID: userID, Role: role, ProfileID: profileID}, nil
}

type claimError string

func (e claimError) Error() string { return "invalid claim: " + string(e) }

func errInvalidClaim(name string) error { return claimError(name) }

// ActorFromContext returns the actor resolved by ActorMiddleware.
func ActorFromContext(ctx context.Context) (scheduling.Actor, bool) {
	a, ok := ctx.Value(actorKey).(scheduling.Actor)
	return a, ok
}
