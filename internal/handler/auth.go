package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"admission-service/internal/config"
	"admission-service/internal/models"
	"admission-service/internal/util"
)

const RoleAdmin = "admin"

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

type operatorKey struct{}

// AdminClaims are the claims of an operator token. Subject is the operator id.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth verifies an HS256 bearer token and puts the operator in the
// request context.
func AdminAuth(cfg config.AdminConfig) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	secret := []byte(cfg.JWTSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				respondWithError(w, errForbidden, "Admin API is disabled")
				return
			}

			tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				respondWithError(w, errUnauthorized, "Authorization required")
				return
			}

			claims := &AdminClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid || claims.Subject == "" {
				util.Warn("Rejected admin token",
					util.String("remote_addr", r.RemoteAddr),
					util.ErrorField(err))
				respondWithError(w, errUnauthorized, "Invalid or expired token")
				return
			}
			if claims.Role != RoleAdmin {
				respondWithError(w, errForbidden, "Operator role required")
				return
			}

			op := models.Operator{ID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
		})
	}
}

func OperatorFromContext(ctx context.Context) (models.Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(models.Operator)
	return op, ok
}

// IssueAdminToken signs an operator token. Used by tooling and tests.
func IssueAdminToken(cfg config.AdminConfig, operatorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
