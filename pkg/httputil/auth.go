package httputil

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/medflow/rx-verification/pkg/errors"
	"github.com/medflow/rx-verification/pkg/logger"
)

// Roles recognised by the verification API
const (
	RolePatient    = "patient"
	RolePharmacist = "pharmacist"
	RoleAdmin      = "admin"
)

// Claims are the access token claims issued by the auth service
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Authenticator validates HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
	log    *logger.Logger
}

// NewAuthenticator creates an authenticator. An empty issuer disables the issuer check.
func NewAuthenticator(secret, issuer string, log *logger.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, log: log}
}

// Parse validates a raw token and returns its claims
func (a *Authenticator) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.TokenInvalid()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, apperrors.TokenInvalid()
	}
	return claims, nil
}

// Middleware requires a valid bearer token and stores the caller in the context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, apperrors.Unauthorized("missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			Error(w, apperrors.Unauthorized("invalid authorization header format"))
			return
		}

		claims, err := a.Parse(parts[1])
		if err != nil {
			a.log.Debug().Err(err).Msg("token validation failed")
			Error(w, err)
			return
		}

		ctx := WithUserContext(r.Context(), claims.Subject, claims.Email, claims.Role)
		ctx = WithUserName(ctx, claims.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose role is not in roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetUserRole(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			Error(w, apperrors.Forbidden("role "+role+" may not perform this action"))
		})
	}
}
