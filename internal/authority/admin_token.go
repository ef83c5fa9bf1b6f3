package authority

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
)

const (
	// AdminScope grants access to the /v1/admin routes
	AdminScope = "authority:admin"

	tokenIssuer   = "aichemist-license-admin"
	tokenAudience = "aichemist-authority"
)

var (
	ErrTokenInvalid = errors.New("invalid admin token")
	ErrTokenScope   = errors.New("admin token lacks required scope")
)

// AdminClaims are the claims of an operator bearer token
type AdminClaims struct {
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueAdminToken mints an HS256 operator token
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("admin secret is empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Scope: []string{AdminScope},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAdminToken checks signature, expiry, audience and scope
func ValidateAdminToken(secret []byte, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !slices.Contains(claims.Scope, AdminScope) {
		return nil, ErrTokenScope
	}
	return claims, nil
}

// RequireAdminToken rejects requests without a valid operator token
func RequireAdminToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				render.Render(w, r, licenseErrors.ErrUnauthorized)
				return
			}

			if _, err := ValidateAdminToken(secret, tokenString); err != nil {
				if errors.Is(err, ErrTokenScope) {
					render.Render(w, r, licenseErrors.ErrForbidden)
					return
				}
				render.Render(w, r, licenseErrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
