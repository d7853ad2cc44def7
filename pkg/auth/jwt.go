package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates HMAC-signed JWT tokens issued by the backend that
// owns authentication. Signature, expiry and (when configured) issuer are
// checked; the tenant claim is mandatory.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for tokens signed with the shared
// HMAC secret. issuer is optional; when non-empty the iss claim must match.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTValidator{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
	}, nil
}

// Validate parses and verifies the token and extracts the session identity.
func (v *JWTValidator) Validate(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	identity := &Identity{
		TenantID:    stringClaim(claims, "tenant_id", "tenantId"),
		UserID:      stringClaim(claims, "sub"),
		DisplayName: stringClaim(claims, "name", "display_name"),
	}
	if identity.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant claim", ErrInvalidToken)
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return identity, nil
}

// stringClaim returns the first non-empty string value among claim aliases.
func stringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
