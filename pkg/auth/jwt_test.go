package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNewJWTValidatorRequiresSecret(t *testing.T) {
	if _, err := NewJWTValidator("  ", ""); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestValidateRoundtrip(t *testing.T) {
	v, err := NewJWTValidator(testSecret, "")
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	token := signToken(t, testSecret, jwt.MapClaims{
		"tenant_id": "tenant-1",
		"sub":       "user-1",
		"name":      "Cashier One",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if identity.TenantID != "tenant-1" || identity.UserID != "user-1" || identity.DisplayName != "Cashier One" {
		t.Errorf("unexpected identity %+v", identity)
	}
}

func TestValidateAcceptsCamelCaseTenantClaim(t *testing.T) {
	v, _ := NewJWTValidator(testSecret, "")

	token := signToken(t, testSecret, jwt.MapClaims{
		"tenantId": "tenant-2",
		"sub":      "user-1",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if identity.TenantID != "tenant-2" {
		t.Errorf("unexpected tenant %q", identity.TenantID)
	}
}

func TestValidateRejections(t *testing.T) {
	v, _ := NewJWTValidator(testSecret, "tillstream-auth")
	validClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"tenant_id": "tenant-1",
			"sub":       "user-1",
			"iss":       "tillstream-auth",
			"exp":       time.Now().Add(time.Hour).Unix(),
		}
	}

	cases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not.a.jwt"},
		{"wrong secret", signToken(t, "other-secret", validClaims())},
		{"expired", signToken(t, testSecret, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"sub":       "user-1",
			"iss":       "tillstream-auth",
			"exp":       time.Now().Add(-time.Hour).Unix(),
		})},
		{"wrong issuer", signToken(t, testSecret, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"sub":       "user-1",
			"iss":       "someone-else",
			"exp":       time.Now().Add(time.Hour).Unix(),
		})},
		{"missing tenant", signToken(t, testSecret, jwt.MapClaims{
			"sub": "user-1",
			"iss": "tillstream-auth",
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
		{"missing subject", signToken(t, testSecret, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"iss":       "tillstream-auth",
			"exp":       time.Now().Add(time.Hour).Unix(),
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Validate(context.Background(), tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	v, _ := NewJWTValidator(testSecret, "")

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"tenant_id": "tenant-1",
		"sub":       "user-1",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Validate(context.Background(), signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}
