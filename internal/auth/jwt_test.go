package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iotgateway/gateway-core/internal/config"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", Issuer: "gateway-server"})

	token, err := m.GenerateToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Operator != "ops" || claims.Subject != "ops" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	ctx := WithClaims(context.Background(), claims)
	if got, ok := ClaimsFrom(ctx); !ok || got.Operator != "ops" {
		t.Fatalf("claims not carried on context")
	}
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", Issuer: "gateway-server"})

	expired, _ := m.GenerateToken("ops", -time.Minute)
	other, _ := NewJWTManager(&config.JWTConfig{Secret: "other", Issuer: "gateway-server"}).GenerateToken("ops", time.Minute)
	foreign, _ := NewJWTManager(&config.JWTConfig{Secret: "s3cret", Issuer: "elsewhere"}).GenerateToken("ops", time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "gateway-server"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"wrong issuer": foreign,
		"unsigned":     none,
		"not a jwt":    "abc.def",
		"empty":        "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	if NewJWTManager(&config.JWTConfig{}).Enabled() {
		t.Fatalf("manager without secret must be disabled")
	}
	var m *JWTManager
	if m.Enabled() {
		t.Fatalf("nil manager must be disabled")
	}
}
