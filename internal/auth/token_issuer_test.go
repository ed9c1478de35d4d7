package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "trellis",
		Audience:      "trellis",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueDeviceTokenRoundTrips(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	tokenString, expiresIn, err := issuer.IssueDeviceToken(context.Background(), "user-123", "device-abc", 2)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.DeviceID != "device-abc" {
		t.Fatalf("unexpected device id: %s", claims.DeviceID)
	}
	if claims.Priority != 2 {
		t.Fatalf("unexpected priority: %d", claims.Priority)
	}
}

func TestIssueDeviceTokenRequiresIdentity(t *testing.T) {
	issuer := newTestIssuer(nil)

	if _, _, err := issuer.IssueDeviceToken(context.Background(), "", "device-abc", 0); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
	if _, _, err := issuer.IssueDeviceToken(context.Background(), "user-123", "", 0); !errors.Is(err, errMissingDeviceClaim) {
		t.Fatalf("expected missing device error, got %v", err)
	}

	unsigned := NewTokenIssuer(TokenIssuerConfig{Issuer: "trellis", Audience: "trellis"})
	if _, _, err := unsigned.IssueDeviceToken(context.Background(), "user-123", "device-abc", 0); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "user-123", "device-abc", 0)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	later := newTestIssuer(func() time.Time { return now.Add(31 * time.Minute) })
	if _, err := later.ValidateToken(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestValidateTokenRejectsForeignAudience(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "trellis",
		Audience:      "someone-else",
		Clock:         func() time.Time { return now },
	})

	tokenString, _, err := foreign.IssueDeviceToken(context.Background(), "user-123", "device-abc", 0)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	issuer := newTestIssuer(func() time.Time { return now })
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected audience rejection")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "user-123", "device-abc", 0)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "trellis",
		Audience:      "trellis",
		Clock:         func() time.Time { return now },
	})
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestValidateTokenRejectsMissingDeviceClaim(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    "trellis",
		Audience:  []string{"trellis"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("super-secret"))
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	if _, err := issuer.ValidateToken(signed); !errors.Is(err, errMissingDeviceClaim) {
		t.Fatalf("expected missing device error, got %v", err)
	}
}
