package utils

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()
	op := model.Operator{ID: 42, Email: "door@example.org", Role: model.RoleDoor}
	tok, err := NewAccessToken("s3cret", op, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseAccessToken("s3cret", tok.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, _ := claims.OperatorID()
	if id != 42 || claims.Role != model.RoleDoor || claims.Email != "door@example.org" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseAccessToken_Rejects(t *testing.T) {
	t.Parallel()
	op := model.Operator{ID: 1, Role: model.RoleAdmin}
	good, _ := NewAccessToken("s3cret", op, time.Hour, time.Now())
	expired, _ := NewAccessToken("s3cret", op, time.Minute, time.Now().Add(-time.Hour))

	for name, raw := range map[string]string{
		"wrong secret": good.Token,
		"expired":      expired.Token,
		"garbage":      "not.a.token",
	} {
		secret := "s3cret"
		if name == "wrong secret" {
			secret = "other"
		}
		if _, err := ParseAccessToken(secret, raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestNewAccessToken_RequiresSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewAccessToken("", model.Operator{ID: 1}, time.Hour, time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPasswords(t *testing.T) {
	t.Parallel()
	if _, err := HashPassword("short", bcrypt.MinCost); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err = %v", err)
	}
	hash, err := HashPassword("correct horse battery", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(hash, "correct horse battery") || VerifyPassword(hash, "wrong password!") {
		t.Fatal("verify mismatch")
	}
}
