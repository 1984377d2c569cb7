package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWT_RoundTrip(t *testing.T) {
	token, err := GenerateJWT("secret", "creator-42", "creator", time.Hour)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	claims, err := ParseJWT("secret", token)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if claims.Subject != "creator-42" {
		t.Errorf("expected subject creator-42, got %s", claims.Subject)
	}
	if claims.Role != "creator" {
		t.Errorf("expected role creator, got %s", claims.Role)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	token, _ := GenerateJWT("secret", "creator-42", "creator", time.Hour)
	if _, err := ParseJWT("other", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestJWT_Expired(t *testing.T) {
	claims := Claims{
		Role: "creator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "creator-42",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT("secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWT_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT("secret", token); err == nil {
		t.Fatal("expected error for unsigned token")
	}
}

func TestGenerateJWT_RequiresSubject(t *testing.T) {
	if _, err := GenerateJWT("secret", "", "creator", time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
