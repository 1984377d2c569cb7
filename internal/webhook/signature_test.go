package webhook

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestVerify_ValidSignature(t *testing.T) {
	payload := []byte(`{"split_id":"abc","status":"completed"}`)
	now := time.Now()
	header := Sign("whsec_test", payload, now.Add(-30*time.Second))

	if err := Verify("whsec_test", header, payload, 5*time.Minute, now); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"status":"completed"}`)
	now := time.Now()
	header := Sign("whsec_test", payload, now.Add(-10*time.Minute))

	err := Verify("whsec_test", header, payload, 5*time.Minute, now)
	if !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("expected ErrStaleSignature, got: %v", err)
	}
}

func TestVerify_TamperedPayloadWithStaleSignature(t *testing.T) {
	original := []byte(`{"amount":"100"}`)
	now := time.Now()
	header := Sign("whsec_test", original, now.Add(-6*time.Minute))

	err := Verify("whsec_test", header, []byte(`{"amount":"1000"}`), 5*time.Minute, now)
	if err == nil {
		t.Fatal("expected tampered stale payload to be rejected")
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	now := time.Now()
	header := Sign("whsec_test", []byte(`{"amount":"100"}`), now)

	err := Verify("whsec_test", header, []byte(`{"amount":"1000"}`), 5*time.Minute, now)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := Sign("secret-a", payload, now)

	if err := Verify("secret-b", header, payload, 0, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
}

func TestVerify_FutureTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := Sign("whsec_test", payload, now.Add(5*time.Minute))

	if err := Verify("whsec_test", header, payload, 0, now); !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("expected ErrStaleSignature, got: %v", err)
	}
}

func TestVerify_RotatedSecrets(t *testing.T) {
	payload := []byte(`{"ok":true}`)
	now := time.Now()
	oldSig := Sign("old", payload, now)
	newSig := Sign("new", payload, now)
	header := oldSig + "," + newSig[strings.Index(newSig, "v1="):]

	if err := Verify("new", header, payload, 0, now); err != nil {
		t.Fatalf("expected rotated header to verify, got: %v", err)
	}
}

func TestVerify_MalformedHeader(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()

	cases := []string{
		"",
		"garbage",
		"t=abc,v1=00",
		"t=123",
		"v1=deadbeef",
		"t=123,v1=zz",
	}
	for _, header := range cases {
		if err := Verify("s", header, payload, 0, now); !errors.Is(err, ErrMalformedSignature) {
			t.Errorf("header %q: expected ErrMalformedSignature, got: %v", header, err)
		}
	}
}

func TestSign_Format(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	header := Sign("s", []byte("x"), ts)
	if !strings.HasPrefix(header, "t=1700000000,v1=") {
		t.Fatalf("unexpected header: %s", header)
	}
	// sha256 hex digest
	if got := len(strings.TrimPrefix(header, "t=1700000000,v1=")); got != 64 {
		t.Fatalf("expected 64 hex chars, got %d", got)
	}
}
