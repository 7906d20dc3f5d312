package attendance

import (
	"strings"
	"testing"
	"time"
)

func setTokenSecret(t *testing.T) {
	t.Helper()
	t.Setenv(tokenSecretEnvVariable, "unit-test-token-secret")
	ResetTokenSecretForTests()
	t.Cleanup(ResetTokenSecretForTests)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	setTokenSecret(t)

	issued := time.Now().UTC().Truncate(time.Millisecond)
	value, err := SignToken("sess-1", 42, issued)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	seq, got, err := VerifyToken("sess-1", value)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if seq != 42 {
		t.Fatalf("unexpected seq: %d", seq)
	}
	if !got.Equal(issued) {
		t.Fatalf("issue time mismatch: got %v want %v", got, issued)
	}
}

func TestVerifyRejectsOtherSession(t *testing.T) {
	setTokenSecret(t)

	value, err := SignToken("sess-1", 1, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := VerifyToken("sess-2", value); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	setTokenSecret(t)

	value, err := SignToken("sess-1", 7, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Rewriting the sequence number without re-signing must fail: the
	// signature, not the visible number, is what authenticates.
	parts := strings.SplitN(value, ".", 3)
	forged := "8." + parts[1] + "." + parts[2]
	if _, _, err := VerifyToken("sess-1", forged); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for forged seq, got %v", err)
	}

	for _, bad := range []string{"", "zzz", "1.2", "1.2.3.4", "1.notatime." + parts[2], parts[0] + "." + parts[1] + ".!!!"} {
		if _, _, err := VerifyToken("sess-1", bad); err != ErrInvalidToken {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", bad, err)
		}
	}
}

func TestSignTokenValidation(t *testing.T) {
	setTokenSecret(t)

	if _, err := SignToken("  ", 1, time.Now()); err == nil {
		t.Fatal("expected error for blank session id")
	}
	if _, err := SignToken("sess-1", 0, time.Now()); err == nil {
		t.Fatal("expected error for zero seq")
	}
}

func TestMissingTokenSecret(t *testing.T) {
	t.Setenv(tokenSecretEnvVariable, "")
	ResetTokenSecretForTests()
	t.Cleanup(ResetTokenSecretForTests)

	if _, err := SignToken("sess-1", 1, time.Now()); err == nil {
		t.Fatal("expected missing secret error")
	}
	if _, _, err := VerifyToken("sess-1", "1.2.abc"); err == nil {
		t.Fatal("expected missing secret error")
	}
}
