package protocol

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(testKey, time.Minute)
	m := signedMessage(t, MsgHeartbeat, nil)

	if ok, reason := v.Validate(m, true, true); !ok {
		t.Fatalf("Valid message rejected: %s", reason)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	v := NewValidator(testKey, time.Minute)
	m := signedMessage(t, MsgHeartbeat, nil)
	m.Signature[0] ^= 0xff

	ok, reason := v.Validate(m, true, true)
	if ok {
		t.Fatal("Message with corrupted signature accepted")
	}
	if reason != "invalid signature" {
		t.Errorf("Unexpected rejection reason: %q", reason)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v := NewValidator(testKey, time.Minute)

	m, err := New(MsgHeartbeat, nil)
	if err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}
	m.Timestamp = time.Now().Add(-2 * time.Minute)
	if err := m.Sign(testKey); err != nil {
		t.Fatalf("Failed to sign message: %v", err)
	}

	ok, reason := v.Validate(m, true, true)
	if ok {
		t.Fatal("Expired message accepted")
	}
	if !strings.Contains(reason, "expired") {
		t.Errorf("Unexpected rejection reason: %q", reason)
	}
}

func TestValidateRejectsReplay(t *testing.T) {
	v := NewValidator(testKey, time.Minute)
	m := signedMessage(t, MsgHeartbeat, nil)

	if ok, reason := v.Validate(m, true, true); !ok {
		t.Fatalf("First delivery rejected: %s", reason)
	}

	ok, reason := v.Validate(m, true, true)
	if ok {
		t.Fatal("Replayed message accepted")
	}
	if !strings.Contains(reason, "replay") {
		t.Errorf("Unexpected rejection reason: %q", reason)
	}
}

func TestValidateWithoutReplayCheck(t *testing.T) {
	v := NewValidator(testKey, time.Minute)
	m := signedMessage(t, MsgHeartbeat, nil)

	for i := 0; i < 3; i++ {
		if ok, reason := v.Validate(m, true, false); !ok {
			t.Fatalf("Delivery %d rejected with replay check disabled: %s", i, reason)
		}
	}
	if v.NonceCount() != 0 {
		t.Errorf("Nonce recorded with replay check disabled: %d entries", v.NonceCount())
	}
}

func TestSweepEvictsExpiredNonces(t *testing.T) {
	v := NewValidator(testKey, 50*time.Millisecond)
	m := signedMessage(t, MsgHeartbeat, nil)

	if ok, reason := v.Validate(m, true, true); !ok {
		t.Fatalf("Valid message rejected: %s", reason)
	}
	if v.NonceCount() != 1 {
		t.Fatalf("Expected 1 recorded nonce, got %d", v.NonceCount())
	}

	time.Sleep(80 * time.Millisecond)
	if err := v.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if v.NonceCount() != 0 {
		t.Errorf("Expected empty nonce cache after sweep, got %d entries", v.NonceCount())
	}
}
