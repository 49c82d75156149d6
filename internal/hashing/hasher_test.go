package hashing

import (
	"testing"

	"identity-service/internal/config"
)

func newTestHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

func TestHashAndVerifyOTP(t *testing.T) {
	h := newTestHasher()

	result, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}
	if result.Hash == "" || result.Salt == "" {
		t.Fatal("hash result missing hash or salt")
	}
	if result.Algorithm != "argon2id-v1" {
		t.Fatalf("unexpected algorithm %q", result.Algorithm)
	}

	match, err := h.VerifyOTP("123456", result)
	if err != nil || !match {
		t.Fatalf("VerifyOTP correct code = (%v, %v), want match", match, err)
	}

	match, err = h.VerifyOTP("654321", result)
	if err != nil || match {
		t.Fatalf("VerifyOTP wrong code = (%v, %v), want no match", match, err)
	}
}

func TestHashOTPSaltsDiffer(t *testing.T) {
	h := newTestHasher()

	a, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}
	b, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}

	if a.Salt == b.Salt || a.Hash == b.Hash {
		t.Fatal("two hashes of the same code must use fresh salts")
	}
}

func TestVerifyOTPSurvivesPepperRotation(t *testing.T) {
	h := newTestHasher()

	result, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}

	h.rotatePepper()

	match, err := h.VerifyOTP("123456", result)
	if err != nil || !match {
		t.Fatalf("VerifyOTP after rotation = (%v, %v), want match via old pepper", match, err)
	}
}

func TestVerifyOTPUnknownPepperVersion(t *testing.T) {
	h := newTestHasher()

	result, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}
	result.PepperVersion = 99

	if _, err := h.VerifyOTP("123456", result); err == nil {
		t.Fatal("expected an error for an unknown pepper version")
	}
}
