// ABOUTME: Tests for chunked PBKDF2 derivation and entropy-checked RNG.
// ABOUTME: Covers determinism, floors, progress, cancellation, and RNG retries.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func testSalt() []byte {
	salt := make([]byte, MinSaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	return salt
}

func TestDeriveKeyDeterministic(t *testing.T) {
	ctx := context.Background()
	salt := testSalt()

	k1, err := DeriveKey(ctx, "correct-horse", salt, MinIterations, nil)
	if err != nil {
		t.Fatalf("derive1: %v", err)
	}
	k2, err := DeriveKey(ctx, "correct-horse", salt, MinIterations, nil)
	if err != nil {
		t.Fatalf("derive2: %v", err)
	}
	if k1 != k2 {
		t.Fatal("expected deterministic keys for identical inputs")
	}

	k3, err := DeriveKey(ctx, "battery-staple", salt, MinIterations, nil)
	if err != nil {
		t.Fatalf("derive3: %v", err)
	}
	if k1 == k3 {
		t.Fatal("expected different keys for different passphrases")
	}
}

func TestDeriveKeyMatchesReference(t *testing.T) {
	ctx := context.Background()
	salt := testSalt()

	// One count inside a single chunk, one crossing chunk boundaries.
	for _, iters := range []int{MinIterations, 60_000} {
		got, err := DeriveKey(ctx, "reference-check", salt, iters, nil)
		if err != nil {
			t.Fatalf("derive %d: %v", iters, err)
		}
		want := pbkdf2.Key([]byte("reference-check"), salt, iters, KeySize, sha256.New)
		if !bytes.Equal(got[:], want) {
			t.Fatalf("iterations %d: chunked derivation diverges from reference", iters)
		}
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		passphrase string
		salt       []byte
		iterations int
	}{
		{"empty passphrase", "", testSalt(), MinIterations},
		{"short salt", "pass", make([]byte, MinSaltSize-1), MinIterations},
		{"low iterations", "pass", testSalt(), MinIterations - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveKey(ctx, tt.passphrase, tt.salt, tt.iterations, nil)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestDeriveKeyProgress(t *testing.T) {
	const iters = 60_000
	var calls []int
	total := 0
	_, err := DeriveKey(context.Background(), "pass", testSalt(), iters, func(done, tot int) {
		calls = append(calls, done)
		total = tot
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(calls) < 2 {
		t.Fatalf("expected multiple progress callbacks, got %d", len(calls))
	}
	if total != iters {
		t.Errorf("total = %d, want %d", total, iters)
	}
	for i := 1; i < len(calls); i++ {
		if calls[i] <= calls[i-1] {
			t.Fatalf("progress not monotonic: %v", calls)
		}
	}
	if last := calls[len(calls)-1]; last != iters {
		t.Errorf("final progress = %d, want %d", last, iters)
	}
}

func TestDeriveKeyCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DeriveKey(ctx, "pass", testSalt(), 100_000, nil)
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("expected ErrOperationTimeout, got %v", err)
	}
}

// stuckReader simulates an RNG backend emitting a constant byte.
type stuckReader struct{ b byte }

func (r stuckReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	return len(p), nil
}

// healAfterReader fails n reads, then delegates to the real RNG.
type healAfterReader struct{ failures *int }

func (r healAfterReader) Read(p []byte) (int, error) {
	if *r.failures > 0 {
		*r.failures--
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	return rand.Read(p)
}

func TestSecureRandomBytesBrokenRNG(t *testing.T) {
	orig := randReader
	defer func() { randReader = orig }()

	randReader = stuckReader{b: 0x41}
	_, err := SecureRandomBytes(KeySize)
	if !errors.Is(err, ErrEntropy) {
		t.Fatalf("expected ErrEntropy for stuck RNG, got %v", err)
	}
}

func TestSecureRandomBytesRetries(t *testing.T) {
	orig := randReader
	defer func() { randReader = orig }()

	failures := 2
	randReader = healAfterReader{failures: &failures}
	b, err := SecureRandomBytes(KeySize)
	if err != nil {
		t.Fatalf("expected recovery within retry budget, got %v", err)
	}
	if len(b) != KeySize {
		t.Fatalf("len = %d, want %d", len(b), KeySize)
	}
	if failures != 0 {
		t.Errorf("expected both broken reads consumed, %d left", failures)
	}
}

func TestSecureRandomBytesShortBuffers(t *testing.T) {
	// Buffers under the judgment threshold skip the smoke test but must
	// still be generated.
	b, err := SecureRandomBytes(4)
	if err != nil {
		t.Fatalf("short buffer: %v", err)
	}
	if len(b) != 4 {
		t.Fatalf("len = %d, want 4", len(b))
	}

	if _, err := SecureRandomBytes(0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for n=0, got %v", err)
	}
}

func TestNewSaltAndMasterKey(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if len(salt) != MinSaltSize {
		t.Errorf("salt length = %d, want %d", len(salt), MinSaltSize)
	}

	k1, err := NewMasterKey()
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	k2, err := NewMasterKey()
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	if k1 == k2 {
		t.Fatal("two master keys identical; RNG broken")
	}
}
