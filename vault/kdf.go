// ABOUTME: Key derivation engine: chunked PBKDF2-HMAC-SHA256 with progress
// ABOUTME: reporting, plus entropy-checked secure random generation.
package vault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// MinSaltSize and MinIterations are hard floors, not warnings.
	// Records below them are rejected outright.
	MinSaltSize   = 16
	MinIterations = 10_000

	// KDFAlgorithm is fixed by the data model and recorded per record.
	KDFAlgorithm = "pbkdf2-hmac-sha256"

	// deriveChunk bounds how many PBKDF2 rounds run between
	// cancellation checks and progress callbacks. Interactive
	// surfaces are never blocked for more than one chunk's work.
	deriveChunk = 25_000

	entropyRetries = 3
)

// ProgressFn receives (done, total) iteration counts at chunk
// boundaries. It must be cheap; it runs on the deriving goroutine.
type ProgressFn func(done, total int)

// DeriveKey stretches a passphrase into a 32-byte key with
// PBKDF2-HMAC-SHA256. Deterministic for identical inputs. The
// iteration count is caller-supplied and persisted alongside whatever
// the key wraps, never hardcoded here.
//
// On cancellation or deadline the partial state is zeroed and
// ErrOperationTimeout is returned; partial keys are never surfaced.
func DeriveKey(ctx context.Context, passphrase string, salt []byte, iterations int, progress ProgressFn) ([KeySize]byte, error) {
	var key [KeySize]byte
	if passphrase == "" {
		return key, &ValidationError{Field: "passphrase", Reason: "empty"}
	}
	if len(salt) < MinSaltSize {
		return key, &ValidationError{Field: "salt", Reason: fmt.Sprintf("length %d, want >= %d", len(salt), MinSaltSize)}
	}
	if iterations < MinIterations {
		return key, &ValidationError{Field: "iterations", Reason: fmt.Sprintf("%d, want >= %d", iterations, MinIterations)}
	}

	// Single-block PBKDF2 (SHA-256 output == key size): T = U1 ^ ... ^ Uc,
	// computed in bounded chunks so the loop can yield cooperatively.
	mac := hmac.New(sha256.New, []byte(passphrase))
	mac.Write(salt)
	mac.Write([]byte{0, 0, 0, 1})
	u := mac.Sum(nil)
	t := make([]byte, len(u))
	copy(t, u)

	done := 1
	for done < iterations {
		end := done + deriveChunk
		if end > iterations {
			end = iterations
		}
		for ; done < end; done++ {
			mac.Reset()
			mac.Write(u)
			u = mac.Sum(u[:0])
			for i := range t {
				t[i] ^= u[i]
			}
		}
		if err := ctx.Err(); err != nil {
			zero(t)
			zero(u)
			return key, fmt.Errorf("%w: %v", ErrOperationTimeout, err)
		}
		if progress != nil {
			progress(done, iterations)
		}
	}

	copy(key[:], t)
	zero(t)
	zero(u)
	return key, nil
}

// randReader is swapped in tests to simulate a broken RNG backend.
var randReader io.Reader = rand.Reader

// SecureRandomBytes returns n CSPRNG bytes after a cheap entropy smoke
// test. The test guards against a silently broken backend (all zeros,
// stuck values); it is not a randomness proof. Bounded retries, then
// ErrEntropy.
func SecureRandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, &ValidationError{Field: "n", Reason: "must be positive"}
	}
	var lastErr error
	for attempt := 0; attempt < entropyRetries; attempt++ {
		b := make([]byte, n)
		if _, err := io.ReadFull(randReader, b); err != nil {
			lastErr = err
			continue
		}
		if err := entropySmokeTest(b); err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrEntropy, lastErr)
}

// entropySmokeTest flags grossly non-random output: a single byte
// value dominating far beyond expectation, or an implausibly long run
// of identical bytes. Thresholds are loose on purpose; false positives
// on a healthy RNG should be vanishingly rare.
func entropySmokeTest(b []byte) error {
	if len(b) < 8 {
		return nil // too short to judge
	}

	var freq [256]int
	maxFreq := 0
	for _, v := range b {
		freq[v]++
		if freq[v] > maxFreq {
			maxFreq = freq[v]
		}
	}
	// Expected max frequency for uniform bytes is ~n/256 plus slack;
	// allow 4x expectation with an absolute floor for short buffers.
	limit := 4 * (len(b)/256 + 1)
	if limit < 5 {
		limit = 5
	}
	if maxFreq > limit {
		return errors.New("byte frequency outside expected range")
	}

	run, longest := 1, 1
	for i := 1; i < len(b); i++ {
		if b[i] == b[i-1] {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 1
		}
	}
	if longest > 4 {
		return errors.New("identical byte run too long")
	}
	return nil
}

// NewMasterKey generates a fresh 32-byte account master key.
func NewMasterKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	b, err := SecureRandomBytes(KeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	zero(b)
	return key, nil
}

// NewSalt generates a random salt at the minimum allowed size.
func NewSalt() ([]byte, error) {
	return SecureRandomBytes(MinSaltSize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
