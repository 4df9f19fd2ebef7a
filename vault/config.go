package vault

import (
	"fmt"
	"time"
)

// Config carries the per-deployment tunables. Iteration counts and
// TTLs are deliberately configuration, not constants: deployments
// trade derivation latency against brute-force cost per platform, and
// the count actually used is persisted beside each wrapped key so the
// config can move without breaking old data. Documented floors are
// enforced by Validate.
type Config struct {
	// Iterations is the canonical KDF iteration count for new
	// master-key wraps and passphrase rotations.
	Iterations int

	// DeviceIterations tunes the per-device wrap by platform. A TV
	// box or a browser tab gets a cheaper count than a phone.
	DeviceIterations map[DeviceType]int

	// MasterKeyTTL and PassphraseTTL bound the client cache tiers.
	MasterKeyTTL  time.Duration
	PassphraseTTL time.Duration

	// WrapAlgorithm for newly written records. Existing records keep
	// the algorithm stamped on them.
	WrapAlgorithm Algorithm

	// DeriveTimeout caps a single derivation. Zero means no cap
	// beyond the caller's context.
	DeriveTimeout time.Duration
}

// DefaultConfig returns tunables reasonable for current hardware.
func DefaultConfig() Config {
	return Config{
		Iterations: 200_000,
		DeviceIterations: map[DeviceType]int{
			DeviceIOS:     200_000,
			DeviceAndroid: 200_000,
			DeviceTVOS:    100_000,
			DeviceWeb:     100_000,
		},
		MasterKeyTTL:  15 * time.Minute,
		PassphraseTTL: 5 * time.Minute,
		WrapAlgorithm: AlgAESGCM,
		DeriveTimeout: 2 * time.Minute,
	}
}

// Validate rejects configurations below the documented floors.
func (c Config) Validate() error {
	if c.Iterations < MinIterations {
		return &ValidationError{Field: "iterations", Reason: fmt.Sprintf("%d below floor %d", c.Iterations, MinIterations)}
	}
	for dt, n := range c.DeviceIterations {
		if !ValidDeviceType(dt) {
			return &ValidationError{Field: "device_iterations", Reason: fmt.Sprintf("unknown device type %q", dt)}
		}
		if n < MinIterations {
			return &ValidationError{Field: "device_iterations", Reason: fmt.Sprintf("%s: %d below floor %d", dt, n, MinIterations)}
		}
	}
	if c.MasterKeyTTL <= 0 || c.PassphraseTTL <= 0 {
		return &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	if _, err := c.WrapAlgorithm.IVSize(); err != nil {
		return err
	}
	return nil
}

// IterationsFor returns the tuned count for a device type, falling
// back to the canonical count.
func (c Config) IterationsFor(dt DeviceType) int {
	if n, ok := c.DeviceIterations[dt]; ok {
		return n
	}
	return c.Iterations
}
