package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxDifficultyBits is the largest difficulty a SHA-256 based challenge can express.
const MaxDifficultyBits = 256

var (
	ErrSecretRequired    = errors.New("gate.secret is required")
	ErrInvalidDifficulty = errors.New("invalid gate.difficulty_bits (0..256)")
	ErrInvalidTTL        = errors.New("invalid gate.ttl")
)

// ModuleConfig is the gate scope shared read-only by every request. It is
// built once before serving and never changes.
type ModuleConfig struct {
	secret         []byte
	difficultyBits uint16
	ttl            time.Duration
}

// NewModuleConfig validates the raw directive values and returns the
// immutable module scope.
func NewModuleConfig(secret []byte, difficulty, ttl string) (*ModuleConfig, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	bits, err := ParseDifficulty(difficulty)
	if err != nil {
		return nil, err
	}
	d, err := ParseTTL(ttl)
	if err != nil {
		return nil, err
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &ModuleConfig{secret: s, difficultyBits: bits, ttl: d}, nil
}

// Secret returns a copy of the bound secret.
func (m *ModuleConfig) Secret() []byte {
	s := make([]byte, len(m.secret))
	copy(s, m.secret)
	return s
}

func (m *ModuleConfig) DifficultyBits() uint16 { return m.difficultyBits }

func (m *ModuleConfig) TTL() time.Duration { return m.ttl }

// ParseDifficulty accepts a base-10 integer in [0, MaxDifficultyBits].
func ParseDifficulty(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n > MaxDifficultyBits {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDifficulty, s)
	}
	return uint16(n), nil
}

// ParseTTL accepts a Go duration ("90s", "2m") or a bare integer number of
// seconds. Credentials carry whole seconds, so the result must lie in
// [1s, MaxUint32 seconds].
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if n == 0 {
			return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidTTL, s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
	}
	if d < time.Second || d/time.Second > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %q must be between 1s and %ds", ErrInvalidTTL, s, uint64(math.MaxUint32))
	}
	return d, nil
}
