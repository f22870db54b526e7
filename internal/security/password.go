package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// bcryptCost defines the bcrypt work factor.
const bcryptCost = 12

// DigestPrefix marks a SHA-256 scheduler secret digest in configuration.
const DigestPrefix = "sha256:"

// bcrypt comparisons for unknown tokens are capped per second.
const (
	bcryptChecksPerSecond = 5
	bcryptCheckBurst      = 5
)

// HashSecret hashes a plaintext secret using bcrypt.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckSecret compares a bcrypt hash with a plaintext secret.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// DigestSecret returns the "sha256:<hex>" form of secret.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// SchedulerSecret matches the shared secret presented by scheduler callers.
// The configured hash may be a "sha256:<hex>" digest or a bcrypt hash and
// takes precedence over a plain secret.
type SchedulerSecret struct {
	digest []byte
	bcrypt string

	limiter  *rate.Limiter
	mu       sync.RWMutex
	accepted []byte
}

// NewSchedulerSecret returns nil when neither form is configured or the
// digest is malformed.
func NewSchedulerSecret(plain, hash string) *SchedulerSecret {
	plain = strings.TrimSpace(plain)
	hash = strings.TrimSpace(hash)
	switch {
	case strings.HasPrefix(strings.ToLower(hash), DigestPrefix):
		digest, errDecode := hex.DecodeString(hash[len(DigestPrefix):])
		if errDecode != nil || len(digest) != sha256.Size {
			return nil
		}
		return &SchedulerSecret{digest: digest}
	case hash != "":
		return &SchedulerSecret{
			bcrypt:  hash,
			limiter: rate.NewLimiter(rate.Limit(bcryptChecksPerSecond), bcryptCheckBurst),
		}
	case plain != "":
		sum := sha256.Sum256([]byte(plain))
		return &SchedulerSecret{digest: sum[:]}
	default:
		return nil
	}
}

// Match reports whether token is the scheduler secret. Digest comparisons
// run in constant time. A bcrypt hash is checked at a bounded rate and the
// accepted token is remembered by digest.
func (s *SchedulerSecret) Match(token string) bool {
	if s == nil || token == "" {
		return false
	}
	got := sha256.Sum256([]byte(token))
	if s.digest != nil {
		return subtle.ConstantTimeCompare(s.digest, got[:]) == 1
	}

	s.mu.RLock()
	accepted := s.accepted
	s.mu.RUnlock()
	if accepted != nil && subtle.ConstantTimeCompare(accepted, got[:]) == 1 {
		return true
	}
	if !s.limiter.Allow() {
		return false
	}
	if !CheckSecret(s.bcrypt, token) {
		return false
	}
	s.mu.Lock()
	s.accepted = got[:]
	s.mu.Unlock()
	return true
}
