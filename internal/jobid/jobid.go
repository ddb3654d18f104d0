// Package jobid derives stable job identifiers for submitted files.
package jobid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Length is the number of hex characters in a job id.
const Length = sha256.Size * 2

// Compute returns the hex SHA-256 digest of sourceIdentifier followed by salt.
func Compute(sourceIdentifier, salt string) (string, error) {
	if sourceIdentifier == "" {
		return "", fmt.Errorf("source identifier is empty")
	}
	if !utf8.ValidString(sourceIdentifier) || !utf8.ValidString(salt) {
		return "", fmt.Errorf("source identifier and salt must be valid UTF-8")
	}
	sum := sha256.Sum256([]byte(sourceIdentifier + salt))
	return hex.EncodeToString(sum[:]), nil
}

// Valid reports whether id has the shape produced by Compute.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Salter hands out salts that never repeat within a process: the submission
// time in milliseconds plus a monotonically increasing counter.
type Salter struct {
	counter atomic.Uint64
	now     func() time.Time
}

// NewSalter creates a Salter backed by the wall clock.
func NewSalter() *Salter {
	return &Salter{now: time.Now}
}

// Next returns the next salt.
func (s *Salter) Next() string {
	n := s.counter.Add(1)
	return strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + strconv.FormatUint(n, 10)
}
