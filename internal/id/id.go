// Package id generates the unique identifiers handed out as message IDs and
// receipt handles by backends that do not derive identity from storage
// position (the line-file and in-memory variants).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// New calls. Using a single shared source ensures that IDs remain
// lexicographically ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh time-ordered ULID string. The mutex ensures
// monotonicity across concurrent calls.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	u, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", fmt.Errorf("id: generate: %w", err)
	}
	return u.String(), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() string {
	s, err := New()
	if err != nil {
		panic(fmt.Sprintf("id.MustNew: %v", err))
	}
	return s
}
