// Package idgen provides the pluggable ID generators scribe uses for jobs,
// upload sessions, execution handles and process generations.
//
// Components accept a Generator so tests can inject deterministic IDs.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator of base-36 IDs of the given length.
// Used for message suffixes where a UUID would be noise.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends a fixed prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ...
// Deterministic; meant for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Job IDs and session IDs are typed by prefix so logs stay readable.
var (
	JobID     = Prefixed("job_", UUIDv7())
	SessionID = Prefixed("ups_", UUIDv7())
)

// Generation returns an identifier for the current process run:
// "gen_20060102T150405Z_<nanoid>". A restarted process always gets a
// different generation, which is how orphaned pool jobs are recognised.
func Generation() string {
	return "gen_" + time.Now().UTC().Format("20060102T150405Z") + "_" + NanoID(8)()
}

// Parse validates a UUID string (optionally behind a type prefix such as
// "job_") and returns it unchanged.
func Parse(s string) (string, error) {
	raw := s
	if i := len(s) - 36; i > 0 {
		raw = s[i:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
