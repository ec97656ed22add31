package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Checksum is a parsed integrity declaration: "sha256:<hex>",
// "blake2b:<hex>" (BLAKE2b-256) or a bare sha256 hex digest.
type Checksum struct {
	Algo string
	Hex  string
}

// ParseChecksum parses s. The empty string yields the zero Checksum,
// meaning no verification.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		algo, digest = "sha256", s
	}
	algo = strings.ToLower(algo)
	digest = strings.ToLower(digest)
	if algo != "sha256" && algo != "blake2b" {
		return Checksum{}, fmt.Errorf("upload: unsupported checksum algorithm %q", algo)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != 32 {
		return Checksum{}, fmt.Errorf("upload: checksum must be 32 bytes of hex")
	}
	return Checksum{Algo: algo, Hex: digest}, nil
}

// IsZero reports whether no checksum was declared.
func (c Checksum) IsZero() bool { return c.Hex == "" }

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algo + ":" + c.Hex
}

// newHash returns the hash for c's algorithm; sha256 when c is zero so the
// assembled artifact always gets a recorded digest.
func (c Checksum) newHash() hash.Hash {
	if c.Algo == "blake2b" {
		h, _ := blake2b.New256(nil)
		return h
	}
	return sha256.New()
}
