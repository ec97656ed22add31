package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown session.
	ErrNotFound = errors.New("upload: session not found")
	// ErrFinalizing is returned when a chunk or a second finalize arrives
	// while the session is being assembled.
	ErrFinalizing = errors.New("upload: session is finalizing")
	// ErrClosed is returned for chunks sent to an assembled or expired session.
	ErrClosed = errors.New("upload: session closed")
	// ErrInvalidChunk covers index out of range, total mismatch and
	// oversized payloads. The session is left untouched.
	ErrInvalidChunk = errors.New("upload: invalid chunk")

	ErrIncompleteUpload = errors.New("upload: incomplete")
	ErrChecksumMismatch = errors.New("upload: checksum mismatch")
	ErrIOFailure        = errors.New("upload: i/o failure")
)

// IncompleteError lists the chunk indices still missing at finalize.
type IncompleteError struct {
	Session string
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload %s: incomplete, %d chunk(s) missing %v", e.Session, len(e.Missing), e.Missing)
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncompleteUpload }

// ChecksumError reports a digest mismatch on the assembled artifact.
type ChecksumError struct {
	Session  string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("upload %s: checksum mismatch: expected %s, got %s", e.Session, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// IOError wraps a filesystem failure during assembly.
type IOError struct {
	Session string
	Op      string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("upload %s: %s: %v", e.Session, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIOFailure }
