package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose CRC32 does not match its body
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal was closed
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError carries the details of a checksum mismatch.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError is returned by Replay for a damaged record that is not the
// torn tail of the file.
type CorruptionError struct {
	Seq    uint64 // last good sequence number before the damage
	Offset int64  // byte offset of the damaged line
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at offset %d after seq=%d: %v", e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
