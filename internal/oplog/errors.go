package oplog

import (
	"errors"
	"fmt"
)

// ErrUnexpectedOplogEntry is returned by the typed replay helpers when
// the next non-hint entry is not the kind the caller expected. This is
// fatal for the owning worker session: replay cannot continue.
var ErrUnexpectedOplogEntry = errors.New("unexpected oplog entry")

// ErrPayloadDecode is returned when the Oplog Store's payload for an
// entry is missing, malformed, or fails to decode. Treated as an
// assertion-level failure because it indicates oplog corruption.
var ErrPayloadDecode = errors.New("oplog payload decode failure")

// UnexpectedEntryError wraps ErrUnexpectedOplogEntry with the expected
// and actual entry kinds for diagnostics.
type UnexpectedEntryError struct {
	Expected Kind
	Actual   Entry
}

func (e *UnexpectedEntryError) Error() string {
	return fmt.Sprintf("expected %s oplog entry, got %s", e.Expected, e.Actual.Kind)
}

func (e *UnexpectedEntryError) Unwrap() error { return ErrUnexpectedOplogEntry }

// PayloadDecodeError wraps ErrPayloadDecode with the index/kind it
// occurred on.
type PayloadDecodeError struct {
	Index Index
	Kind  Kind
	Err   error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode payload for %s entry at %s: %v", e.Kind, e.Index, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return ErrPayloadDecode }
