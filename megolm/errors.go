package megolm

import (
	"fmt"

	"github.com/meow-io/go-parley/ids"
)

// ErrorCode classifies a per-event decryption failure. Failures are always
// scoped to a single event, never the whole batch.
type ErrorCode string

const (
	ErrInvalidEvent     ErrorCode = "MEGOLM_INVALID_EVENT"
	ErrNoSession        ErrorCode = "MEGOLM_NO_SESSION"
	ErrPlaintextNotJSON ErrorCode = "PLAINTEXT_NOT_JSON"
	ErrWrongRoom        ErrorCode = "MEGOLM_WRONG_ROOM"
	ErrReplayedIndex    ErrorCode = "MEGOLM_REPLAYED_INDEX"
)

type DecryptionError struct {
	Code    ErrorCode
	EventID ids.EventID
	// OtherEventID is set for MEGOLM_REPLAYED_INDEX and names the event this
	// one conflicts with, for audit.
	OtherEventID ids.EventID
	cause        error
}

func newDecryptionError(code ErrorCode, eventID ids.EventID, cause error) *DecryptionError {
	return &DecryptionError{Code: code, EventID: eventID, cause: cause}
}

func (e *DecryptionError) Error() string {
	if e.Code == ErrReplayedIndex {
		return fmt.Sprintf("megolm: %s for event %s, conflicts with %s", e.Code, e.EventID, e.OtherEventID)
	}
	if e.cause != nil {
		return fmt.Sprintf("megolm: %s for event %s: %s", e.Code, e.EventID, e.cause.Error())
	}
	return fmt.Sprintf("megolm: %s for event %s", e.Code, e.EventID)
}

func (e *DecryptionError) Unwrap() error {
	return e.cause
}
