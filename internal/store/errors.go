package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/strandlabs/controlplane/internal/runstate"
)

// Sentinel errors surfaced by the store. Stored procedures signal failures
// with RAISE EXCEPTION using a fixed message prefix; mapProcError translates
// those prefixes back into these values so callers can errors.Is on them.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means the compare-and-swap on state_version lost
	// to a concurrent writer. Callers re-read and re-decide, never retry blind.
	ErrVersionConflict = errors.New("state version conflict")

	// ErrFenceHeld means another holder has a live fencing token on the run.
	ErrFenceHeld = errors.New("fencing token held")

	// ErrFenceMismatch means the caller's fencing token has been superseded
	// or expired. The holder must stop writing immediately.
	ErrFenceMismatch = errors.New("fencing token mismatch")

	// ErrInsufficientCredits means available balance cannot cover the amount.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAttemptsExhausted means a subtask retry was requested past its budget.
	ErrAttemptsExhausted = errors.New("attempt budget exhausted")

	// ErrDuplicateKey means a uniqueness constraint rejected the write.
	ErrDuplicateKey = errors.New("duplicate key")
)

// procErrorPrefixes maps RAISE EXCEPTION message prefixes to sentinels.
// Kept in one place so schema.sql and this file stay in sync.
var procErrorPrefixes = map[string]error{
	"NOT_FOUND":            ErrNotFound,
	"VERSION_CONFLICT":     ErrVersionConflict,
	"INVALID_TRANSITION":   runstate.ErrInvalidTransition,
	"FENCE_HELD":           ErrFenceHeld,
	"FENCE_MISMATCH":       ErrFenceMismatch,
	"INSUFFICIENT_CREDITS": ErrInsufficientCredits,
	"ATTEMPTS_EXHAUSTED":   ErrAttemptsExhausted,
}

// mapProcError converts lib/pq errors raised by stored procedures into
// sentinel-wrapped errors. Anything unrecognized passes through wrapped.
func mapProcError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg := string(pqErr.Message)
		for prefix, sentinel := range procErrorPrefixes {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%s: %w: %s", op, sentinel, msg)
			}
		}
		// 23505 unique_violation: idempotency keys, duplicate subtask index
		if pqErr.Code == "23505" {
			return fmt.Errorf("%s: %w: %s", op, ErrDuplicateKey, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableConflict reports whether err is a conflict the caller may
// resolve by re-reading current state and re-deciding. Fence mismatches are
// excluded on purpose: a superseded holder must stop, not retry.
func IsRetryableConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
