package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTransfer reports a message for a transfer ID with no state.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrTransferIncomplete reports a file-end that arrived before every chunk.
	ErrTransferIncomplete = errors.New("transfer incomplete")
	// ErrDuplicateTransfer reports a file-start for an ID that already has state.
	ErrDuplicateTransfer = errors.New("duplicate transfer")
	// ErrTransferCancelled reports a transfer stopped by either side.
	ErrTransferCancelled = errors.New("transfer cancelled")
	// ErrTransferStalled reports a receive that saw no chunk within the stall timeout.
	ErrTransferStalled = errors.New("transfer stalled")
	// ErrTooManyTransfers reports a file-start refused because too many
	// receives are already open.
	ErrTooManyTransfers = errors.New("too many concurrent transfers")
	// ErrInvalidFilename reports an announced name that cannot be written safely.
	ErrInvalidFilename = errors.New("invalid filename")
)

// Error is the failure of one specific transfer.
type Error struct {
	ID   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("transfer %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("transfer %s (%s): %v", e.ID, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
