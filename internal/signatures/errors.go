package signatures

import (
	"errors"
	"fmt"
)

// ErrLocked is returned when another process holds the update lock.
var ErrLocked = errors.New("signature update already in progress in another process")

// StoreError is an I/O or schema failure from the underlying database.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("signature store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// UpdateError reports which step of UpdateAll failed. When it fails before the
// backup is dropped, a rollback has already been attempted; if the rollback
// failed too, Err holds both failures. A failure after that point leaves the
// journal at committing, and Recover finishes the commit.
type UpdateError struct {
	Step string
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("signature update failed at %s: %v", e.Step, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
