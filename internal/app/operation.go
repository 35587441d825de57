package app

import (
	"time"

	"chainvault/internal/database"
)

// Operation tracks the CLI command being run. It lives in memory with ID=0
// until the command first mutates state; only then is it written to the
// journal, so read-only commands leave no trace there.
type Operation struct {
	ID         int64
	Name       string
	Subject    string
	Parameters string
	Status     string
	StartedAt  time.Time
}

// NewOperation creates an in-memory operation that succeeds unless Fail is called.
func NewOperation(name string, startedAt time.Time) *Operation {
	return &Operation{
		Name:      name,
		Status:    database.StatusSuccess,
		StartedAt: startedAt,
	}
}

// Persisted returns true if this operation has been saved to the journal.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed when err is non-nil and returns err.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = database.StatusError
	}
	return err
}
