package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped = errors.New("task engine stopped")
	ErrNoBody  = errors.New("task has no body")
)

// PanicError is returned by Run when a job body panics.
type PanicError struct {
	Name  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job %s panicked: %v", e.Name, e.Value) }
