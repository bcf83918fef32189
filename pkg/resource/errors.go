package resource

import (
	"errors"
	"fmt"
)

// ErrExternalAction marks a failure reported by a provider.
var ErrExternalAction = errors.New("external action failed")

// ErrCycle is returned when ordering edges form a loop.
var ErrCycle = errors.New("dependency cycle")

// ErrUnknownReference is returned when an edge names a resource or class
// that is not in the catalog.
var ErrUnknownReference = errors.New("unknown resource reference")

// ActionError wraps a provider failure with the resource and operation.
type ActionError struct {
	Resource string
	Op       string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Resource, e.Op, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Is makes every ActionError match ErrExternalAction.
func (e *ActionError) Is(target error) bool {
	return target == ErrExternalAction
}
