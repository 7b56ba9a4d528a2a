package patch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("unknown patch kind")
	ErrUnknownDef  = errors.New("unknown definition")
)

// InvalidStateError is returned when a blob carries a state the variant rejects.
type InvalidStateError struct {
	Kind  Kind
	State int
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid state %d", e.Kind, e.State)
}
