package monitoring

import (
	"fmt"
)

const (
	ErrInvalidPayload Err = iota + 1
)

// Err is the kind of a monitoring event codec failure.
type Err int

func (e Err) Error() string {
	switch e {
	case ErrInvalidPayload:
		return "invalid monitoring payload"
	}
	return fmt.Sprintf("monitoring error %d", int(e))
}

func (e Err) With(args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprint(args...))
}

func (e Err) Withf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}
