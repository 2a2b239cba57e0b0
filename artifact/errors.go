package artifact

import (
	"fmt"
)

const (
	ErrUnsupportedVersion Err = iota + 1
	ErrCorrupt
)

// Err is the kind of an artifact load failure. Wrapped errors can be
// matched with errors.Is.
type Err int

func (e Err) Error() string {
	switch e {
	case ErrUnsupportedVersion:
		return "unsupported artifact version"
	case ErrCorrupt:
		return "corrupt artifact"
	}
	return fmt.Sprintf("artifact error %d", int(e))
}

func (e Err) With(args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprint(args...))
}

func (e Err) Withf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}
