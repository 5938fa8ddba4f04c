package config

import (
	"errors"
	"fmt"
)

var (
	ErrUnrecognizedOption = errors.New("unrecognized option")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrOutOfRange         = errors.New("value out of range")
)

// ValidationError rejects a single configuration mutation. The store is left
// untouched whenever one is returned.
type ValidationError struct {
	Key   string
	Value Value
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: option %q: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedTypeError reports a change notification whose type tag is not
// one of the recognized kinds.
type UnsupportedTypeError struct {
	Tag string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("config: unsupported value type %q", e.Tag)
}
