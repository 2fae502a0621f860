package emulator

import (
	"errors"

	"github.com/ezrec/ucriscv/translate"
)

var f = translate.From

var (
	ErrStepLimit    = errors.New(f("step limit exceeded"))
	ErrServiceTaken = errors.New(f("service id already registered"))
	ErrNoProgram    = errors.New(f("no program loaded"))
)

// ErrRuntime indicates the location of a runtime error.
type ErrRuntime struct {
	LineNo int
	Err    error
}

func (err *ErrRuntime) Error() string {
	return f("line %d %v", err.LineNo, err.Err)
}

func (err *ErrRuntime) Unwrap() error {
	return err.Err
}
