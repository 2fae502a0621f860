package mem

import (
	"errors"

	"github.com/ezrec/ucriscv/translate"
)

var f = translate.From

var (
	// Access errors
	ErrAccessDenied = errors.New(f("access denied"))
	ErrOutOfRange   = errors.New(f("access out of range"))
	ErrStale        = errors.New(f("handle stale"))

	// Mapping errors
	ErrPermsInvalid  = errors.New(f("permissions invalid"))
	ErrLengthInvalid = errors.New(f("length invalid"))
	ErrArenaFull     = errors.New(f("arena full"))
)
