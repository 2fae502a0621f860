package ring

import (
	"errors"

	"github.com/ezrec/ucriscv/translate"
)

var f = translate.From

var (
	ErrCapacityInvalid = errors.New(f("capacity not a power of two"))
	ErrFrameShort      = errors.New(f("frame buffer short"))
)
