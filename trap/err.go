package trap

import (
	"errors"

	"github.com/ezrec/ucriscv/translate"
)

var f = translate.From

var (
	// Log errors
	ErrEntryNotPending = errors.New(f("log entry not pending"))
	ErrRegionBusy      = errors.New(f("region has pending speculation"))

	// Dispatch errors
	ErrBreakpoint     = errors.New(f("breakpoint"))
	ErrServiceUnknown = errors.New(f("service unknown"))
	ErrNotTrap        = errors.New(f("record is not a trap"))
	ErrRingFull       = errors.New(f("request ring full"))
	ErrDeadline       = errors.New(f("response deadline exceeded"))

	// Rejection causes
	ErrSpeculationDenied = errors.New(f("speculation denied"))
)
