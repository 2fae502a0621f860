package cpu

import (
	"errors"

	"github.com/ezrec/ucriscv/translate"
)

var f = translate.From

var (
	// Core errors
	ErrTrapped    = errors.New(f("core trapped"))
	ErrHalted     = errors.New(f("core halted"))
	ErrNotTrapped = errors.New(f("core not trapped"))
	ErrNoSegment  = errors.New(f("no segment for address"))

	// Assembler errors
	ErrEquateSyntax    = errors.New(f(".equ syntax"))
	ErrEquateDuplicate = errors.New(f(".equ duplicated"))
	ErrLabelDuplicate  = errors.New(f("label duplicated"))
	ErrOpcodeMissing   = errors.New(f("opcode missing"))
	ErrOpcodeInvalid   = errors.New(f("opcode invalid"))
	ErrOperandCount    = errors.New(f("operand count"))
	ErrRegisterInvalid = errors.New(f("register invalid"))
	ErrImmediateRange  = errors.New(f("immediate out of range"))
	ErrTargetUnaligned = errors.New(f("branch target unaligned"))
)

// FaultKind classifies synchronous faults attributable to the current
// instruction.
type FaultKind int

const (
	FAULT_NOEXEC      = FaultKind(0) // noexec
	FAULT_MEMORY      = FaultKind(1) // memory
	FAULT_STALE       = FaultKind(2) // stale
	FAULT_ILLEGAL     = FaultKind(3) // illegal
	FAULT_SPECULATION = FaultKind(4) // speculation
)

// String returns the fault mnemonic.
func (kind FaultKind) String() (out string) {
	names := map[FaultKind]string{
		FAULT_NOEXEC:      "noexec",
		FAULT_MEMORY:      "memory",
		FAULT_STALE:       "stale",
		FAULT_ILLEGAL:     "illegal",
		FAULT_SPECULATION: "speculation",
	}

	out, ok := names[kind]
	if !ok {
		out = "fault?"
	}

	return
}

// ErrFault is a synchronous fault raised by the current instruction. It is
// terminal for that instruction only; the owning process receives it as a
// recoverable exception unless it has no handler.
type ErrFault struct {
	Kind FaultKind
	Addr uint32 // Faulting address.
	Pc   uint32 // Pc of the faulting instruction.
	Err  error
}

func (fault *ErrFault) Error() string {
	return f("fault %v addr:0x%08x pc:0x%08x %v", fault.Kind, fault.Addr, fault.Pc, fault.Err)
}

func (fault *ErrFault) Unwrap() error {
	return fault.Err
}

// Is matches any ErrFault, regardless of kind.
func (fault *ErrFault) Is(err error) (ok bool) {
	_, ok = err.(*ErrFault)
	return
}

// ErrLabelMissing reports an unresolved label reference.
type ErrLabelMissing string

func (el ErrLabelMissing) Error() string {
	return f("label %v missing", string(el))
}

// ErrSyntax wraps an assembler error with its source location.
type ErrSyntax struct {
	LineNo int
	Line   string
	Err    error
}

func (err ErrSyntax) Error() string {
	return f("line %d '%v' %v", err.LineNo, err.Line, err.Err)
}

func (err ErrSyntax) Unwrap() error {
	return err.Err
}

// ErrParseNumber reports a token that is not a number.
type ErrParseNumber string

func (err ErrParseNumber) Error() string {
	return f("'%v' is not a number", string(err))
}

// ErrParseExpression reports an invalid $(...) expression.
type ErrParseExpression string

func (err ErrParseExpression) Error() string {
	return f("$(%v) is not a valid expression", string(err))
}
