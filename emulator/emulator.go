// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package emulator

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"time"

	"github.com/ezrec/ucriscv/cpu"
	"github.com/ezrec/ucriscv/internal"
	"github.com/ezrec/ucriscv/mem"
	"github.com/ezrec/ucriscv/ring"
	"github.com/ezrec/ucriscv/trap"
)

const (
	// OWNER tags every region the emulator maps for the guest.
	OWNER = mem.Tag(1)

	// DATA_SIZE is the read-write scratch segment mapped after the code.
	DATA_SIZE = 4 * mem.PageSize

	// Built-in syscall numbers, resolved without the transport.
	SYS_EXIT = 0 // a0: exit code
	SYS_PUTC = 1 // a0: byte for the console
	SYS_MAP  = 2 // a0: length, a1: perm bits; returns region base
)

var _emulator_defines = map[string]string{
	"PAGE_SIZE":  fmt.Sprintf("%v", mem.PageSize),
	"SYS_EXIT":   fmt.Sprintf("%v", SYS_EXIT),
	"SYS_PUTC":   fmt.Sprintf("%v", SYS_PUTC),
	"SYS_MAP":    fmt.Sprintf("%v", SYS_MAP),
	"DENIED":     fmt.Sprintf("%v", trap.RESULT_DENIED),
	"PERM_READ":  fmt.Sprintf("%v", uint8(mem.PermRead)),
	"PERM_WRITE": fmt.Sprintf("%v", uint8(mem.PermWrite)),
	"PERM_EXEC":  fmt.Sprintf("%v", uint8(mem.PermExec)),
}

// Emulator state. Core + arena + trap transport.
type Emulator struct {
	Verbose   bool         // If set, enables verbose logging.
	*cpu.Core              // Reference to the execution core.
	Program   *cpu.Program // Reference to the currently loaded program listing.

	AS         *mem.AddressSpace
	Chan       *ring.Channel
	Log        *trap.Log
	Dispatcher *trap.Dispatcher

	Console io.Writer // SYS_PUTC sink.

	CodeSeg mem.Handle
	DataSeg mem.Handle

	ExitCode uint32

	services map[uint16]*service
	defines  map[string]string
	started  bool
	quit     chan struct{}
	done     chan struct{}
}

// NewEmulator creates an emulator with an arena of the given size in bytes.
// A size of zero selects the default arena size.
func NewEmulator(size uint32) (emu *Emulator, err error) {
	as := mem.NewAddressSpace(size)

	ch, err := ring.NewChannel(0)
	if err != nil {
		return
	}

	l := trap.NewLog(as)

	emu = &Emulator{
		Core:       cpu.NewCore(as, OWNER),
		Program:    &cpu.Program{},
		AS:         as,
		Chan:       ch,
		Log:        l,
		Dispatcher: trap.NewDispatcher(ch, l),
		Console:    io.Discard,
		services:   map[uint16]*service{},
		defines:    map[string]string{},
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	emu.defines["ARENA_SIZE"] = fmt.Sprintf("%v", as.Size())

	emu.Dispatcher.Register(SYS_EXIT, trap.Handler{Local: emu.sysExit})
	emu.Dispatcher.Register(SYS_PUTC, trap.Handler{Local: emu.sysPutc})
	emu.Dispatcher.Register(SYS_MAP, trap.Handler{Local: emu.sysMap})

	return
}

// Defines returns an iterator over all of the assembler defines.
func (emu *Emulator) Defines() iter.Seq2[string, string] {
	return internal.IterSeq2Concat(maps.All(_emulator_defines),
		maps.All(emu.defines),
	)
}

// Handle routes a syscall number to a handler and publishes its name as an
// assembler define.
func (emu *Emulator) Handle(name string, syscall uint32, handler trap.Handler) {
	emu.Dispatcher.Register(syscall, handler)
	emu.defines[name] = fmt.Sprintf("%v", syscall)
}

// Close the emulator.
func (emu *Emulator) Close() (err error) {
	if emu.started {
		close(emu.quit)
		<-emu.done
		emu.started = false
	}
	emu.Core.Halt()

	return
}

// Load maps the assembled program into an execute-only segment and resets
// the core at the program base.
func (emu *Emulator) Load(prog *cpu.Program) (err error) {
	err = emu.LoadImage(prog.Binary(), prog.Base)
	if err != nil {
		return
	}
	emu.Program = prog

	return
}

// LoadImage maps a flat binary image into an execute-only segment, a
// read-write scratch segment on the following pages, and resets the core
// at 'entry'. The arena must be fresh; the image lands at the lowest free
// pages.
func (emu *Emulator) LoadImage(image []byte, entry uint32) (err error) {
	if len(image) == 0 {
		err = ErrNoProgram
		return
	}

	emu.CodeSeg, err = emu.AS.Map(OWNER, uint32(len(image)), mem.PermExec)
	if err != nil {
		return
	}
	code, err := emu.AS.Inspect(emu.CodeSeg)
	if err != nil {
		return
	}
	err = emu.AS.LoadBytes(emu.CodeSeg, code.Base, image)
	if err != nil {
		return
	}

	emu.DataSeg, err = emu.AS.Map(OWNER, DATA_SIZE, mem.PermRead|mem.PermWrite)
	if err != nil {
		return
	}

	err = emu.Core.Attach(emu.CodeSeg)
	if err != nil {
		return
	}
	err = emu.Core.Attach(emu.DataSeg)
	if err != nil {
		return
	}

	emu.Core.Reset(entry)

	return
}

// LineNo returns the source line of the currently executing instruction.
func (emu *Emulator) LineNo() int {
	return emu.Program.LineNo(emu.Core.Pc)
}

// Tick performs one response pump, one instruction step, and any trap
// dispatch the step provoked.
func (emu *Emulator) Tick() (done bool, err error) {
	emu.Dispatcher.Pump(time.Now())

	lineno := emu.LineNo()

	err = emu.Core.Step()
	if err == nil {
		return
	}
	if errors.Is(err, cpu.ErrHalted) {
		err = nil
		done = true
		return
	}

	if errors.Is(err, cpu.ErrTrapped) {
		err = emu.Dispatcher.Dispatch(emu.Core, emu.Core.Trap())
		if errors.Is(err, trap.ErrBreakpoint) {
			// An ebreak ends the run cleanly.
			emu.Core.Halt()
			err = nil
			done = true
		}
		return
	}

	// A fault terminates the guest.
	emu.Core.Halt()
	done = true
	err = &ErrRuntime{LineNo: lineno, Err: err}

	return
}

// Run ticks until the guest exits, hits a breakpoint, faults, or exceeds
// the step limit. A limit of zero runs until completion.
func (emu *Emulator) Run(limit int) (err error) {
	emu.Core.Verbose = emu.Verbose
	emu.AS.Verbose = emu.Verbose
	emu.Dispatcher.Verbose = emu.Verbose
	emu.Log.Verbose = emu.Verbose

	for n := 0; limit == 0 || n < limit; n++ {
		done, err := emu.Tick()
		if done || err != nil {
			return err
		}
	}

	err = ErrStepLimit

	return
}

// sysExit halts the core, recording the exit code from a0.
func (emu *Emulator) sysExit(dis *trap.Dispatcher, core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	emu.ExitCode = tr.Args[0]
	core.Halt()

	return
}

// sysPutc writes the byte in a0 to the console.
func (emu *Emulator) sysPutc(dis *trap.Dispatcher, core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	_, werr := emu.Console.Write([]byte{byte(tr.Args[0])})
	if werr != nil {
		err = core.Resume(trap.RESULT_DENIED)
		return
	}
	err = core.Resume(0)

	return
}

// sysMap maps a fresh region of a0 bytes with the permission bits in a1,
// attaches it to the core, and returns the region base in a0.
func (emu *Emulator) sysMap(dis *trap.Dispatcher, core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	h, merr := emu.AS.Map(OWNER, tr.Args[0], mem.Perm(tr.Args[1]))
	if merr != nil {
		err = core.Resume(trap.RESULT_DENIED)
		return
	}

	region, merr := emu.AS.Inspect(h)
	if merr == nil {
		merr = core.Attach(h)
	}
	if merr != nil {
		err = core.Resume(trap.RESULT_DENIED)
		return
	}

	err = core.Resume(region.Base)

	return
}
