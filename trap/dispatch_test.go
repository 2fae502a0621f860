package trap

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezrec/ucriscv/cpu"
	"github.com/ezrec/ucriscv/mem"
	"github.com/ezrec/ucriscv/ring"
)

// rig is a core wired to a dispatcher, with the test acting as the service
// on the far side of the channel.
type rig struct {
	as   *mem.AddressSpace
	core *cpu.Core
	data mem.Handle
	base uint32
	dis  *Dispatcher
}

func makeRig(t *testing.T, src string) (r *rig) {
	t.Helper()
	require := require.New(t)

	asm := &cpu.Assembler{}
	prog, err := asm.Parse(strings.NewReader(src))
	require.NoError(err)

	as := mem.NewAddressSpace(64 * mem.PageSize)

	code, err := as.Map(testOwner, mem.PageSize, mem.PermExec)
	require.NoError(err)
	require.NoError(as.LoadBytes(code, 0, prog.Binary()))

	data, err := as.Map(testOwner, mem.PageSize, mem.PermRead|mem.PermWrite)
	require.NoError(err)

	region, err := as.Inspect(data)
	require.NoError(err)

	core := cpu.NewCore(as, testOwner)
	require.NoError(core.Attach(code))
	require.NoError(core.Attach(data))
	core.Reset(0)

	ch, err := ring.NewChannel(8)
	require.NoError(err)

	r = &rig{
		as:   as,
		core: core,
		data: data,
		base: region.Base,
		dis:  NewDispatcher(ch, NewLog(as)),
	}

	return
}

// stepToTrap runs the core up to its next trap.
func (r *rig) stepToTrap(t *testing.T) *cpu.TrapRecord {
	t.Helper()

	for range 100 {
		err := r.core.Step()
		if err == nil {
			continue
		}
		if errors.Is(err, cpu.ErrTrapped) {
			return r.core.Trap()
		}
		t.Fatalf("step: %v", err)
	}

	t.Fatalf("no trap within budget at pc=0x%08x", r.core.Pc)
	return nil
}

// runToBreak runs the core until the final ebreak.
func (r *rig) runToBreak(t *testing.T) {
	t.Helper()

	tr := r.stepToTrap(t)
	if tr.Cause != cpu.TRAP_BREAKPOINT {
		t.Fatalf("expected breakpoint, got %v at pc=0x%08x", tr.Cause, tr.Pc)
	}
}

// storeHandler returns a speculative handler that provisionally writes
// 'value' at the request's payload offset and resumes with 'result'.
func (r *rig) storeHandler(service uint16, value byte, result uint32) Handler {
	return Handler{
		Service:     service,
		Speculative: true,
		Provisional: func(dis *Dispatcher, core *cpu.Core, tr *cpu.TrapRecord, entry *Entry) (uint32, error) {
			err := dis.Log.ApplyProvisional(entry, r.data, func(h mem.Handle) error {
				return r.as.Write(h, tr.Args[0], []byte{value, value, value, value})
			})
			return result, err
		},
	}
}

func TestDispatchLocal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		addi a0, zero, 41
		addi a7, zero, 1
		ecall
		ebreak
	`)

	r.dis.Register(1, Handler{
		Local: func(dis *Dispatcher, core *cpu.Core, tr *cpu.TrapRecord) error {
			return core.Resume(tr.Args[0] + 1)
		},
	})

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	r.runToBreak(t)

	assert.Equal(uint32(42), r.core.Reg[cpu.REG_A0])
	assert.Equal(uint32(0), r.dis.Chan.Request.Depth())
}

func TestDispatchBreakpoint(t *testing.T) {
	assert := assert.New(t)

	r := makeRig(t, "ebreak")
	tr := r.stepToTrap(t)

	assert.ErrorIs(r.dis.Dispatch(r.core, tr), ErrBreakpoint)
}

func TestDispatchNotTrap(t *testing.T) {
	assert := assert.New(t)

	r := makeRig(t, "ebreak")
	assert.ErrorIs(r.dis.Dispatch(r.core, nil), ErrNotTrap)
}

func TestDispatchUnknownService(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		addi a7, zero, 99
		ecall
		ebreak
	`)

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	// Resumed with a denial; the fault lands on the process, not the
	// dispatcher.
	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])
	assert.Equal(cpu.STATE_FETCHING, r.core.State())

	err := r.core.Step()

	var fault *cpu.ErrFault
	if assert.ErrorAs(err, &fault) {
		assert.Equal(cpu.FAULT_ILLEGAL, fault.Kind)
		assert.ErrorIs(err, ErrServiceUnknown)
	}
}

func TestSpeculativeCommit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 4
		addi a7, zero, 2
		ecall
		ebreak
	`)
	r.dis.Register(2, r.storeHandler(7, 0xaa, 77))

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	// Resumed with the provisional result before any response exists.
	assert.Equal(uint32(77), r.core.Reg[cpu.REG_A0])
	assert.Equal(cpu.STATE_FETCHING, r.core.State())
	assert.Equal(1, r.dis.Log.Pending())

	// Service side: validate and approve.
	frame, ok := r.dis.Chan.Request.TryConsume()
	require.True(ok)
	assert.Equal(uint16(7), frame.Service)
	assert.Equal(uint64(4096), frame.Payload)
	assert.Equal(uint32(4), frame.Length)
	assert.Equal(ring.STATUS_PENDING, frame.Status)

	reply := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Status: ring.STATUS_APPROVED}
	require.True(r.dis.Chan.Response.TryPublish(&reply))
	r.dis.Pump(time.Now())

	// Committed: the provisional bytes survive, the entry retires.
	assert.Equal(0, r.dis.Log.Pending())
	data, err := r.as.Read(r.data, r.base, 4)
	require.NoError(err)
	assert.Equal([]byte{0xaa, 0xaa, 0xaa, 0xaa}, data)

	r.runToBreak(t)
}

func TestSpeculativeDenialRollsBack(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 4
		addi a7, zero, 2
		ecall
		ebreak
	`)
	r.dis.Register(2, r.storeHandler(7, 0xaa, 77))

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	frame, ok := r.dis.Chan.Request.TryConsume()
	require.True(ok)

	reply := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Status: ring.STATUS_DENIED}
	require.True(r.dis.Chan.Response.TryPublish(&reply))
	r.dis.Pump(time.Now())

	// Rolled back byte-for-byte. The denial was consumed, so no discard
	// bookkeeping lingers.
	assert.Equal(0, r.dis.Log.Pending())
	assert.Empty(r.dis.discard)
	data, err := r.as.Read(r.data, r.base, 4)
	require.NoError(err)
	assert.Equal([]byte{0, 0, 0, 0}, data)

	// The resumed process takes a speculation fault on its next step.
	err = r.core.Step()
	var fault *cpu.ErrFault
	if assert.ErrorAs(err, &fault) {
		assert.Equal(cpu.FAULT_SPECULATION, fault.Kind)
		assert.ErrorIs(err, ErrSpeculationDenied)
	}
}

func TestSpeculativeTimeoutFailsClosed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 4
		addi a7, zero, 2
		ecall
		ebreak
	`)
	r.dis.Timeout = time.Millisecond
	r.dis.Register(2, r.storeHandler(7, 0xaa, 77))

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	frame, ok := r.dis.Chan.Request.TryConsume()
	require.True(ok)

	// No response arrives; the deadline forces a rollback.
	r.dis.Pump(time.Now().Add(time.Second))
	assert.Equal(0, r.dis.Log.Pending())

	data, err := r.as.Read(r.data, r.base, 4)
	require.NoError(err)
	assert.Equal([]byte{0, 0, 0, 0}, data)

	err = r.core.Step()
	var fault *cpu.ErrFault
	if assert.ErrorAs(err, &fault) {
		assert.Equal(cpu.FAULT_SPECULATION, fault.Kind)
		assert.ErrorIs(err, ErrDeadline)
	}

	// A late response for the rolled-back request is discarded outright.
	reply := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Status: ring.STATUS_APPROVED}
	require.True(r.dis.Chan.Response.TryPublish(&reply))
	r.dis.Pump(time.Now())

	assert.Equal(0, r.dis.Log.Pending())
	assert.Empty(r.dis.stashed)
	assert.Empty(r.dis.discard)

	data, err = r.as.Read(r.data, r.base, 4)
	require.NoError(err)
	assert.Equal([]byte{0, 0, 0, 0}, data)
}

func TestDependentSpeculationSerializes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 4
		addi a7, zero, 2
		ecall
		ecall
		ebreak
	`)

	handler := Handler{
		Service:     7,
		Speculative: true,
		Provisional: func(dis *Dispatcher, core *cpu.Core, tr *cpu.TrapRecord, entry *Entry) (uint32, error) {
			err := dis.Log.ApplyProvisional(entry, r.data, func(h mem.Handle) error {
				return r.as.Write(h, r.base, []byte{0xaa})
			})
			// Keep a0 stable across the two calls.
			return 4096, err
		},
	}
	r.dis.Register(2, handler)

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	assert.Equal(1, r.dis.Log.Pending())

	// The second call touches the same region while the first is still
	// unresolved, so it is not allowed to speculate. With no service
	// answering, the blocking fallback fails closed. The short timeout
	// applies to the second call only; the first entry stays pending.
	r.dis.Timeout = time.Millisecond
	tr = r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])
	assert.Equal(1, r.dis.Log.Pending())
}

func TestDenialDuringBlockingCall(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 4
		addi a7, zero, 2
		ecall
		addi a0, zero, 41
		addi a1, zero, 0
		addi a7, zero, 5
		ecall
		ebreak
	`)
	r.dis.Register(2, r.storeHandler(7, 0xaa, 77))
	r.dis.Register(5, Handler{Service: 9})

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	frame, ok := r.dis.Chan.Request.TryConsume()
	require.True(ok)

	// The speculation is denied while the later call is still blocked;
	// both answers are already waiting when the blocked call polls.
	denial := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Status: ring.STATUS_DENIED}
	require.True(r.dis.Chan.Response.TryPublish(&denial))
	approval := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq + 1, Payload: 123, Status: ring.STATUS_APPROVED}
	require.True(r.dis.Chan.Response.TryPublish(&approval))

	tr = r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))

	// The approved result still lands, despite the concurrent rollback.
	assert.Equal(uint32(123), r.core.Reg[cpu.REG_A0])
	assert.Equal(cpu.STATE_FETCHING, r.core.State())
	assert.Equal(0, r.dis.Log.Pending())

	data, err := r.as.Read(r.data, r.base, 4)
	require.NoError(err)
	assert.Equal([]byte{0, 0, 0, 0}, data)

	// The rollback fault is not lost; it surfaces on the next step.
	err = r.core.Step()
	var fault *cpu.ErrFault
	if assert.ErrorAs(err, &fault) {
		assert.Equal(cpu.FAULT_SPECULATION, fault.Kind)
		assert.ErrorIs(err, ErrSpeculationDenied)
	}
}

func TestBlockingCall(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		li a0, 4096
		addi a1, zero, 8
		addi a7, zero, 5
		ecall
		ebreak
	`)
	r.dis.Register(5, Handler{Service: 9})

	// The privileged service answers from its own goroutine.
	go func() {
		for {
			frame, ok := r.dis.Chan.Request.TryConsume()
			if !ok {
				continue
			}
			reply := ring.Frame{
				Tag:     ring.TAG_RESPONSE,
				Seq:     frame.Seq,
				Service: frame.Service,
				Payload: 123,
				Status:  ring.STATUS_APPROVED,
			}
			for !r.dis.Chan.Response.TryPublish(&reply) {
			}
			return
		}
	}()

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	r.runToBreak(t)

	assert.Equal(uint32(123), r.core.Reg[cpu.REG_A0])
}

func TestBlockingDenied(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		addi a7, zero, 5
		ecall
		ebreak
	`)
	r.dis.Register(5, Handler{Service: 9})

	go func() {
		for {
			frame, ok := r.dis.Chan.Request.TryConsume()
			if !ok {
				continue
			}
			reply := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Status: ring.STATUS_DENIED}
			for !r.dis.Chan.Response.TryPublish(&reply) {
			}
			return
		}
	}()

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	r.runToBreak(t)

	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])
}

func TestBlockingTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		addi a7, zero, 5
		ecall
		ebreak
	`)
	r.dis.Timeout = time.Millisecond
	r.dis.Register(5, Handler{Service: 9})

	// Nobody home; the call fails closed.
	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	r.runToBreak(t)

	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])
}

func TestBlockingLateResponseDiscarded(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := makeRig(t, `
		addi a7, zero, 5
		ecall
		ebreak
	`)
	r.dis.Timeout = time.Millisecond
	r.dis.Register(5, Handler{Service: 9})

	tr := r.stepToTrap(t)
	require.NoError(r.dis.Dispatch(r.core, tr))
	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])

	frame, ok := r.dis.Chan.Request.TryConsume()
	require.True(ok)

	// The answer arrives after the call already failed closed; it is
	// dropped outright, never stashed.
	reply := ring.Frame{Tag: ring.TAG_RESPONSE, Seq: frame.Seq, Payload: 123, Status: ring.STATUS_APPROVED}
	require.True(r.dis.Chan.Response.TryPublish(&reply))
	r.dis.Pump(time.Now())

	assert.Empty(r.dis.stashed)
	assert.Empty(r.dis.discard)

	r.runToBreak(t)
	assert.Equal(RESULT_DENIED, r.core.Reg[cpu.REG_A0])
}
