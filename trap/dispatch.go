// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package trap

import (
	"errors"
	"log"
	"runtime"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ezrec/ucriscv/cpu"
	"github.com/ezrec/ucriscv/ring"
)

const (
	// DEFAULT_TIMEOUT is the default response deadline for a request.
	DEFAULT_TIMEOUT = 100 * time.Millisecond

	// RESULT_DENIED is the a0 value delivered for a denied or timed-out
	// blocking call.
	RESULT_DENIED = uint32(0xffffffff)
)

// Handler describes how one syscall id is routed.
//
// Local handlers resolve on the fast path without touching the transport.
// Speculative handlers apply a provisional effect, resume the core at once,
// and publish the request for asynchronous validation. Everything else
// blocks the core until the owning service answers.
type Handler struct {
	Service     uint16
	Speculative bool

	// Local resolves the trap in-process. The handler itself resumes,
	// delivers to, or halts the core.
	Local func(dis *Dispatcher, core *cpu.Core, tr *cpu.TrapRecord) error

	// Provisional applies the tentative effect of a speculative call
	// through entry (Log.ApplyProvisional) and returns the provisional
	// a0 result.
	Provisional func(dis *Dispatcher, core *cpu.Core, tr *cpu.TrapRecord, entry *Entry) (uint32, error)
}

// call is one in-flight speculative request.
type call struct {
	entry *Entry
	core  *cpu.Core
	pc    uint32
}

// Dispatcher classifies traps and drives the commit/rollback protocol
// around the ring transport. All methods are driven from the single core
// thread; only the rings are shared with service consumers.
type Dispatcher struct {
	Verbose bool

	Chan    *ring.Channel
	Log     *Log
	Timeout time.Duration

	handlers  map[uint32]Handler
	pending   map[uint32]*call      // Request seq -> speculative call.
	stashed   map[uint32]ring.Frame // Responses awaiting a blocking waiter.
	discard   map[uint32]bool       // Rolled-back seqs; late responses dropped.
	breaker   *gobreaker.CircuitBreaker
	published uint32
}

// NewDispatcher creates a dispatcher over a transport channel and
// speculative log.
func NewDispatcher(ch *ring.Channel, l *Log) (dis *Dispatcher) {
	dis = &Dispatcher{
		Chan:     ch,
		Log:      l,
		Timeout:  DEFAULT_TIMEOUT,
		handlers: map[uint32]Handler{},
		pending:  map[uint32]*call{},
		stashed:  map[uint32]ring.Frame{},
		discard:  map[uint32]bool{},
	}

	// A dead service fails fast after repeated blocking timeouts.
	dis.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "trap-rpc",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return
}

// Register routes a syscall id to a handler.
func (dis *Dispatcher) Register(syscall uint32, handler Handler) {
	dis.handlers[syscall] = handler
}

// Dispatch resolves the core's pending trap record.
func (dis *Dispatcher) Dispatch(core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	if tr == nil {
		err = ErrNotTrap
		return
	}

	switch tr.Cause {
	case cpu.TRAP_BREAKPOINT:
		// The debug console's business, not ours.
		err = ErrBreakpoint
		return
	case cpu.TRAP_SYSCALL:
		// Handled below.
	default:
		err = ErrNotTrap
		return
	}

	if dis.Verbose {
		log.Printf("trap: syscall %v pc:0x%08x", tr.Syscall, tr.Pc)
	}

	handler, ok := dis.handlers[tr.Syscall]
	if !ok {
		// Resume with a denial; the fault lands on the next step.
		core.Deliver(&cpu.ErrFault{
			Kind: cpu.FAULT_ILLEGAL, Addr: tr.Pc, Pc: tr.Pc,
			Err: ErrServiceUnknown,
		})
		err = core.Resume(RESULT_DENIED)
		return
	}

	if handler.Local != nil {
		err = handler.Local(dis, core, tr)
		return
	}

	if handler.Speculative {
		err = dis.speculate(handler, core, tr)
		if errors.Is(err, ErrRegionBusy) {
			// Dependent speculation is serialized onto the
			// blocking path.
			err = dis.block(handler, core, tr)
		}
		return
	}

	err = dis.block(handler, core, tr)

	return
}

// request builds the request frame for a trap. By convention a0 carries the
// payload offset into the address space and a1 the payload length.
func (dis *Dispatcher) request(handler Handler, tr *cpu.TrapRecord) ring.Frame {
	return ring.Frame{
		Tag:     ring.TAG_REQUEST,
		Service: handler.Service,
		Length:  tr.Args[1],
		Payload: uint64(tr.Args[0]),
		Status:  ring.STATUS_PENDING,
	}
}

// speculate opens a log entry, applies the provisional effect, publishes
// the request, and resumes the core without waiting.
func (dis *Dispatcher) speculate(handler Handler, core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	if dis.Chan.Request.Depth() >= dis.Chan.Request.Capacity() {
		// Transport backpressure; retry via the blocking path.
		err = dis.block(handler, core, tr)
		return
	}

	// The dispatcher is the only request producer, so the next stamped
	// sequence number is the count published so far.
	entry := dis.Log.Begin(dis.published, time.Now().Add(dis.Timeout))

	result, err := handler.Provisional(dis, core, tr, entry)
	if err != nil {
		rberr := dis.Log.Rollback(entry)
		if rberr != nil {
			err = errors.Join(err, rberr)
		}
		return
	}

	frame := dis.request(handler, tr)
	if !dis.Chan.Request.TryPublish(&frame) {
		rberr := dis.Log.Rollback(entry)
		err = errors.Join(ErrRingFull, rberr)
		return
	}
	dis.published++

	dis.pending[frame.Seq] = &call{entry: entry, core: core, pc: tr.Pc}

	err = core.Resume(result)

	return
}

// block publishes the request and suspends the core until the response
// frame arrives, the deadline passes, or the breaker is open.
func (dis *Dispatcher) block(handler Handler, core *cpu.Core, tr *cpu.TrapRecord) (err error) {
	response, berr := dis.breaker.Execute(func() (any, error) {
		return dis.exchange(handler, tr)
	})

	if berr != nil {
		// Fail closed, through the same path as a denial.
		err = core.Resume(RESULT_DENIED)
		return
	}

	frame := response.(ring.Frame)
	result := RESULT_DENIED
	if frame.Status == ring.STATUS_APPROVED {
		result = uint32(frame.Payload)
	}
	err = core.Resume(result)

	return
}

// exchange publishes one request and polls for its response, servicing
// unrelated responses while it waits.
func (dis *Dispatcher) exchange(handler Handler, tr *cpu.TrapRecord) (frame ring.Frame, err error) {
	deadline := time.Now().Add(dis.Timeout)

	frame = dis.request(handler, tr)
	for !dis.Chan.Request.TryPublish(&frame) {
		if time.Now().After(deadline) {
			err = ErrRingFull
			return
		}
		runtime.Gosched()
	}
	dis.published++

	seq := frame.Seq
	for {
		dis.Pump(time.Now())

		if response, ok := dis.stashed[seq]; ok {
			delete(dis.stashed, seq)
			frame = response
			return
		}

		if time.Now().After(deadline) {
			// A response arriving after this is stale; drop it on
			// sight rather than stashing it forever.
			dis.discard[seq] = true
			err = ErrDeadline
			return
		}
		runtime.Gosched()
	}
}

// Pump drains the response ring and expires overdue speculative entries.
// The driver must call this regularly even while the core is running.
func (dis *Dispatcher) Pump(now time.Time) {
	for {
		frame, ok := dis.Chan.Response.TryConsume()
		if !ok {
			break
		}
		dis.route(frame)
	}

	for _, entry := range dis.Log.Expired(now) {
		if active, ok := dis.pending[entry.Seq]; ok {
			// The response is still outstanding; drop it on arrival.
			dis.discard[entry.Seq] = true
			dis.reject(active, ErrDeadline)
		}
	}
}

// route delivers one response frame to its waiter.
func (dis *Dispatcher) route(frame ring.Frame) {
	if dis.discard[frame.Seq] {
		// Late response for a rolled-back request.
		delete(dis.discard, frame.Seq)
		return
	}

	active, ok := dis.pending[frame.Seq]
	if !ok {
		// A blocking waiter will collect it.
		dis.stashed[frame.Seq] = frame
		return
	}

	if frame.Status == ring.STATUS_APPROVED {
		delete(dis.pending, frame.Seq)
		_ = dis.Log.Commit(active.entry)
		return
	}

	dis.reject(active, ErrSpeculationDenied)
}

// reject rolls a speculative call back and surfaces the fault. Denial and
// timeout share this one path; the work done does not depend on the reason.
func (dis *Dispatcher) reject(active *call, cause error) {
	_ = dis.Log.Rollback(active.entry)

	delete(dis.pending, active.entry.Seq)

	active.core.Deliver(&cpu.ErrFault{
		Kind: cpu.FAULT_SPECULATION,
		Addr: active.pc,
		Pc:   active.pc,
		Err:  cause,
	})
}
