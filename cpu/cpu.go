// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/ezrec/ucriscv/mem"
)

// State is the execution state of the core.
type State int

const (
	STATE_FETCHING  = State(0) // fetching
	STATE_DECODING  = State(1) // decoding
	STATE_EXECUTING = State(2) // executing
	STATE_TRAPPED   = State(3) // trapped
	STATE_HALTED    = State(4) // halted
)

// String returns the state mnemonic.
func (state State) String() (out string) {
	names := []string{"fetching", "decoding", "executing", "trapped", "halted"}
	if int(state) < len(names) {
		out = names[state]
	} else {
		out = fmt.Sprintf("state(%d)", int(state))
	}

	return
}

// TrapCause classifies a control transfer out of the core.
type TrapCause int

const (
	TRAP_SYSCALL    = TrapCause(0) // syscall
	TRAP_BREAKPOINT = TrapCause(1) // breakpoint
)

// String returns the cause mnemonic.
func (cause TrapCause) String() (out string) {
	switch cause {
	case TRAP_SYSCALL:
		out = "syscall"
	case TRAP_BREAKPOINT:
		out = "breakpoint"
	default:
		out = fmt.Sprintf("cause(%d)", int(cause))
	}

	return
}

// TrapRecord captures the state handed to the dispatcher when the core
// suspends. The core stays at Pc (not advanced) until resumed.
type TrapRecord struct {
	Cause   TrapCause
	Syscall uint32     // a7 at trap time (syscall cause only).
	Args    [6]uint32  // a0..a5 at trap time.
	Pc      uint32     // Pc of the trapping instruction.
	Regs    [32]uint32 // Register snapshot.
}

// segment is an attached capability with its cached region geometry.
type segment struct {
	handle mem.Handle
	base   uint32
	length uint32
}

// Core is the RV32I execution core. It owns its register file and CSR bank
// exclusively; memory is reached only through attached capability handles.
type Core struct {
	Verbose bool // Set to enable verbose logging.

	AS    *mem.AddressSpace
	Owner mem.Tag

	Pc  uint32
	Reg [32]uint32
	Csr Csr

	Cycles  uint64 // Completed Step() calls.
	Retired uint64 // Retired instructions.

	state        State
	trap         *TrapRecord
	pendingFault error
	segments     []segment
}

// NewCore creates a core bound to an address space and owner tag.
func NewCore(as *mem.AddressSpace, owner mem.Tag) (core *Core) {
	core = &Core{
		AS:    as,
		Owner: owner,
	}

	return
}

// Reset clears registers, CSRs, and counters, and sets the entry pc.
// Attached segments are kept.
func (core *Core) Reset(entry uint32) {
	if core.Verbose {
		log.Printf("cpu: reset entry:0x%08x", entry)
	}

	clear(core.Reg[:])
	core.Csr.Reset()
	core.Pc = entry
	core.Cycles = 0
	core.Retired = 0
	core.state = STATE_FETCHING
	core.trap = nil
	core.pendingFault = nil
}

// Attach grants the core a capability handle, caching the region geometry
// for address lookup.
func (core *Core) Attach(h mem.Handle) (err error) {
	region, err := core.AS.Inspect(h)
	if err != nil {
		return
	}

	core.segments = append(core.segments, segment{
		handle: h,
		base:   region.Base,
		length: region.Length,
	})

	return
}

// Rebind replaces the attached handle for a region, after the dispatcher
// has protected or revoked it on the core's behalf.
func (core *Core) Rebind(h mem.Handle) (err error) {
	for n := range core.segments {
		if core.segments[n].handle.Region() == h.Region() {
			core.segments[n].handle = h
			return
		}
	}

	err = ErrNoSegment

	return
}

// segmentAt finds the attached segment covering [addr, addr+length).
func (core *Core) segmentAt(addr uint32, length uint32) (h mem.Handle, err error) {
	for _, seg := range core.segments {
		if addr >= seg.base && addr-seg.base < seg.length {
			h = seg.handle
			return
		}
	}

	err = ErrNoSegment

	return
}

// fault wraps a memory error as the appropriate synchronous fault.
func (core *Core) fault(kind FaultKind, addr uint32, err error) error {
	if errors.Is(err, mem.ErrStale) {
		kind = FAULT_STALE
	}

	return &ErrFault{Kind: kind, Addr: addr, Pc: core.Pc, Err: err}
}

// load reads data bytes at addr with read permission.
func (core *Core) load(addr uint32, length uint32) (data []byte, err error) {
	h, err := core.segmentAt(addr, length)
	if err != nil {
		err = core.fault(FAULT_MEMORY, addr, err)
		return
	}

	data, err = core.AS.Read(h, addr, length)
	if err != nil {
		err = core.fault(FAULT_MEMORY, addr, err)
	}

	return
}

// store writes data bytes at addr with write permission.
func (core *Core) store(addr uint32, data []byte) (err error) {
	h, err := core.segmentAt(addr, uint32(len(data)))
	if err != nil {
		err = core.fault(FAULT_MEMORY, addr, err)
		return
	}

	err = core.AS.Write(h, addr, data)
	if err != nil {
		err = core.fault(FAULT_MEMORY, addr, err)
	}

	return
}

// fetch reads one instruction word at addr with execute permission.
func (core *Core) fetch(addr uint32) (in Inst, err error) {
	h, err := core.segmentAt(addr, 4)
	if err != nil {
		err = core.fault(FAULT_NOEXEC, addr, err)
		return
	}

	data, err := core.AS.Fetch(h, addr, 4)
	if err != nil {
		err = core.fault(FAULT_NOEXEC, addr, err)
		return
	}

	in = Inst(binary.LittleEndian.Uint32(data))

	return
}

// State returns the current execution state.
func (core *Core) State() State {
	return core.state
}

// Trap returns the pending trap record, or nil.
func (core *Core) Trap() *TrapRecord {
	return core.trap
}

// Resume re-arms a trapped core. For a syscall the result is delivered in
// a0; the pc advances past the trapping instruction.
func (core *Core) Resume(result uint32) (err error) {
	if core.state != STATE_TRAPPED {
		err = ErrNotTrapped
		return
	}

	if core.trap.Cause == TRAP_SYSCALL {
		core.setReg(REG_A0, result)
	}
	core.Pc += 4
	core.trap = nil
	core.state = STATE_FETCHING

	return
}

// Deliver queues a fault to be raised at the next instruction boundary.
// Used for asynchronous outcomes such as a rolled-back speculation. A live
// trap stays armed: the dispatcher still resolves it, and the fault
// surfaces on the step after resumption.
func (core *Core) Deliver(fault error) {
	core.pendingFault = fault
}

// Halt terminates the core. Terminal; only Reset revives it.
func (core *Core) Halt() {
	core.state = STATE_HALTED
	core.trap = nil
}

// setReg writes a register, keeping x0 hard-wired to zero.
func (core *Core) setReg(reg int, value uint32) {
	if reg != REG_ZERO {
		core.Reg[reg] = value
	}
}

// String returns the current register state, teacher-dump style.
func (core *Core) String() (text string) {
	text = fmt.Sprintf("   pc: %08x  state: %v\n", core.Pc, core.state)
	for reg := range 32 {
		text += fmt.Sprintf("% 5s: %08x", RegName(reg), core.Reg[reg])
		if reg%4 == 3 {
			text += "\n"
		} else {
			text += "  "
		}
	}

	return
}

// Step executes a single instruction: fetch at pc, decode, execute.
// A trap leaves the core suspended at the current pc and returns
// ErrTrapped; the dispatcher must Resume, Deliver, or Halt the core.
func (core *Core) Step() (err error) {
	switch core.state {
	case STATE_HALTED:
		err = ErrHalted
		return
	case STATE_TRAPPED:
		err = ErrTrapped
		return
	}

	if core.pendingFault != nil {
		err = core.pendingFault
		core.pendingFault = nil
		return
	}

	core.Cycles++

	core.state = STATE_FETCHING
	in, err := core.fetch(core.Pc)
	if err != nil {
		core.state = STATE_FETCHING
		return
	}

	core.state = STATE_DECODING
	if core.Verbose {
		log.Printf("cpu: %08x: %v", core.Pc, in)
	}

	core.state = STATE_EXECUTING
	err = core.execute(in)
	if err != nil {
		if err == ErrTrapped {
			core.state = STATE_TRAPPED
		} else {
			core.state = STATE_FETCHING
		}
		return
	}

	core.Retired++
	core.state = STATE_FETCHING

	return
}

// illegal raises an illegal-instruction fault for the current pc.
func (core *Core) illegal(in Inst) error {
	return &ErrFault{Kind: FAULT_ILLEGAL, Addr: core.Pc, Pc: core.Pc,
		Err: fmt.Errorf("%v", in)}
}

// execute runs one decoded instruction. All integer arithmetic wraps in
// two's complement.
func (core *Core) execute(in Inst) (err error) {
	nextPc := core.Pc + 4

	rs1 := core.Reg[in.Rs1()]
	rs2 := core.Reg[in.Rs2()]

	switch in.Opcode() {
	case OP_LUI:
		core.setReg(in.Rd(), in.ImmU())

	case OP_AUIPC:
		core.setReg(in.Rd(), core.Pc+in.ImmU())

	case OP_JAL:
		core.setReg(in.Rd(), core.Pc+4)
		nextPc = core.Pc + uint32(in.ImmJ())

	case OP_JALR:
		target := (rs1 + uint32(in.ImmI())) &^ 1
		core.setReg(in.Rd(), core.Pc+4)
		nextPc = target

	case OP_BRANCH:
		var taken bool
		switch in.Funct3() {
		case 0: // beq
			taken = rs1 == rs2
		case 1: // bne
			taken = rs1 != rs2
		case 4: // blt
			taken = int32(rs1) < int32(rs2)
		case 5: // bge
			taken = int32(rs1) >= int32(rs2)
		case 6: // bltu
			taken = rs1 < rs2
		case 7: // bgeu
			taken = rs1 >= rs2
		default:
			err = core.illegal(in)
			return
		}
		if taken {
			nextPc = core.Pc + uint32(in.ImmB())
		}

	case OP_LOAD:
		addr := rs1 + uint32(in.ImmI())
		var width uint32
		switch in.Funct3() {
		case 0, 4: // lb, lbu
			width = 1
		case 1, 5: // lh, lhu
			width = 2
		case 2: // lw
			width = 4
		default:
			err = core.illegal(in)
			return
		}
		var data []byte
		data, err = core.load(addr, width)
		if err != nil {
			return
		}
		var value uint32
		switch in.Funct3() {
		case 0: // lb
			value = uint32(int32(int8(data[0])))
		case 4: // lbu
			value = uint32(data[0])
		case 1: // lh
			value = uint32(int32(int16(binary.LittleEndian.Uint16(data))))
		case 5: // lhu
			value = uint32(binary.LittleEndian.Uint16(data))
		case 2: // lw
			value = binary.LittleEndian.Uint32(data)
		}
		core.setReg(in.Rd(), value)

	case OP_STORE:
		addr := rs1 + uint32(in.ImmS())
		var data []byte
		switch in.Funct3() {
		case 0: // sb
			data = []byte{uint8(rs2)}
		case 1: // sh
			data = binary.LittleEndian.AppendUint16(nil, uint16(rs2))
		case 2: // sw
			data = binary.LittleEndian.AppendUint32(nil, rs2)
		default:
			err = core.illegal(in)
			return
		}
		err = core.store(addr, data)
		if err != nil {
			return
		}

	case OP_IMM:
		imm := uint32(in.ImmI())
		var value uint32
		switch in.Funct3() {
		case 0: // addi
			value = rs1 + imm
		case 2: // slti
			if int32(rs1) < int32(imm) {
				value = 1
			}
		case 3: // sltiu
			if rs1 < imm {
				value = 1
			}
		case 4: // xori
			value = rs1 ^ imm
		case 6: // ori
			value = rs1 | imm
		case 7: // andi
			value = rs1 & imm
		case 1: // slli
			if in.Funct7() != 0 {
				err = core.illegal(in)
				return
			}
			value = rs1 << uint32(in.Rs2())
		case 5: // srli / srai
			switch in.Funct7() {
			case 0x00:
				value = rs1 >> uint32(in.Rs2())
			case 0x20:
				value = uint32(int32(rs1) >> uint32(in.Rs2()))
			default:
				err = core.illegal(in)
				return
			}
		}
		core.setReg(in.Rd(), value)

	case OP_OP:
		var value uint32
		switch (in.Funct7() << 3) | in.Funct3() {
		case 0x000: // add
			value = rs1 + rs2
		case 0x100: // sub
			value = rs1 - rs2
		case 0x001: // sll
			value = rs1 << (rs2 & 0x1f)
		case 0x002: // slt
			if int32(rs1) < int32(rs2) {
				value = 1
			}
		case 0x003: // sltu
			if rs1 < rs2 {
				value = 1
			}
		case 0x004: // xor
			value = rs1 ^ rs2
		case 0x005: // srl
			value = rs1 >> (rs2 & 0x1f)
		case 0x105: // sra
			value = uint32(int32(rs1) >> (rs2 & 0x1f))
		case 0x006: // or
			value = rs1 | rs2
		case 0x007: // and
			value = rs1 & rs2
		default:
			err = core.illegal(in)
			return
		}
		core.setReg(in.Rd(), value)

	case OP_MISC_MEM:
		// fence: no device reordering to constrain.

	case OP_SYSTEM:
		switch in.Funct3() {
		case 0:
			switch uint32(in) >> 20 {
			case 0: // ecall
				core.trap = &TrapRecord{
					Cause:   TRAP_SYSCALL,
					Syscall: core.Reg[REG_A7],
					Args: [6]uint32{
						core.Reg[REG_A0], core.Reg[REG_A1], core.Reg[REG_A2],
						core.Reg[REG_A3], core.Reg[REG_A4], core.Reg[REG_A5],
					},
					Pc:   core.Pc,
					Regs: core.Reg,
				}
			case 1: // ebreak
				core.trap = &TrapRecord{
					Cause: TRAP_BREAKPOINT,
					Pc:    core.Pc,
					Regs:  core.Reg,
				}
			default:
				err = core.illegal(in)
				return
			}
			// Suspend at the current pc; the dispatcher resumes us.
			err = ErrTrapped
			return
		case 1, 2, 3, 5, 6, 7:
			err = core.executeCsr(in)
			if err != nil {
				return
			}
		default:
			err = core.illegal(in)
			return
		}

	default:
		err = core.illegal(in)
		return
	}

	core.Pc = nextPc

	return
}

// csrRead reads a CSR, folding in the live counters.
func (core *Core) csrRead(index uint16) (value uint32) {
	switch index {
	case CSR_CYCLE:
		value = uint32(core.Cycles)
	case CSR_CYCLEH:
		value = uint32(core.Cycles >> 32)
	case CSR_INSTRET:
		value = uint32(core.Retired)
	case CSR_INSTRETH:
		value = uint32(core.Retired >> 32)
	default:
		value = core.Csr.Read(index)
	}

	return
}

// executeCsr runs the csrrw/csrrs/csrrc family.
func (core *Core) executeCsr(in Inst) (err error) {
	index := in.CsrIndex()
	old := core.csrRead(index)

	var operand uint32
	if in.Funct3() >= 5 {
		operand = in.Zimm()
	} else {
		operand = core.Reg[in.Rs1()]
	}

	switch in.Funct3() & 0x3 {
	case 1: // csrrw
		core.Csr.Write(index, operand)
	case 2: // csrrs
		if operand != 0 {
			core.Csr.Write(index, old|operand)
		}
	case 3: // csrrc
		if operand != 0 {
			core.Csr.Write(index, old&^operand)
		}
	}

	core.setReg(in.Rd(), old)

	return
}
