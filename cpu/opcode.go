package cpu

import (
	"fmt"
)

// Major opcode values (bits 6:0 of the instruction word).
const (
	OP_LUI      = uint32(0x37) // lui
	OP_AUIPC    = uint32(0x17) // auipc
	OP_JAL      = uint32(0x6f) // jal
	OP_JALR     = uint32(0x67) // jalr
	OP_BRANCH   = uint32(0x63) // beq/bne/blt/bge/bltu/bgeu
	OP_LOAD     = uint32(0x03) // lb/lh/lw/lbu/lhu
	OP_STORE    = uint32(0x23) // sb/sh/sw
	OP_IMM      = uint32(0x13) // addi/slti/.../srai
	OP_OP       = uint32(0x33) // add/sub/.../and
	OP_MISC_MEM = uint32(0x0f) // fence
	OP_SYSTEM   = uint32(0x73) // ecall/ebreak/csr*
)

// Register indices by ABI role.
const (
	REG_ZERO = 0  // x0, hard-wired zero
	REG_RA   = 1  // return address
	REG_SP   = 2  // stack pointer
	REG_GP   = 3  // global pointer
	REG_TP   = 4  // thread pointer
	REG_A0   = 10 // first argument / return value
	REG_A1   = 11
	REG_A2   = 12
	REG_A3   = 13
	REG_A4   = 14
	REG_A5   = 15
	REG_A6   = 16
	REG_A7   = 17 // syscall id
)

// regNames maps register index to its ABI name.
var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegName returns the ABI name of a register index.
func RegName(reg int) string {
	if reg < 0 || reg >= len(regNames) {
		return fmt.Sprintf("x%d", reg)
	}
	return regNames[reg]
}

// Inst is a single 32-bit RV32I instruction word.
type Inst uint32

// Opcode returns bits 6:0.
func (in Inst) Opcode() uint32 {
	return uint32(in) & 0x7f
}

// Rd returns the destination register field, bits 11:7.
func (in Inst) Rd() int {
	return int((uint32(in) >> 7) & 0x1f)
}

// Funct3 returns bits 14:12.
func (in Inst) Funct3() uint32 {
	return (uint32(in) >> 12) & 0x7
}

// Rs1 returns the first source register field, bits 19:15.
func (in Inst) Rs1() int {
	return int((uint32(in) >> 15) & 0x1f)
}

// Rs2 returns the second source register field, bits 24:20.
func (in Inst) Rs2() int {
	return int((uint32(in) >> 20) & 0x1f)
}

// Funct7 returns bits 31:25.
func (in Inst) Funct7() uint32 {
	return (uint32(in) >> 25) & 0x7f
}

// ImmI returns the sign-extended I-type immediate.
func (in Inst) ImmI() int32 {
	return int32(uint32(in)) >> 20
}

// ImmS returns the sign-extended S-type immediate.
func (in Inst) ImmS() int32 {
	imm := (uint32(in) >> 7) & 0x1f
	imm |= ((uint32(in) >> 25) & 0x7f) << 5
	return (int32(imm<<20) >> 20)
}

// ImmB returns the sign-extended B-type immediate.
func (in Inst) ImmB() int32 {
	imm := ((uint32(in) >> 8) & 0xf) << 1
	imm |= ((uint32(in) >> 25) & 0x3f) << 5
	imm |= ((uint32(in) >> 7) & 0x1) << 11
	imm |= ((uint32(in) >> 31) & 0x1) << 12
	return (int32(imm<<19) >> 19)
}

// ImmU returns the U-type immediate, already shifted into bits 31:12.
func (in Inst) ImmU() uint32 {
	return uint32(in) & 0xfffff000
}

// ImmJ returns the sign-extended J-type immediate.
func (in Inst) ImmJ() int32 {
	imm := ((uint32(in) >> 21) & 0x3ff) << 1
	imm |= ((uint32(in) >> 20) & 0x1) << 11
	imm |= ((uint32(in) >> 12) & 0xff) << 12
	imm |= ((uint32(in) >> 31) & 0x1) << 20
	return (int32(imm<<11) >> 11)
}

// CsrIndex returns the 12-bit CSR identifier from bits 31:20.
func (in Inst) CsrIndex() uint16 {
	return uint16((uint32(in) >> 20) & 0xfff)
}

// Zimm returns the zero-extended 5-bit immediate used by CSR*I forms.
func (in Inst) Zimm() uint32 {
	return (uint32(in) >> 15) & 0x1f
}

// String disassembles the instruction.
func (in Inst) String() (out string) {
	rd := RegName(in.Rd())
	rs1 := RegName(in.Rs1())
	rs2 := RegName(in.Rs2())

	switch in.Opcode() {
	case OP_LUI:
		out = fmt.Sprintf("lui %v, 0x%x", rd, in.ImmU()>>12)
	case OP_AUIPC:
		out = fmt.Sprintf("auipc %v, 0x%x", rd, in.ImmU()>>12)
	case OP_JAL:
		out = fmt.Sprintf("jal %v, %d", rd, in.ImmJ())
	case OP_JALR:
		out = fmt.Sprintf("jalr %v, %d(%v)", rd, in.ImmI(), rs1)
	case OP_BRANCH:
		ops := map[uint32]string{0: "beq", 1: "bne", 4: "blt", 5: "bge", 6: "bltu", 7: "bgeu"}
		op, ok := ops[in.Funct3()]
		if !ok {
			break
		}
		out = fmt.Sprintf("%v %v, %v, %d", op, rs1, rs2, in.ImmB())
	case OP_LOAD:
		ops := map[uint32]string{0: "lb", 1: "lh", 2: "lw", 4: "lbu", 5: "lhu"}
		op, ok := ops[in.Funct3()]
		if !ok {
			break
		}
		out = fmt.Sprintf("%v %v, %d(%v)", op, rd, in.ImmI(), rs1)
	case OP_STORE:
		ops := map[uint32]string{0: "sb", 1: "sh", 2: "sw"}
		op, ok := ops[in.Funct3()]
		if !ok {
			break
		}
		out = fmt.Sprintf("%v %v, %d(%v)", op, rs2, in.ImmS(), rs1)
	case OP_IMM:
		ops := map[uint32]string{0: "addi", 2: "slti", 3: "sltiu", 4: "xori", 6: "ori", 7: "andi"}
		switch in.Funct3() {
		case 1:
			out = fmt.Sprintf("slli %v, %v, %d", rd, rs1, in.Rs2())
		case 5:
			op := "srli"
			if (in.Funct7() & 0x20) != 0 {
				op = "srai"
			}
			out = fmt.Sprintf("%v %v, %v, %d", op, rd, rs1, in.Rs2())
		default:
			out = fmt.Sprintf("%v %v, %v, %d", ops[in.Funct3()], rd, rs1, in.ImmI())
		}
	case OP_OP:
		type opkey struct {
			funct3 uint32
			funct7 uint32
		}
		ops := map[opkey]string{
			{0, 0x00}: "add", {0, 0x20}: "sub",
			{1, 0x00}: "sll", {2, 0x00}: "slt", {3, 0x00}: "sltu",
			{4, 0x00}: "xor", {5, 0x00}: "srl", {5, 0x20}: "sra",
			{6, 0x00}: "or", {7, 0x00}: "and",
		}
		op, ok := ops[opkey{in.Funct3(), in.Funct7()}]
		if !ok {
			break
		}
		out = fmt.Sprintf("%v %v, %v, %v", op, rd, rs1, rs2)
	case OP_MISC_MEM:
		out = "fence"
	case OP_SYSTEM:
		switch in.Funct3() {
		case 0:
			switch in.ImmI() {
			case 0:
				out = "ecall"
			case 1:
				out = "ebreak"
			}
		case 1:
			out = fmt.Sprintf("csrrw %v, 0x%03x, %v", rd, in.CsrIndex(), rs1)
		case 2:
			out = fmt.Sprintf("csrrs %v, 0x%03x, %v", rd, in.CsrIndex(), rs1)
		case 3:
			out = fmt.Sprintf("csrrc %v, 0x%03x, %v", rd, in.CsrIndex(), rs1)
		case 5:
			out = fmt.Sprintf("csrrwi %v, 0x%03x, %d", rd, in.CsrIndex(), in.Zimm())
		case 6:
			out = fmt.Sprintf("csrrsi %v, 0x%03x, %d", rd, in.CsrIndex(), in.Zimm())
		case 7:
			out = fmt.Sprintf("csrrci %v, 0x%03x, %d", rd, in.CsrIndex(), in.Zimm())
		}
	}

	if out == "" {
		out = fmt.Sprintf("illegal 0x%08x", uint32(in))
	}

	return
}
