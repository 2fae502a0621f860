package cpu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assemble(t *testing.T, src string) (prog *Program) {
	t.Helper()

	asm := &Assembler{}
	prog, err := asm.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("%v", err)
	}

	return
}

func TestAssembleEncodings(t *testing.T) {
	assert := assert.New(t)

	table := [](struct {
		name string
		src  string
		word uint32
	}){
		{"addi", "addi a0, a1, -1", 0xfff58513},
		{"add", "add a0, a1, a2", 0x00c58533},
		{"sub", "sub a0, a1, a2", 0x40c58533},
		{"sra", "sra a0, a1, a2", 0x40c5d533},
		{"srai", "srai a0, a1, 3", 0x4035d513},
		{"slli", "slli a0, a1, 3", 0x00359513},
		{"lui", "lui a0, 0xfffff", 0xfffff537},
		{"auipc", "auipc a0, 1", 0x00001517},
		{"lw", "lw a0, 8(sp)", 0x00812503},
		{"sw", "sw a0, 8(sp)", 0x00a12423},
		{"lb", "lb a0, -1(sp)", 0xfff10503},
		{"jalr", "jalr ra, 4(a0)", 0x004500e7},
		{"ecall", "ecall", 0x00000073},
		{"ebreak", "ebreak", 0x00100073},
		{"nop", "nop", 0x00000013},
		{"csrrw", "csrrw a0, 0x305, a1", 0x30559573},
		{"csrrsi", "csrrsi zero, 0x300, 8", 0x30046073},
	}

	for _, entry := range table {
		prog := assemble(t, entry.src)
		assert.Len(prog.Words, 1, entry.name)
		assert.Equal(entry.word, prog.Words[0], entry.name)
	}
}

func TestAssembleBranches(t *testing.T) {
	assert := assert.New(t)

	prog := assemble(t, `
		top:    addi a0, a0, 1
		        beq a0, a1, done
		        j top
		done:   ecall
	`)

	assert.Len(prog.Words, 4)

	// beq at pc=4 forward to pc=12: offset +8.
	in := Inst(prog.Words[1])
	assert.Equal(OP_BRANCH, in.Opcode())
	assert.Equal(int32(8), in.ImmB())

	// j at pc=8 back to pc=0: offset -8.
	in = Inst(prog.Words[2])
	assert.Equal(OP_JAL, in.Opcode())
	assert.Equal(int32(-8), in.ImmJ())
}

func TestAssembleEquatesAndExpressions(t *testing.T) {
	assert := assert.New(t)

	prog := assemble(t, `
		.equ BUFFER 0x1000
		.equ COUNT 8
		li a0, BUFFER
		addi a1, zero, $(COUNT * 4)
		.word $(BUFFER + COUNT)
	`)

	assert.Len(prog.Words, 4)
	assert.Equal(uint32(0x1008), prog.Words[3])

	in := Inst(prog.Words[2])
	assert.Equal(int32(32), in.ImmI())
}

func TestAssembleLi(t *testing.T) {
	assert := assert.New(t)

	table := [](struct {
		name  string
		value string
		want  uint32
	}){
		{"small", "42", 42},
		{"negative", "-1", 0xffffffff},
		{"large", "0x12345678", 0x12345678},
		{"hi_round", "0x7ffff800", 0x7ffff800},
	}

	for _, entry := range table {
		prog := assemble(t, "li a0, "+entry.value)
		assert.Len(prog.Words, 2, entry.name)

		// Evaluate the lui+addi pair.
		lui := Inst(prog.Words[0])
		addi := Inst(prog.Words[1])
		got := lui.ImmU() + uint32(addi.ImmI())
		assert.Equal(entry.want, got, entry.name)
	}
}

func TestAssembleErrors(t *testing.T) {
	assert := assert.New(t)

	table := [](struct {
		name string
		src  string
		err  error
	}){
		{"opcode", "frobnicate a0", ErrOpcodeInvalid},
		{"register", "addi q7, a0, 1", ErrRegisterInvalid},
		{"operands", "add a0, a1", ErrOperandCount},
		{"range", "addi a0, a0, 4096", ErrImmediateRange},
		{"label_dup", "x: nop\nx: nop", ErrLabelDuplicate},
		{"label_missing", "j nowhere", ErrLabelMissing("nowhere")},
		{"equ_dup", ".equ A 1\n.equ A 2", ErrEquateDuplicate},
		{"equ_syntax", ".equ A", ErrEquateSyntax},
		{"shift_range", "slli a0, a0, 32", ErrImmediateRange},
	}

	asm := &Assembler{}
	for _, entry := range table {
		asm.Equate = nil
		_, err := asm.Parse(strings.NewReader(entry.src))
		assert.ErrorIs(err, entry.err, entry.name)

		var syntax ErrSyntax
		if assert.ErrorAs(err, &syntax, entry.name) {
			assert.NotZero(syntax.LineNo, entry.name)
		}
	}
}

func TestAssembleLineNo(t *testing.T) {
	assert := assert.New(t)

	asm := &Assembler{Base: 0x100}
	prog, err := asm.Parse(strings.NewReader("nop\n\nnop\n"))
	assert.NoError(err)

	assert.Equal(1, prog.LineNo(0x100))
	assert.Equal(3, prog.LineNo(0x104))
	assert.Equal(0, prog.LineNo(0x200))
}

func TestDisassemble(t *testing.T) {
	assert := assert.New(t)

	table := [](struct {
		src  string
		want string
	}){
		{"add a0, a1, a2", "add a0, a1, a2"},
		{"addi a0, a1, -1", "addi a0, a1, -1"},
		{"lw a0, 8(sp)", "lw a0, 8(sp)"},
		{"sw a0, 8(sp)", "sw a0, 8(sp)"},
		{"ecall", "ecall"},
		{"ebreak", "ebreak"},
	}

	for _, entry := range table {
		prog := assemble(t, entry.src)
		assert.Equal(entry.want, Inst(prog.Words[0]).String())
	}

	assert.Contains(Inst(0xffffffff).String(), "illegal")
}

func FuzzDisassemble(f *testing.F) {
	f.Add(uint32(0x00000013))
	f.Add(uint32(0x00000073))
	f.Add(uint32(0xffffffff))

	f.Fuzz(func(t *testing.T, word uint32) {
		// Disassembly must never panic and never return empty.
		if Inst(word).String() == "" {
			t.Fatalf("empty disassembly for 0x%08x", word)
		}
	})
}
