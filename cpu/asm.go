// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package cpu

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Program is an assembled RV32I image.
type Program struct {
	Base   uint32 // Load address of the first word.
	Words  []uint32
	Labels map[string]uint32
	Lines  []int // Source line per word, for runtime diagnostics.
}

// Binary returns the image as little-endian bytes.
func (prog *Program) Binary() (data []byte) {
	for _, word := range prog.Words {
		data = binary.LittleEndian.AppendUint32(data, word)
	}

	return
}

// LineNo returns the source line that produced the word at 'addr'.
func (prog *Program) LineNo(addr uint32) (lineno int) {
	index := int(addr-prog.Base) / 4
	if index >= 0 && index < len(prog.Lines) {
		lineno = prog.Lines[index]
	}

	return
}

// Assembler assembles RV32I source into a Program.
type Assembler struct {
	Base   uint32 // Load address of the image (default 0).
	Equate map[string]string
}

// sourceLine is one significant line after comment stripping.
type sourceLine struct {
	lineno int
	label  string
	op     string
	args   []string
	text   string
}

// regIndex resolves a register name (ABI or xN form).
func regIndex(name string) (reg int, err error) {
	name = strings.ToLower(name)

	for n, abi := range regNames {
		if name == abi {
			reg = n
			return
		}
	}
	if name == "fp" {
		reg = 8
		return
	}
	if strings.HasPrefix(name, "x") {
		var parsed int
		parsed, err = strconv.Atoi(name[1:])
		if err == nil && parsed >= 0 && parsed < 32 {
			reg = parsed
			return
		}
	}

	err = ErrRegisterInvalid

	return
}

// parenEval does compile-time $(...) evaluations.
func (asm *Assembler) parenEval(expr string) (value int64, err error) {
	thread := starlark.Thread{}
	opts := syntax.FileOptions{}
	pred := starlark.StringDict{}
	for key, str := range asm.Equate {
		equated, lerr := strconv.ParseInt(str, 0, 64)
		if lerr != nil {
			// Ignore non-integer equates.
			continue
		}
		pred[key] = starlark.MakeInt64(equated)
	}
	prog := "rc=" + expr + "\n"
	dict, err := starlark.ExecFileOptions(&opts, &thread, "expr", prog, pred)
	if err != nil {
		return
	}
	st_rc, ok := dict["rc"]
	if !ok {
		err = ErrParseExpression(expr)
		return
	}
	st_int, ok := st_rc.(starlark.Int)
	if !ok {
		err = ErrParseExpression(expr)
		return
	}
	value, ok = st_int.Int64()
	if !ok {
		err = ErrParseExpression(expr)
	}

	return
}

// valueOf resolves a token to a value: $(...) expression, equate, label,
// or literal number.
func (asm *Assembler) valueOf(token string, labels map[string]uint32) (value int64, err error) {
	if strings.HasPrefix(token, "$(") && strings.HasSuffix(token, ")") {
		value, err = asm.parenEval(token[2 : len(token)-1])
		return
	}

	if equated, ok := asm.Equate[token]; ok {
		token = equated
	}

	if labels != nil {
		if addr, ok := labels[token]; ok {
			value = int64(addr)
			return
		}
	}

	value, perr := strconv.ParseInt(token, 0, 64)
	if perr != nil {
		if identLike(token) {
			err = ErrLabelMissing(token)
		} else {
			err = ErrParseNumber(token)
		}
	}

	return
}

// identLike reports whether a token names a label or equate rather than a
// number literal.
func identLike(token string) bool {
	if len(token) == 0 {
		return false
	}
	c := token[0]

	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// splitOffsetReg parses an "offset(reg)" operand.
func (asm *Assembler) splitOffsetReg(token string, labels map[string]uint32) (offset int64, reg int, err error) {
	open := strings.IndexByte(token, '(')
	if open < 0 || !strings.HasSuffix(token, ")") {
		err = ErrOperandCount
		return
	}

	if open > 0 {
		offset, err = asm.valueOf(token[:open], labels)
		if err != nil {
			return
		}
	}

	reg, err = regIndex(token[open+1 : len(token)-1])

	return
}

// Instruction word encoders, one per RV32I format.

func encodeR(opcode, funct3, funct7 uint32, rd, rs1, rs2 int) uint32 {
	return opcode | (uint32(rd) << 7) | (funct3 << 12) | (uint32(rs1) << 15) |
		(uint32(rs2) << 20) | (funct7 << 25)
}

func encodeI(opcode, funct3 uint32, rd, rs1 int, imm int32) uint32 {
	return opcode | (uint32(rd) << 7) | (funct3 << 12) | (uint32(rs1) << 15) |
		(uint32(imm&0xfff) << 20)
}

func encodeS(opcode, funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	return opcode | ((uint32(imm) & 0x1f) << 7) | (funct3 << 12) |
		(uint32(rs1) << 15) | (uint32(rs2) << 20) | (((uint32(imm) >> 5) & 0x7f) << 25)
}

func encodeB(opcode, funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	uimm := uint32(imm)
	return opcode | (((uimm >> 11) & 0x1) << 7) | (((uimm >> 1) & 0xf) << 8) |
		(funct3 << 12) | (uint32(rs1) << 15) | (uint32(rs2) << 20) |
		(((uimm >> 5) & 0x3f) << 25) | (((uimm >> 12) & 0x1) << 31)
}

func encodeU(opcode uint32, rd int, imm uint32) uint32 {
	return opcode | (uint32(rd) << 7) | (imm << 12)
}

func encodeJ(opcode uint32, rd int, imm int32) uint32 {
	uimm := uint32(imm)
	return opcode | (uint32(rd) << 7) | (((uimm >> 12) & 0xff) << 12) |
		(((uimm >> 11) & 0x1) << 20) | (((uimm >> 1) & 0x3ff) << 21) |
		(((uimm >> 20) & 0x1) << 31)
}

var rTypeOps = map[string]struct {
	funct3 uint32
	funct7 uint32
}{
	"add": {0, 0x00}, "sub": {0, 0x20},
	"sll": {1, 0x00}, "slt": {2, 0x00}, "sltu": {3, 0x00},
	"xor": {4, 0x00}, "srl": {5, 0x00}, "sra": {5, 0x20},
	"or": {6, 0x00}, "and": {7, 0x00},
}

var iTypeOps = map[string]uint32{
	"addi": 0, "slti": 2, "sltiu": 3, "xori": 4, "ori": 6, "andi": 7,
}

var shiftOps = map[string]struct {
	funct3 uint32
	funct7 uint32
}{
	"slli": {1, 0x00}, "srli": {5, 0x00}, "srai": {5, 0x20},
}

var loadOps = map[string]uint32{
	"lb": 0, "lh": 1, "lw": 2, "lbu": 4, "lhu": 5,
}

var storeOps = map[string]uint32{
	"sb": 0, "sh": 1, "sw": 2,
}

var branchOps = map[string]uint32{
	"beq": 0, "bne": 1, "blt": 4, "bge": 5, "bltu": 6, "bgeu": 7,
}

var csrOps = map[string]uint32{
	"csrrw": 1, "csrrs": 2, "csrrc": 3,
	"csrrwi": 5, "csrrsi": 6, "csrrci": 7,
}

// sizeOf returns the word count a mnemonic expands to.
func sizeOf(op string) (words int) {
	switch op {
	case "li":
		words = 2
	default:
		words = 1
	}

	return
}

// Parse assembles the source into a Program.
func (asm *Assembler) Parse(in io.Reader) (prog *Program, err error) {
	if asm.Equate == nil {
		asm.Equate = map[string]string{}
	}

	var lines []sourceLine

	scanner := bufio.NewScanner(in)
	lineno := 0
	for scanner.Scan() {
		lineno++
		text := scanner.Text()

		if cut := strings.IndexAny(text, "#;"); cut >= 0 {
			text = text[:cut]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		line := sourceLine{lineno: lineno, text: text}

		if colon := strings.IndexByte(text, ':'); colon >= 0 && !strings.ContainsAny(text[:colon], " \t") {
			line.label = text[:colon]
			text = strings.TrimSpace(text[colon+1:])
		}

		if text != "" {
			fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
			line.op = strings.ToLower(fields[0])
			line.args = fields[1:]
		}

		lines = append(lines, line)
	}
	err = scanner.Err()
	if err != nil {
		return
	}

	prog = &Program{Base: asm.Base, Labels: map[string]uint32{}}

	// First pass: gather equates and label addresses.
	addr := asm.Base
	for _, line := range lines {
		if line.label != "" {
			if _, ok := prog.Labels[line.label]; ok {
				err = ErrSyntax{line.lineno, line.text, ErrLabelDuplicate}
				return
			}
			prog.Labels[line.label] = addr
		}

		switch line.op {
		case "":
			// Label-only line.
		case ".equ":
			if len(line.args) != 2 {
				err = ErrSyntax{line.lineno, line.text, ErrEquateSyntax}
				return
			}
			if _, ok := asm.Equate[line.args[0]]; ok {
				err = ErrSyntax{line.lineno, line.text, ErrEquateDuplicate}
				return
			}
			asm.Equate[line.args[0]] = line.args[1]
		case ".word":
			addr += 4 * uint32(len(line.args))
		default:
			addr += 4 * uint32(sizeOf(line.op))
		}
	}

	// Second pass: encode.
	for _, line := range lines {
		if line.op == "" || line.op == ".equ" {
			continue
		}

		pc := prog.Base + uint32(4*len(prog.Words))
		var words []uint32
		words, err = asm.encodeLine(line, pc, prog.Labels)
		if err != nil {
			err = ErrSyntax{line.lineno, line.text, err}
			prog = nil
			return
		}

		for _, word := range words {
			prog.Words = append(prog.Words, word)
			prog.Lines = append(prog.Lines, line.lineno)
		}
	}

	return
}

// encodeLine encodes one source line into instruction words.
func (asm *Assembler) encodeLine(line sourceLine, pc uint32, labels map[string]uint32) (words []uint32, err error) {
	op := line.op
	args := line.args

	need := func(count int) bool {
		if len(args) != count {
			err = ErrOperandCount
			return false
		}
		return true
	}

	switch {
	case op == ".word":
		for _, arg := range args {
			var value int64
			value, err = asm.valueOf(arg, labels)
			if err != nil {
				return
			}
			words = append(words, uint32(value))
		}

	case op == "nop":
		words = []uint32{encodeI(OP_IMM, 0, 0, 0, 0)}

	case op == "ecall":
		words = []uint32{OP_SYSTEM}

	case op == "ebreak":
		words = []uint32{OP_SYSTEM | (1 << 20)}

	case op == "fence":
		words = []uint32{OP_MISC_MEM}

	case op == "ret":
		words = []uint32{encodeI(OP_JALR, 0, 0, REG_RA, 0)}

	case op == "mv":
		if !need(2) {
			return
		}
		var rd, rs int
		rd, err = regIndex(args[0])
		if err == nil {
			rs, err = regIndex(args[1])
		}
		if err != nil {
			return
		}
		words = []uint32{encodeI(OP_IMM, 0, rd, rs, 0)}

	case op == "li":
		if !need(2) {
			return
		}
		var rd int
		rd, err = regIndex(args[0])
		if err != nil {
			return
		}
		var value int64
		value, err = asm.valueOf(args[1], labels)
		if err != nil {
			return
		}
		imm := uint32(value)
		hi := (imm + 0x800) >> 12
		lo := int32(imm<<20) >> 20
		// Fixed two-word expansion so label addresses stay stable.
		words = []uint32{
			encodeU(OP_LUI, rd, hi&0xfffff),
			encodeI(OP_IMM, 0, rd, rd, lo),
		}

	case op == "j":
		if !need(1) {
			return
		}
		words, err = asm.encodeJal(0, args[0], pc, labels)

	case op == "jal":
		if !need(2) {
			return
		}
		var rd int
		rd, err = regIndex(args[0])
		if err != nil {
			return
		}
		words, err = asm.encodeJal(rd, args[1], pc, labels)

	case op == "jalr":
		if !need(2) {
			return
		}
		var rd, rs1 int
		var offset int64
		rd, err = regIndex(args[0])
		if err == nil {
			offset, rs1, err = asm.splitOffsetReg(args[1], labels)
		}
		if err != nil {
			return
		}
		words = []uint32{encodeI(OP_JALR, 0, rd, rs1, int32(offset))}

	case op == "lui" || op == "auipc":
		if !need(2) {
			return
		}
		var rd int
		rd, err = regIndex(args[0])
		if err != nil {
			return
		}
		var value int64
		value, err = asm.valueOf(args[1], labels)
		if err != nil {
			return
		}
		if value < 0 || value > 0xfffff {
			err = ErrImmediateRange
			return
		}
		opcode := OP_LUI
		if op == "auipc" {
			opcode = OP_AUIPC
		}
		words = []uint32{encodeU(opcode, rd, uint32(value))}

	default:
		words, err = asm.encodeTabled(line, pc, labels)
	}

	return
}

// encodeTabled handles the table-driven I/S/B/CSR forms.
func (asm *Assembler) encodeTabled(line sourceLine, pc uint32, labels map[string]uint32) (words []uint32, err error) {
	op := line.op
	args := line.args

	if funct, ok := rTypeOps[op]; ok {
		if len(args) != 3 {
			err = ErrOperandCount
			return
		}
		var rd, rs1, rs2 int
		rd, err = regIndex(args[0])
		if err == nil {
			rs1, err = regIndex(args[1])
		}
		if err == nil {
			rs2, err = regIndex(args[2])
		}
		if err != nil {
			return
		}
		words = []uint32{encodeR(OP_OP, funct.funct3, funct.funct7, rd, rs1, rs2)}
		return
	}

	if funct3, ok := iTypeOps[op]; ok {
		if len(args) != 3 {
			err = ErrOperandCount
			return
		}
		var rd, rs1 int
		var value int64
		rd, err = regIndex(args[0])
		if err == nil {
			rs1, err = regIndex(args[1])
		}
		if err == nil {
			value, err = asm.valueOf(args[2], labels)
		}
		if err != nil {
			return
		}
		if value < -2048 || value > 2047 {
			err = ErrImmediateRange
			return
		}
		words = []uint32{encodeI(OP_IMM, funct3, rd, rs1, int32(value))}
		return
	}

	if funct, ok := shiftOps[op]; ok {
		if len(args) != 3 {
			err = ErrOperandCount
			return
		}
		var rd, rs1 int
		var value int64
		rd, err = regIndex(args[0])
		if err == nil {
			rs1, err = regIndex(args[1])
		}
		if err == nil {
			value, err = asm.valueOf(args[2], labels)
		}
		if err != nil {
			return
		}
		if value < 0 || value > 31 {
			err = ErrImmediateRange
			return
		}
		words = []uint32{encodeR(OP_IMM, funct.funct3, funct.funct7, rd, rs1, int(value))}
		return
	}

	if funct3, ok := loadOps[op]; ok {
		if len(args) != 2 {
			err = ErrOperandCount
			return
		}
		var rd, rs1 int
		var offset int64
		rd, err = regIndex(args[0])
		if err == nil {
			offset, rs1, err = asm.splitOffsetReg(args[1], labels)
		}
		if err != nil {
			return
		}
		words = []uint32{encodeI(OP_LOAD, funct3, rd, rs1, int32(offset))}
		return
	}

	if funct3, ok := storeOps[op]; ok {
		if len(args) != 2 {
			err = ErrOperandCount
			return
		}
		var rs2, rs1 int
		var offset int64
		rs2, err = regIndex(args[0])
		if err == nil {
			offset, rs1, err = asm.splitOffsetReg(args[1], labels)
		}
		if err != nil {
			return
		}
		words = []uint32{encodeS(OP_STORE, funct3, rs1, rs2, int32(offset))}
		return
	}

	if funct3, ok := branchOps[op]; ok {
		if len(args) != 3 {
			err = ErrOperandCount
			return
		}
		var rs1, rs2 int
		var target int64
		rs1, err = regIndex(args[0])
		if err == nil {
			rs2, err = regIndex(args[1])
		}
		if err == nil {
			target, err = asm.valueOf(args[2], labels)
		}
		if err != nil {
			return
		}
		offset := int32(uint32(target) - pc)
		if offset < -4096 || offset > 4094 {
			err = ErrImmediateRange
			return
		}
		if (offset & 1) != 0 {
			err = ErrTargetUnaligned
			return
		}
		words = []uint32{encodeB(OP_BRANCH, funct3, rs1, rs2, offset)}
		return
	}

	if funct3, ok := csrOps[op]; ok {
		if len(args) != 3 {
			err = ErrOperandCount
			return
		}
		var rd int
		var index int64
		rd, err = regIndex(args[0])
		if err == nil {
			index, err = asm.valueOf(args[1], labels)
		}
		if err != nil {
			return
		}
		if index < 0 || index > 0xfff {
			err = ErrImmediateRange
			return
		}
		if funct3 >= 5 {
			var zimm int64
			zimm, err = asm.valueOf(args[2], labels)
			if err != nil {
				return
			}
			if zimm < 0 || zimm > 31 {
				err = ErrImmediateRange
				return
			}
			words = []uint32{OP_SYSTEM | (uint32(rd) << 7) | (funct3 << 12) |
				(uint32(zimm) << 15) | (uint32(index) << 20)}
		} else {
			var rs1 int
			rs1, err = regIndex(args[2])
			if err != nil {
				return
			}
			words = []uint32{OP_SYSTEM | (uint32(rd) << 7) | (funct3 << 12) |
				(uint32(rs1) << 15) | (uint32(index) << 20)}
		}
		return
	}

	if line.op == "" {
		err = ErrOpcodeMissing
	} else {
		err = ErrOpcodeInvalid
	}

	return
}

// encodeJal resolves a jump target and encodes jal.
func (asm *Assembler) encodeJal(rd int, target string, pc uint32, labels map[string]uint32) (words []uint32, err error) {
	value, err := asm.valueOf(target, labels)
	if err != nil {
		return
	}

	offset := int32(uint32(value) - pc)
	if offset < -(1<<20) || offset >= (1<<20) {
		err = ErrImmediateRange
		return
	}
	if (offset & 1) != 0 {
		err = ErrTargetUnaligned
		return
	}

	words = []uint32{encodeJ(OP_JAL, rd, offset)}

	return
}
