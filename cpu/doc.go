// Package cpu implements the RV32I execution core and assembler for the
// μC RISC-V system.
//
// The core consists of a program counter, thirty-two 32-bit registers
// (x0 hard-wired to zero), and a CSR bank. Step() fetches one instruction
// from the unified address space, decodes it, and executes it. Privileged
// and faulting instructions do not resolve inside the core: the core
// suspends at the current pc and hands a trap record to the dispatcher,
// which later resumes or terminates it.
//
// The assembler provides a small RV32I assembly language with labels,
// equates, and compile-time $(...) expression evaluation, used to build
// boot images and test programs.
package cpu
