// Package mem implements the unified address space for the μC RISC-V system.
//
// All byte storage lives in a single arena. Protection is expressed through
// owner-tagged regions with read/write/execute permission bits, referenced
// only through capability handles. A handle carries the generation of the
// region it was minted against; revocation bumps the generation and every
// outstanding handle goes stale at once.
//
// Memory returned to the free pool is zero-filled before any new owner can
// observe it.
package mem
