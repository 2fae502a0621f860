package mem

import (
	"fmt"
)

// Perm is a region permission bit mask.
type Perm uint8

const (
	PermNone  = Perm(0)
	PermRead  = Perm(1 << 0)
	PermWrite = Perm(1 << 1)
	PermExec  = Perm(1 << 2)
)

// String returns the permission mask in "rwx" form.
func (p Perm) String() (out string) {
	flags := []struct {
		bit Perm
		c   byte
	}{
		{PermRead, 'r'},
		{PermWrite, 'w'},
		{PermExec, 'x'},
	}

	text := []byte{'-', '-', '-'}
	for n, flag := range flags {
		if (p & flag.bit) != 0 {
			text[n] = flag.c
		}
	}
	out = string(text)

	return
}

// Valid returns true if the mask holds no undefined bits and honors
// write-xor-execute.
func (p Perm) Valid() bool {
	if (p &^ (PermRead | PermWrite | PermExec)) != 0 {
		return false
	}

	return (p & (PermWrite | PermExec)) != (PermWrite | PermExec)
}

// Tag identifies the owner (process or segment) of a region.
type Tag uint32

// RegionID identifies a region within an address space.
type RegionID uint32

// Region is an owner-tagged, permission-checked range of the arena.
type Region struct {
	ID         RegionID
	Base       uint32
	Length     uint32
	Perm       Perm
	Owner      Tag
	Generation uint32 // Bumped on revocation.
	Version    uint32 // Bumped on every permission change.
}

// String returns a short description of the region.
func (r *Region) String() string {
	return fmt.Sprintf("region %v [%08x..%08x) %v owner:%v gen:%v",
		uint32(r.ID), r.Base, r.Base+r.Length, r.Perm, uint32(r.Owner), r.Generation)
}

// contains reports whether [addr, addr+length) lies entirely inside the region.
func (r *Region) contains(addr uint32, length uint32) bool {
	if addr < r.Base {
		return false
	}
	offset := addr - r.Base
	return offset <= r.Length && length <= r.Length-offset
}

// Handle is an unforgeable capability referring to a region. A handle is
// valid only while its generation matches the region's current generation.
type Handle struct {
	region     RegionID
	perm       Perm
	generation uint32
}

// Region returns the region identifier the handle refers to.
func (h Handle) Region() RegionID {
	return h.region
}

// Perm returns the permission mask granted to the handle.
func (h Handle) Perm() Perm {
	return h.perm
}

// String returns a short description of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("handle %v %v gen:%v", uint32(h.region), h.perm, h.generation)
}
