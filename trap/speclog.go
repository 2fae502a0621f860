// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package trap

import (
	"fmt"
	"log"
	"time"

	"github.com/ezrec/ucriscv/mem"
)

// EntryState is the lifecycle state of a speculative log entry.
type EntryState int

const (
	ENTRY_PENDING     = EntryState(0) // pending
	ENTRY_COMMITTED   = EntryState(1) // committed
	ENTRY_ROLLED_BACK = EntryState(2) // rolled-back
)

// String returns the state mnemonic.
func (state EntryState) String() (out string) {
	names := []string{"pending", "committed", "rolled-back"}
	if int(state) < len(names) {
		out = names[state]
	} else {
		out = fmt.Sprintf("state(%d)", int(state))
	}

	return
}

// undo is one region before-image.
type undo struct {
	handle mem.Handle
	image  []byte
}

// Entry records the tentative mutations of one in-flight request.
// A pending entry must reach committed or rolled-back before its transport
// slot is reclaimed.
type Entry struct {
	Seq      uint32
	State    EntryState
	Deadline time.Time

	undos   []undo
	regions []mem.RegionID
}

// Log tracks every in-flight speculative entry against one address space.
// Consistency is guaranteed only by full reversion to the exact pre-effect
// state, never by partial repair.
type Log struct {
	Verbose bool

	AS *mem.AddressSpace

	entries map[uint32]*Entry
	busy    map[mem.RegionID]uint32 // Region -> owning entry seq.
}

// NewLog creates a speculative log over an address space.
func NewLog(as *mem.AddressSpace) (l *Log) {
	l = &Log{
		AS:      as,
		entries: map[uint32]*Entry{},
		busy:    map[mem.RegionID]uint32{},
	}

	return
}

// Pending returns the number of in-flight entries.
func (l *Log) Pending() int {
	return len(l.entries)
}

// Busy reports whether a region already has a pending provisional effect.
// Dependent speculation is serialized, not chained.
func (l *Log) Busy(region mem.RegionID) bool {
	_, busy := l.busy[region]
	return busy
}

// Begin opens a pending entry for the request with the given sequence
// number and deadline.
func (l *Log) Begin(seq uint32, deadline time.Time) (entry *Entry) {
	entry = &Entry{
		Seq:      seq,
		State:    ENTRY_PENDING,
		Deadline: deadline,
	}
	l.entries[seq] = entry

	if l.Verbose {
		log.Printf("trap: begin seq:%v deadline:%v", seq, deadline)
	}

	return
}

// ApplyProvisional snapshots the region behind the handle (once per entry)
// and then runs the mutator, which applies the tentative effect. A region
// with a pending effect from another entry fails with ErrRegionBusy.
func (l *Log) ApplyProvisional(entry *Entry, h mem.Handle, mutator func(h mem.Handle) error) (err error) {
	if entry.State != ENTRY_PENDING {
		err = ErrEntryNotPending
		return
	}

	if owner, busy := l.busy[h.Region()]; busy && owner != entry.Seq {
		err = ErrRegionBusy
		return
	}

	if !l.snapshotted(entry, h.Region()) {
		var image []byte
		image, err = l.AS.Snapshot(h)
		if err != nil {
			return
		}
		entry.undos = append(entry.undos, undo{handle: h, image: image})
		entry.regions = append(entry.regions, h.Region())
		l.busy[h.Region()] = entry.Seq
	}

	err = mutator(h)

	return
}

// snapshotted reports whether the entry already holds a before-image of
// the region.
func (l *Log) snapshotted(entry *Entry, region mem.RegionID) bool {
	for _, id := range entry.regions {
		if id == region {
			return true
		}
	}

	return false
}

// Commit discards the before-images and retires the entry.
func (l *Log) Commit(entry *Entry) (err error) {
	if entry.State != ENTRY_PENDING {
		err = ErrEntryNotPending
		return
	}

	entry.State = ENTRY_COMMITTED
	entry.undos = nil
	l.retire(entry)

	if l.Verbose {
		log.Printf("trap: commit seq:%v", entry.Seq)
	}

	return
}

// Rollback restores every snapshotted region byte-for-byte and retires
// the entry.
func (l *Log) Rollback(entry *Entry) (err error) {
	if entry.State != ENTRY_PENDING {
		err = ErrEntryNotPending
		return
	}

	for _, u := range entry.undos {
		rerr := l.AS.Restore(u.handle, u.image)
		if rerr != nil && err == nil {
			err = rerr
		}
	}

	entry.State = ENTRY_ROLLED_BACK
	entry.undos = nil
	l.retire(entry)

	if l.Verbose {
		log.Printf("trap: rollback seq:%v", entry.Seq)
	}

	return
}

// retire drops the entry's bookkeeping.
func (l *Log) retire(entry *Entry) {
	for _, region := range entry.regions {
		if l.busy[region] == entry.Seq {
			delete(l.busy, region)
		}
	}
	entry.regions = nil
	delete(l.entries, entry.Seq)
}

// Expired returns the pending entries whose deadline has passed.
func (l *Log) Expired(now time.Time) (expired []*Entry) {
	for _, entry := range l.entries {
		if now.After(entry.Deadline) {
			expired = append(expired, entry)
		}
	}

	return
}
