// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package ring

import (
	"math/bits"
	"sync/atomic"
)

const (
	// RING_DEFAULT_CAPACITY is the default slot count for a new ring.
	RING_DEFAULT_CAPACITY = 64
)

// Ring is a fixed-capacity single-producer/single-consumer frame queue.
// Exactly one goroutine may publish and exactly one may consume; within
// that discipline no lock is taken.
type Ring struct {
	capacity uint64
	mask     uint64
	slots    []byte

	head atomic.Uint64 // Next slot to consume.
	tail atomic.Uint64 // Next slot to publish.
}

// NewRing creates a ring with the given power-of-two slot count.
// A capacity of zero selects RING_DEFAULT_CAPACITY.
func NewRing(capacity uint32) (r *Ring, err error) {
	if capacity == 0 {
		capacity = RING_DEFAULT_CAPACITY
	}
	if bits.OnesCount32(capacity) != 1 {
		err = ErrCapacityInvalid
		return
	}

	r = &Ring{
		capacity: uint64(capacity),
		mask:     uint64(capacity) - 1,
		slots:    make([]byte, uint64(capacity)*FrameSize),
	}

	return
}

// Capacity returns the slot count.
func (r *Ring) Capacity() uint32 {
	return uint32(r.capacity)
}

// Depth returns the number of published, unconsumed frames.
func (r *Ring) Depth() uint32 {
	return uint32(r.tail.Load() - r.head.Load())
}

// TryPublish writes a frame into the next free slot. A request frame is
// stamped with the slot's sequence number; a response frame keeps its
// caller-set Seq, which must echo the request it answers. Returns false
// without blocking when the ring is full; an unacknowledged slot is never
// overwritten.
func (r *Ring) TryPublish(frame *Frame) (ok bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail-head >= r.capacity {
		return
	}

	if frame.Tag == TAG_REQUEST {
		frame.Seq = uint32(tail)
	}

	slot := (tail & r.mask) * FrameSize
	_ = frame.Marshal(r.slots[slot : slot+FrameSize])

	// Publish barrier: the consumer observes the slot bytes only after
	// the tail counter advances.
	r.tail.Store(tail + 1)
	ok = true

	return
}

// TryConsume reads the oldest unconsumed frame. Returns ok == false without
// blocking when the ring is empty.
func (r *Ring) TryConsume() (frame Frame, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	if head == tail {
		return
	}

	slot := (head & r.mask) * FrameSize
	_ = frame.Unmarshal(r.slots[slot : slot+FrameSize])

	// Acknowledge barrier: the producer may reuse the slot only after
	// the head counter advances.
	r.head.Store(head + 1)
	ok = true

	return
}

// Channel is a bidirectional transport: one request ring written by the
// core and drained by a service, and one response ring in the opposite
// direction.
type Channel struct {
	Request  *Ring
	Response *Ring
}

// NewChannel creates a channel whose rings each hold 'capacity' slots.
func NewChannel(capacity uint32) (ch *Channel, err error) {
	request, err := NewRing(capacity)
	if err != nil {
		return
	}
	response, err := NewRing(capacity)
	if err != nil {
		return
	}

	ch = &Channel{Request: request, Response: response}

	return
}
