// Package ring implements the shared-memory RPC transport between the
// execution core and out-of-kernel services.
//
// A Ring is a fixed-capacity single-producer/single-consumer queue of
// fixed-size frames. Payload bytes are never copied into a frame; a frame
// carries an offset and length into the unified address space and the
// consumer reads the bytes in place. Synchronization is by head/tail
// counters with acquire/release ordering, not mutual exclusion.
//
// The 24-byte little-endian frame layout is the one binary contract shared
// with service implementations. Changing it is a protocol version bump.
package ring
