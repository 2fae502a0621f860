// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package mem

import (
	"log"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const (
	// PageSize is the allocation granularity of the arena, in bytes.
	PageSize = 4096

	// DEFAULT_ARENA_SIZE is the default arena capacity in bytes.
	DEFAULT_ARENA_SIZE = 4 * 1024 * 1024
)

// AddressSpace is the sole owner of all physical byte storage. Callers hold
// capability handles, never raw pointers into the store.
type AddressSpace struct {
	Verbose bool // Set to enable verbose logging.

	mu      sync.RWMutex
	data    []byte
	free    *bitset.BitSet // Set bit = free page.
	regions map[RegionID]*Region
	nextID  RegionID
}

// NewAddressSpace creates an arena of the given size, rounded up to a whole
// number of pages. A size of zero selects DEFAULT_ARENA_SIZE.
func NewAddressSpace(size uint32) (as *AddressSpace) {
	if size == 0 {
		size = DEFAULT_ARENA_SIZE
	}
	pages := uint((size + PageSize - 1) / PageSize)

	as = &AddressSpace{
		data:    make([]byte, pages*PageSize),
		free:    bitset.New(pages),
		regions: map[RegionID]*Region{},
	}
	as.free.FlipRange(0, pages)

	return
}

// Size returns the arena capacity in bytes.
func (as *AddressSpace) Size() uint32 {
	return uint32(len(as.data))
}

// lookup resolves a handle to its region. The caller must hold as.mu.
func (as *AddressSpace) lookup(h Handle) (region *Region, err error) {
	region, ok := as.regions[h.region]
	if !ok {
		err = ErrStale
		return
	}
	if region.Generation != h.generation {
		region = nil
		err = ErrStale
		return
	}

	return
}

// check resolves a handle and validates an access of 'length' bytes at
// 'addr' needing permission 'need'. The caller must hold as.mu.
func (as *AddressSpace) check(h Handle, addr uint32, length uint32, need Perm) (region *Region, err error) {
	region, err = as.lookup(h)
	if err != nil {
		return
	}

	// The access must be granted by both the handle and the region's
	// current permission bits.
	if (h.perm&need) != need || (region.Perm&need) != need {
		region = nil
		err = ErrAccessDenied
		return
	}

	// No partial access across a region boundary.
	if !region.contains(addr, length) {
		region = nil
		err = ErrOutOfRange
		return
	}

	return
}

// Map allocates a zero-filled region of 'length' bytes for 'owner' and
// returns the initial capability handle. Requesting write and execute
// together fails with ErrPermsInvalid.
func (as *AddressSpace) Map(owner Tag, length uint32, perm Perm) (h Handle, err error) {
	if !perm.Valid() {
		err = ErrPermsInvalid
		return
	}
	if length == 0 {
		err = ErrLengthInvalid
		return
	}

	pages := uint((length + PageSize - 1) / PageSize)

	as.mu.Lock()
	defer as.mu.Unlock()

	// First-fit scan for a contiguous run of free pages.
	start, found := as.findRun(pages)
	if !found {
		err = ErrArenaFull
		return
	}

	for page := start; page < start+pages; page++ {
		as.free.Clear(page)
	}

	as.nextID++
	region := &Region{
		ID:         as.nextID,
		Base:       uint32(start) * PageSize,
		Length:     length,
		Perm:       perm,
		Owner:      owner,
		Generation: 1,
	}
	as.regions[region.ID] = region

	if as.Verbose {
		log.Printf("mem: map %v", region)
	}

	h = Handle{region: region.ID, perm: perm, generation: region.Generation}

	return
}

// findRun locates a contiguous run of free pages. The caller must hold as.mu.
func (as *AddressSpace) findRun(pages uint) (start uint, found bool) {
	var run uint
	for page, ok := as.free.NextSet(0); ok; page, ok = as.free.NextSet(page + 1) {
		if run == 0 || page != start+run {
			start = page
			run = 0
		}
		run++
		if run == pages {
			found = true
			return
		}
	}

	return
}

// Read copies 'length' bytes at 'addr' out of the region referenced by the
// handle. The handle must grant read permission.
func (as *AddressSpace) Read(h Handle, addr uint32, length uint32) (data []byte, err error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	_, err = as.check(h, addr, length, PermRead)
	if err != nil {
		return
	}

	data = make([]byte, length)
	copy(data, as.data[addr:addr+length])

	return
}

// Write copies bytes into the region referenced by the handle. The handle
// must grant write permission.
func (as *AddressSpace) Write(h Handle, addr uint32, data []byte) (err error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	_, err = as.check(h, addr, uint32(len(data)), PermWrite)
	if err != nil {
		return
	}

	copy(as.data[addr:], data)

	return
}

// Fetch copies 'length' bytes at 'addr' for instruction execution. The
// handle must grant execute permission.
func (as *AddressSpace) Fetch(h Handle, addr uint32, length uint32) (data []byte, err error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	_, err = as.check(h, addr, length, PermExec)
	if err != nil {
		return
	}

	data = make([]byte, length)
	copy(data, as.data[addr:addr+length])

	return
}

// LoadBytes populates a region without a permission check. This is the
// loader path used to fill execute-only segments before the core starts;
// the handle must still be current and the range in bounds.
func (as *AddressSpace) LoadBytes(h Handle, addr uint32, data []byte) (err error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}
	if !region.contains(addr, uint32(len(data))) {
		err = ErrOutOfRange
		return
	}

	copy(as.data[addr:], data)

	return
}

// Protect changes the region's permission bits and returns a handle carrying
// the new mask. Write-xor-execute is enforced; the change is atomic with
// respect to concurrent readers.
func (as *AddressSpace) Protect(h Handle, perm Perm) (updated Handle, err error) {
	if !perm.Valid() {
		err = ErrPermsInvalid
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}

	if as.Verbose {
		log.Printf("mem: protect %v -> %v", region, perm)
	}

	region.Perm = perm
	region.Version++

	updated = Handle{region: region.ID, perm: perm, generation: region.Generation}

	return
}

// Revoke bumps the region's generation, invalidating every outstanding
// handle at once, and returns a fresh handle for the caller. The region and
// its contents stay mapped.
func (as *AddressSpace) Revoke(h Handle) (fresh Handle, err error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}

	region.Generation++

	if as.Verbose {
		log.Printf("mem: revoke %v", region)
	}

	fresh = Handle{region: region.ID, perm: region.Perm, generation: region.Generation}

	return
}

// Unmap tears the region down and returns its pages to the free pool.
// The freed bytes are zero-filled before they can be observed by any
// future owner.
func (as *AddressSpace) Unmap(h Handle) (err error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}

	if as.Verbose {
		log.Printf("mem: unmap %v", region)
	}

	pages := uint((region.Length + PageSize - 1) / PageSize)
	start := uint(region.Base) / PageSize

	clear(as.data[region.Base : uint(region.Base)+pages*PageSize])
	for page := start; page < start+pages; page++ {
		as.free.Set(page)
	}

	delete(as.regions, region.ID)

	return
}

// Snapshot copies the full contents of the region referenced by the handle.
// Used to record before-images for speculative execution.
func (as *AddressSpace) Snapshot(h Handle) (image []byte, err error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}

	image = make([]byte, region.Length)
	copy(image, as.data[region.Base:region.Base+region.Length])

	return
}

// Restore writes a previously captured image back over the region,
// byte-for-byte. The image length must match the region length.
func (as *AddressSpace) Restore(h Handle, image []byte) (err error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	region, err := as.lookup(h)
	if err != nil {
		return
	}
	if uint32(len(image)) != region.Length {
		err = ErrLengthInvalid
		return
	}

	copy(as.data[region.Base:], image)

	return
}

// Inspect returns a copy of the region descriptor for a handle.
// Debug console accessor.
func (as *AddressSpace) Inspect(h Handle) (region Region, err error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	current, err := as.lookup(h)
	if err != nil {
		return
	}
	region = *current

	return
}

// Dump copies raw arena bytes with no permission check. Debug console
// accessor; never exposed to guest code.
func (as *AddressSpace) Dump(addr uint32, length uint32) (data []byte) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	if addr >= uint32(len(as.data)) {
		return
	}
	if length > uint32(len(as.data))-addr {
		length = uint32(len(as.data)) - addr
	}

	data = make([]byte, length)
	copy(data, as.data[addr:addr+length])

	return
}
