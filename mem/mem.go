// Package mem implements the physical frame allocator of spec 4.A: a single
// bitmap indexed by frame number over a simulated physical address space.
//
// The simulated address space is reserved with a real anonymous mmap
// (golang.org/x/sys/unix) rather than a bare Go byte slice, so frame
// addresses behave like real page-aligned physical addresses that the
// bitmap indexes into directly, and releasing the space at shutdown goes
// through a real munmap.
package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	"microkernel/kconfig"
	"microkernel/kerr"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE = 1 << PGSHIFT

// Pa_t is a frame number: a physical address divided by the page size.
type Pa_t uint64

// Bytes returns the byte offset of the frame within the simulated physical
// address space.
func (p Pa_t) Bytes() uint64 {
	return uint64(p) << PGSHIFT
}

// OOMRequest is sent on the channel registered with OnOOM when the
// allocator cannot satisfy an allocation. Resume is closed once the
// out-of-band collector (out of scope for this core) has freed memory and
// the caller should retry.
type OOMRequest struct {
	Need   int
	Resume chan struct{}
}

// Allocator owns all physical frames in the simulated machine and hands
// them out one at a time.
type Allocator struct {
	mu sync.Mutex

	phys   []byte // simulated physical address space, mmap-backed
	bitmap []uint64
	nframe uint64

	refcnt []int32 // per-frame reference count (spec invariant 2)

	freeCount uint64
	nextHint  uint64 // lowest frame index that might be free

	oom chan<- OOMRequest
}

// New reserves a simulated physical address space of nframes frames and
// pre-marks the frames covering the kernel image, the bitmap itself, and
// any early-boot tables as used, per spec 4.A and the BootInfo's Reserved
// ranges.
func New(boot kconfig.BootInfo, nframes uint64) (*Allocator, error) {
	size := int(nframes) * PGSIZE
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	words := (nframes + 63) / 64
	a := &Allocator{
		phys:   buf,
		bitmap: make([]uint64, words),
		nframe: nframes,
		refcnt: make([]int32, nframes),
	}
	a.freeCount = nframes

	for _, r := range boot.Reserved {
		a.markRangeUsedLocked(r.StartFrame, r.NFrames)
	}

	return a, nil
}

// Close releases the simulated physical address space.
func (a *Allocator) Close() error {
	if a.phys == nil {
		return nil
	}
	err := unix.Munmap(a.phys)
	a.phys = nil
	return err
}

// OnOOM registers a channel to be notified when AllocFrame cannot find a
// free frame, adapted from the teacher's oommsg.OomCh.
func (a *Allocator) OnOOM(ch chan<- OOMRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oom = ch
}

func (a *Allocator) bitSet(idx uint64) bool {
	return a.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (a *Allocator) bitSetTrue(idx uint64) {
	a.bitmap[idx/64] |= 1 << (idx % 64)
}

func (a *Allocator) bitClear(idx uint64) {
	a.bitmap[idx/64] &^= 1 << (idx % 64)
}

func (a *Allocator) markRangeUsedLocked(start, n uint64) {
	for i := start; i < start+n && i < a.nframe; i++ {
		if !a.bitSet(i) {
			a.bitSetTrue(i)
			a.freeCount--
			a.refcnt[i] = 1
		}
	}
}

// AllocFrame returns the lowest free frame, zeroing its contents, or
// ERROR_OUT_OF_MEMORY if none is free. Allocation is O(bitmap-size/64)
// worst case, scanning from the last known-free hint.
func (a *Allocator) AllocFrame() (Pa_t, kerr.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for wi := a.nextHint / 64; wi < uint64(len(a.bitmap)); wi++ {
		word := a.bitmap[wi]
		if word == ^uint64(0) {
			continue
		}
		for b := uint64(0); b < 64; b++ {
			idx := wi*64 + b
			if idx >= a.nframe {
				break
			}
			if word&(1<<b) == 0 {
				a.bitSetTrue(idx)
				a.freeCount--
				a.refcnt[idx] = 1
				a.nextHint = idx
				a.zero(Pa_t(idx))
				return Pa_t(idx), kerr.SUCCESS
			}
		}
	}

	if a.oom != nil {
		resume := make(chan struct{})
		a.oom <- OOMRequest{Need: 1, Resume: resume}
	}
	return 0, kerr.ERROR_OUT_OF_MEMORY
}

func (a *Allocator) zero(p Pa_t) {
	off := p.Bytes()
	for i := uint64(0); i < PGSIZE; i++ {
		a.phys[off+i] = 0
	}
}

// Dmap returns a byte slice mapping the given frame's contents directly,
// the simulated analogue of the teacher's direct-map window (mem.Dmaplen).
func (a *Allocator) Dmap(p Pa_t) []byte {
	off := p.Bytes()
	return a.phys[off : off+PGSIZE]
}

// Refup increments a frame's reference count (it backs an additional
// mapping or memory-object slot).
func (a *Allocator) Refup(p Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcnt[p]++
}

// Refdown decrements a frame's reference count, freeing it back to the
// bitmap when it reaches zero. Returns true if the frame was freed.
func (a *Allocator) Refdown(p Pa_t) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcnt[p]--
	if a.refcnt[p] > 0 {
		return false
	}
	idx := uint64(p)
	if a.bitSet(idx) {
		a.bitClear(idx)
		a.freeCount++
		if idx < a.nextHint {
			a.nextHint = idx
		}
	}
	return true
}

// Refcnt returns a frame's current reference count.
func (a *Allocator) Refcnt(p Pa_t) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcnt[p]
}

// FreeCount returns the number of frames currently unallocated.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}

// Total returns the total number of frames managed by the allocator.
func (a *Allocator) Total() uint64 {
	return a.nframe
}
