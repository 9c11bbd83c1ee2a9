package vm

import (
	"sync"

	"microkernel/kerr"
	"microkernel/mem"
)

// MemObject is a numbered, reference-counted array of frames (spec 3
// "Memory object"). Frames materialize lazily on first fault; the same
// object can back regions in multiple page tables, which is how two
// address spaces come to observe the same byte (spec 8 scenario 5).
//
// This core does not implement demand paging from backing storage (spec 1
// Non-goals): a frame that has never been touched is allocated and
// zero-filled the first time any mapping faults on it, exactly like a
// normal region, except the frame is then shared by every other mapping of
// the same object/offset instead of being private to one page table.
type MemObject struct {
	mu sync.Mutex

	ID       uint64
	PageSize int
	NPages   uint64

	frames   []mem.Pa_t
	present  []bool
	refcount int32

	// Owner is a weak reference to the task that owns this object (0 for
	// none). OnPageFault does not consult it: a missing object page is
	// always zero-filled in-kernel, and no page-request message is sent
	// to the owner.
	Owner uint64
}

// NewMemObject creates an object of the given page count. Page-size-log
// and length are fixed at creation, per spec 3.
func NewMemObject(id uint64, npages uint64) *MemObject {
	return &MemObject{
		ID:       id,
		PageSize: mem.PGSIZE,
		NPages:   npages,
		frames:   make([]mem.Pa_t, npages),
		present:  make([]bool, npages),
		refcount: 1,
	}
}

// Ref increments the object's reference count.
func (o *MemObject) Ref() {
	o.mu.Lock()
	o.refcount++
	o.mu.Unlock()
}

// Unref decrements the object's reference count, returning true if it
// reached zero (spec invariant 7: freed only when refcount hits zero).
// The caller is responsible for releasing the object's frames once this
// returns true.
func (o *MemObject) Unref() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refcount--
	return o.refcount == 0
}

// Has reports whether the frame backing page index idx has materialized.
func (o *MemObject) Has(idx uint64) (mem.Pa_t, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx >= o.NPages || !o.present[idx] {
		return 0, false
	}
	return o.frames[idx], true
}

// Materialize allocates and zero-fills the frame backing page index idx if
// it is not already present, returning the (possibly freshly allocated)
// frame. Concurrent materialization of the same page by two faulting
// mappings is serialized by the object's own lock, so only one frame is
// ever allocated per page index.
func (o *MemObject) Materialize(alloc *mem.Allocator, idx uint64) (mem.Pa_t, kerr.Err_t) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if idx >= o.NPages {
		return 0, kerr.ERROR_OUT_OF_RANGE
	}
	if o.present[idx] {
		return o.frames[idx], kerr.SUCCESS
	}

	frame, err := alloc.AllocFrame()
	if err != kerr.SUCCESS {
		return 0, err
	}
	o.frames[idx] = frame
	o.present[idx] = true
	return frame, kerr.SUCCESS
}

// Deposit installs an already-allocated frame at page index idx, used when
// an external pager (Owner) supplies the page out of band rather than the
// object zero-filling it itself.
func (o *MemObject) Deposit(idx uint64, frame mem.Pa_t) kerr.Err_t {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx >= o.NPages {
		return kerr.ERROR_OUT_OF_RANGE
	}
	o.frames[idx] = frame
	o.present[idx] = true
	return kerr.SUCCESS
}

// Release drops this object's references to all materialized frames. Must
// only be called once Unref has reported the refcount reached zero.
func (o *MemObject) Release(alloc *mem.Allocator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, present := range o.present {
		if present {
			alloc.Refdown(o.frames[i])
			o.present[i] = false
		}
	}
}
