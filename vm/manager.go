// Package vm implements the virtual-memory manager of spec 4.B: page
// tables, region descriptors, lazy and phys-map regions and memory
// objects. A region's COW flag is recorded but no fault path acts on it.
package vm

import (
	"sync"
	"sync/atomic"

	"microkernel/kerr"
	"microkernel/mem"
)

// Invalidator receives TLB shootdown notifications: after a PTE that may
// be cached on other CPUs is changed, the VMM asks the architecture shim
// to send an invalidate-TLB IPI to every CPU running ptID, carrying the
// affected range (spec 4.B). The VMM depends only on this small interface,
// not on archshim itself, keeping kernel logic architecture-agnostic (spec
// 9).
type Invalidator interface {
	InvalidateRange(ptID uint64, start, length uint64)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateRange(uint64, uint64, uint64) {}

// Manager owns the frame allocator, every live page table, and every live
// memory object.
type Manager struct {
	Alloc *mem.Allocator
	Inval Invalidator

	mu         sync.Mutex
	pageTables map[uint64]*PageTable
	objects    map[uint64]*MemObject
	nextPTID   uint64
	nextObjID  uint64
}

// NewManager creates a VMM backed by the given physical frame allocator.
func NewManager(alloc *mem.Allocator) *Manager {
	return &Manager{
		Alloc:      alloc,
		Inval:      noopInvalidator{},
		pageTables: make(map[uint64]*PageTable),
		objects:    make(map[uint64]*MemObject),
	}
}

// CreatePageTable allocates a new, empty address space.
func (m *Manager) CreatePageTable() *PageTable {
	id := atomic.AddUint64(&m.nextPTID, 1)
	pt := newPageTable(id)
	m.mu.Lock()
	m.pageTables[id] = pt
	m.mu.Unlock()
	return pt
}

// PageTable looks up a page table by id.
func (m *Manager) PageTable(id uint64) (*PageTable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.pageTables[id]
	return pt, ok
}

// DestroyPageTable removes a page table once its last reference is gone,
// releasing every mapped frame.
func (m *Manager) DestroyPageTable(pt *PageTable) {
	pt.mu.Lock()
	for vpage, frame := range pt.pages {
		m.Alloc.Refdown(frame)
		delete(pt.pages, vpage)
	}
	regions := pt.regions
	pt.regions = nil
	pt.mu.Unlock()

	for _, r := range regions {
		if r.Kind == KindObject && r.Object != nil {
			m.unrefObject(r.Object)
		}
	}

	m.mu.Lock()
	delete(m.pageTables, pt.ID)
	m.mu.Unlock()
}

// CreateMemObject creates a numbered, reference-counted array of npages
// frames (spec 3 "Memory object").
func (m *Manager) CreateMemObject(npages uint64) *MemObject {
	id := atomic.AddUint64(&m.nextObjID, 1)
	obj := NewMemObject(id, npages)
	m.mu.Lock()
	m.objects[id] = obj
	m.mu.Unlock()
	return obj
}

// MemObject looks up a memory object by id.
func (m *Manager) MemObject(id uint64) (*MemObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	return obj, ok
}

func (m *Manager) unrefObject(obj *MemObject) {
	if obj.Unref() {
		obj.Release(m.Alloc)
		m.mu.Lock()
		delete(m.objects, obj.ID)
		m.mu.Unlock()
	}
}

// placeLocked resolves hint/FIXED placement: if Fixed is set and the range
// overlaps an existing region, fails with ERROR_PAGE_PRESENT; otherwise
// places at hint if free, or scans forward for the first fit (spec 4.B).
func (pt *PageTable) placeLocked(hint, length uint64, access Access) (uint64, kerr.Err_t) {
	hint = pageAlign(hint)
	length = pageRoundup(length)

	if access&AccessFixed != 0 {
		if hint != 0 && pt.overlapsLocked(hint, length) {
			return 0, kerr.ERROR_PAGE_PRESENT
		}
		return hint, kerr.SUCCESS
	}

	if hint != 0 && !pt.overlapsLocked(hint, length) {
		return hint, kerr.SUCCESS
	}

	// First-fit scan forward from the hint (or from the first usable
	// user address if hint is zero), stepping past each conflicting
	// region.
	const searchBase = uint64(mem.PGSIZE) * 16 // leave page zero unmapped
	start := hint
	if start == 0 {
		start = searchBase
	}
	for {
		if !pt.overlapsLocked(start, length) {
			return start, kerr.SUCCESS
		}
		// advance past the region we collided with
		advanced := false
		for _, r := range pt.regions {
			if start < r.End() && start+length > r.Start {
				start = r.End()
				advanced = true
				break
			}
		}
		if !advanced {
			return 0, kerr.ERROR_OUT_OF_RANGE
		}
	}
}

// CreateRegion creates a normal (zero-fill-on-first-touch) region.
func (m *Manager) CreateRegion(pt *PageTable, hint, length uint64, access Access) (uint64, kerr.Err_t) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	addr, err := pt.placeLocked(hint, length, access)
	if err != kerr.SUCCESS {
		return 0, err
	}
	r := &Region{Start: addr, Length: pageRoundup(length), Access: access, Kind: KindNormal}
	pt.insertRegionLocked(r)
	return addr, kerr.SUCCESS
}

// CreatePhysRegion creates a region whose pages map to a fixed physical
// base and never allocate frames.
func (m *Manager) CreatePhysRegion(pt *PageTable, hint, length uint64, access Access, physBase uint64) (uint64, kerr.Err_t) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	addr, err := pt.placeLocked(hint, length, access)
	if err != kerr.SUCCESS {
		return 0, err
	}
	r := &Region{Start: addr, Length: pageRoundup(length), Access: access, Kind: KindPhys, PhysBase: physBase}
	pt.insertRegionLocked(r)
	return addr, kerr.SUCCESS
}

// MapMemObject creates a region bound to a memory object at the given
// offset; faults within the region are serviced from the object.
func (m *Manager) MapMemObject(pt *PageTable, hint, length uint64, access Access, obj *MemObject, objOffset uint64) (uint64, kerr.Err_t) {
	pt.mu.Lock()
	addr, err := pt.placeLocked(hint, length, access)
	if err != kerr.SUCCESS {
		pt.mu.Unlock()
		return 0, err
	}
	r := &Region{Start: addr, Length: pageRoundup(length), Access: access, Kind: KindObject, Object: obj, ObjectOffset: objOffset}
	pt.insertRegionLocked(r)
	pt.mu.Unlock()

	obj.Ref()
	return addr, kerr.SUCCESS
}

// DeleteRegion removes the region containing start, unmaps its pages,
// frees owned frames, and requests a TLB shootdown on every CPU running
// this page table.
func (m *Manager) DeleteRegion(pt *PageTable, start uint64) kerr.Err_t {
	pt.mu.Lock()
	r := pt.lookupRegionLocked(start)
	if r == nil {
		pt.mu.Unlock()
		return kerr.ERROR_OUT_OF_RANGE
	}
	pt.removeRegionLocked(r.Start)

	for vpage := r.Start; vpage < r.End(); vpage += mem.PGSIZE {
		if frame, ok := pt.pages[vpage]; ok {
			delete(pt.pages, vpage)
			if r.Kind != KindPhys {
				m.Alloc.Refdown(frame)
			}
		}
	}
	pt.mu.Unlock()

	if r.Kind == KindObject && r.Object != nil {
		m.unrefObject(r.Object)
	}

	m.Inval.InvalidateRange(pt.ID, r.Start, r.Length)
	return kerr.SUCCESS
}

// CreateStackRegion creates a grow-down region suitable for a task's
// initial stack: one page mapped just below top, free to extend down to
// top-maxPages*PGSIZE on demand (spec 4.D init_stack AUTO mode).
func (m *Manager) CreateStackRegion(pt *PageTable, top uint64, maxPages uint64, access Access) (uint64, kerr.Err_t) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	top = pageAlign(top)
	start := top - mem.PGSIZE
	if pt.overlapsLocked(start, mem.PGSIZE) {
		return 0, kerr.ERROR_PAGE_PRESENT
	}
	r := &Region{
		Start: start, Length: mem.PGSIZE, Access: access, Kind: KindNormal,
		GrowDown: true, GrowLimit: top - maxPages*mem.PGSIZE,
	}
	pt.insertRegionLocked(r)
	return start, kerr.SUCCESS
}

// ClonePageTable creates a new page table carrying copies of src's region
// list and its already-materialized mappings, ref-counting shared frames
// and memory objects (spec 4.D AttachClone). Lazily-unmapped pages are
// left lazy in the clone; they fault independently in each address space.
func (m *Manager) ClonePageTable(src *PageTable) *PageTable {
	src.mu.Lock()
	regions := make([]*Region, len(src.regions))
	for i, r := range src.regions {
		cp := *r
		regions[i] = &cp
	}
	pages := make(map[uint64]mem.Pa_t, len(src.pages))
	for vpage, frame := range src.pages {
		pages[vpage] = frame
		m.Alloc.Refup(frame)
	}
	src.mu.Unlock()

	id := atomic.AddUint64(&m.nextPTID, 1)
	dst := newPageTable(id)
	dst.regions = regions
	dst.pages = pages

	for _, r := range regions {
		if r.Kind == KindObject && r.Object != nil {
			r.Object.Ref()
		}
	}

	m.mu.Lock()
	m.pageTables[id] = dst
	m.mu.Unlock()
	return dst
}

// TransferRegion atomically moves a region from src to dst, preserving its
// mappings (the frames already materialized stay installed at the new
// virtual address in dst).
func (m *Manager) TransferRegion(src *PageTable, vaddr uint64, dst *PageTable, dstHint uint64) (uint64, kerr.Err_t) {
	first, second := src, dst
	if first.ID > second.ID {
		first, second = second, first
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	defer func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	r := src.lookupRegionLocked(vaddr)
	if r == nil {
		return 0, kerr.ERROR_OUT_OF_RANGE
	}

	addr, err := dst.placeLocked(dstHint, r.Length, r.Access)
	if err != kerr.SUCCESS {
		return 0, err
	}

	src.removeRegionLocked(r.Start)
	delta := addr - r.Start
	moved := &Region{
		Start: addr, Length: r.Length, Access: r.Access, Kind: r.Kind, COW: r.COW,
		GrowDown: r.GrowDown, GrowLimit: r.GrowLimit, PhysBase: r.PhysBase,
		Object: r.Object, ObjectOffset: r.ObjectOffset,
	}
	dst.insertRegionLocked(moved)

	for vpage := r.Start; vpage < r.End(); vpage += mem.PGSIZE {
		if frame, ok := src.pages[vpage]; ok {
			delete(src.pages, vpage)
			dst.pages[vpage+delta] = frame
		}
	}

	m.Inval.InvalidateRange(src.ID, r.Start, r.Length)
	return addr, kerr.SUCCESS
}
