package vm

import (
	"sort"
	"sync"

	"microkernel/mem"
)

// PageTable is a per-address-space object (spec 3): a sorted region map,
// the set of frames currently mapped, the set of tasks attached to it, and
// the set of tasks blocked on a specific page.
//
// Regions are kept in a slice sorted by Start rather than a red-black/splay
// tree (spec 9 permits either structure); lookup of "the region containing
// an address" does a binary search for the largest Start <= address, then
// a range check, matching the teacher's sorted-vector-of-regions idiom.
type PageTable struct {
	mu sync.Mutex

	ID uint64

	regions []*Region // kept sorted by Start
	pages   map[uint64]mem.Pa_t // mapped vpage -> frame

	attached map[uint64]bool // task ids currently attached
	refs     int             // external (non-task) references

	blockedByPage map[uint64][]uint64 // vpage -> blocked task ids
}

func newPageTable(id uint64) *PageTable {
	return &PageTable{
		ID:            id,
		pages:         make(map[uint64]mem.Pa_t),
		attached:      make(map[uint64]bool),
		blockedByPage: make(map[uint64][]uint64),
	}
}

// Lock/Unlock expose the page-table lock directly for callers (the VMM)
// that need to hold it across a multi-step mutation, matching the
// teacher's Lock_pmap/Unlock_pmap discipline.
func (pt *PageTable) Lock()   { pt.mu.Lock() }
func (pt *PageTable) Unlock() { pt.mu.Unlock() }

// findRegionIndexLocked returns the index of the region whose Start is the
// largest Start <= vaddr, or -1 if none.
func (pt *PageTable) findRegionIndexLocked(vaddr uint64) int {
	i := sort.Search(len(pt.regions), func(i int) bool {
		return pt.regions[i].Start > vaddr
	})
	i--
	if i < 0 {
		return -1
	}
	return i
}

// lookupRegionLocked returns the region containing vaddr, if any.
func (pt *PageTable) lookupRegionLocked(vaddr uint64) *Region {
	i := pt.findRegionIndexLocked(vaddr)
	if i < 0 {
		return nil
	}
	r := pt.regions[i]
	if r.Contains(vaddr) {
		return r
	}
	return nil
}

// overlapsLocked reports whether [start, start+length) overlaps any
// existing region (spec invariant 1: no overlap).
func (pt *PageTable) overlapsLocked(start, length uint64) bool {
	end := start + length
	for _, r := range pt.regions {
		if start < r.End() && end > r.Start {
			return true
		}
	}
	return false
}

// insertRegionLocked inserts r keeping pt.regions sorted by Start.
func (pt *PageTable) insertRegionLocked(r *Region) {
	i := sort.Search(len(pt.regions), func(i int) bool {
		return pt.regions[i].Start >= r.Start
	})
	pt.regions = append(pt.regions, nil)
	copy(pt.regions[i+1:], pt.regions[i:])
	pt.regions[i] = r
}

// removeRegionLocked removes the region at Start start, if present.
func (pt *PageTable) removeRegionLocked(start uint64) *Region {
	for i, r := range pt.regions {
		if r.Start == start {
			pt.regions = append(pt.regions[:i], pt.regions[i+1:]...)
			return r
		}
	}
	return nil
}

// Attach registers taskID as attached to this page table (it is running
// with this address space loaded).
func (pt *PageTable) Attach(taskID uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.attached[taskID] = true
}

// Detach removes taskID from the attached set, reporting whether the page
// table is now unreferenced (no attached tasks, no external references) and
// should be destroyed (spec 3 lifecycle).
func (pt *PageTable) Detach(taskID uint64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.attached, taskID)
	return len(pt.attached) == 0 && pt.refs == 0
}

// RefUp takes an external (non-task) reference on the page table, e.g. a
// CLONE target during task creation before the new task is fully attached.
func (pt *PageTable) RefUp() {
	pt.mu.Lock()
	pt.refs++
	pt.mu.Unlock()
}

// RefDown releases an external reference, reporting whether the page table
// is now unreferenced.
func (pt *PageTable) RefDown() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.refs > 0 {
		pt.refs--
	}
	return len(pt.attached) == 0 && pt.refs == 0
}

// AttachedCount reports how many tasks are currently attached to pt.
func (pt *PageTable) AttachedCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.attached)
}

// blockOnPageLocked records that taskID is blocked waiting for vpage to
// materialize within this page table (spec 3's "page-blocked-by" set).
func (pt *PageTable) blockOnPageLocked(vpage, taskID uint64) {
	pt.blockedByPage[vpage] = append(pt.blockedByPage[vpage], taskID)
}

// DrainBlockedOnPage removes and returns every task id blocked on vpage,
// called once the page materializes so callers can wake them.
func (pt *PageTable) DrainBlockedOnPage(vpage uint64) []uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	waiters := pt.blockedByPage[vpage]
	delete(pt.blockedByPage, vpage)
	return waiters
}

// UnblockTaskFromAllPages removes taskID from every page-wait set it
// appears in, used when a blocked task is killed (spec 4.E "Cancellation
// of waits").
func (pt *PageTable) UnblockTaskFromAllPages(taskID uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for page, waiters := range pt.blockedByPage {
		for i, id := range waiters {
			if id == taskID {
				pt.blockedByPage[page] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(pt.blockedByPage[page]) == 0 {
			delete(pt.blockedByPage, page)
		}
	}
}

// MappedFrame returns the frame mapped at vaddr's page, or 0 if none.
func (pt *PageTable) MappedFrame(vaddr uint64) mem.Pa_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pages[pageAlign(vaddr)]
}

// MappedPageCount returns the number of pages currently mapped, used by
// the spec 8 tiling invariant (sum of region.length/page_size across all
// page tables equals the sum of mapped pages).
func (pt *PageTable) MappedPageCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.pages)
}

// RegionCount returns the number of live regions, for diagnostics/tests.
func (pt *PageTable) RegionCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.regions)
}
