package vm

import (
	"microkernel/kerr"
	"microkernel/mem"
)

// FaultOutcome reports what OnPageFault did, so the scheduler layer (which
// owns task blocking, not vm) knows whether to suspend the faulting task.
type FaultOutcome int

const (
	// FaultServiced means the page is now mapped; the instruction that
	// faulted can be retried immediately.
	FaultServiced FaultOutcome = iota
	// FaultBlocked is returned when an object page could not be
	// materialized (the accompanying error says why). The task stays
	// recorded in the page table's per-page blocked-task set; no page
	// request is sent anywhere and nothing later drains that entry.
	FaultBlocked
	// FaultError means the fault is not serviceable (no region, or access
	// violates the region's mask); the task should be killed (spec 7
	// kind 4, "Faults").
	FaultError
)

func pageOf(v uint64) uint64 { return pageAlign(v) }

// OnPageFault finds the region containing vaddr and services the fault per
// its kind, or reports why it cannot be serviced (spec 4.B).
func (m *Manager) OnPageFault(pt *PageTable, taskID, vaddr uint64, access Access) (FaultOutcome, kerr.Err_t) {
	pt.mu.Lock()

	r := pt.lookupRegionLocked(vaddr)
	if r == nil {
		// Check every grow-down region for a soft-limit-respecting
		// extension opportunity (spec 4.B "if vaddr < start, extend
		// start downward").
		for _, cand := range pt.regions {
			if cand.GrowDown && vaddr < cand.Start {
				page := pageOf(vaddr)
				if page >= cand.GrowLimit && page+mem.PGSIZE == cand.Start {
					newStart := page
					// Don't let the extended region overlap its
					// neighbor.
					ok := true
					for _, other := range pt.regions {
						if other == cand {
							continue
						}
						if newStart < other.End() && cand.End() > other.Start {
							ok = false
							break
						}
					}
					if ok {
						cand.Length += cand.Start - newStart
						cand.Start = newStart
						r = cand
					}
				}
				break
			}
		}
	}

	if r == nil {
		pt.mu.Unlock()
		return FaultError, kerr.ERROR_OUT_OF_RANGE
	}
	if !r.permitted(access) {
		pt.mu.Unlock()
		return FaultError, kerr.ERROR_NO_PERMISSION
	}

	vpage := pageOf(vaddr)
	if _, already := pt.pages[vpage]; already {
		pt.mu.Unlock()
		return FaultServiced, kerr.SUCCESS
	}

	switch r.Kind {
	case KindNormal:
		frame, err := m.Alloc.AllocFrame()
		if err != kerr.SUCCESS {
			pt.mu.Unlock()
			return FaultError, err
		}
		pt.pages[vpage] = frame
		pt.mu.Unlock()
		return FaultServiced, kerr.SUCCESS

	case KindPhys:
		off := vpage - r.Start
		frame := mem.Pa_t((r.PhysBase + off) >> mem.PGSHIFT)
		pt.pages[vpage] = frame
		pt.mu.Unlock()
		return FaultServiced, kerr.SUCCESS

	case KindObject:
		obj := r.Object
		idx := (r.ObjectOffset + (vpage - r.Start)) / mem.PGSIZE
		if frame, ok := obj.Has(idx); ok {
			m.Alloc.Refup(frame)
			pt.pages[vpage] = frame
			pt.mu.Unlock()
			return FaultServiced, kerr.SUCCESS
		}
		pt.blockOnPageLocked(vpage, taskID)
		pt.mu.Unlock()

		frame, err := obj.Materialize(m.Alloc, idx)
		if err != kerr.SUCCESS {
			return FaultBlocked, err
		}
		m.Alloc.Refup(frame)
		pt.mu.Lock()
		pt.pages[vpage] = frame
		pt.mu.Unlock()
		pt.DrainBlockedOnPage(vpage)
		return FaultServiced, kerr.SUCCESS

	default:
		pt.mu.Unlock()
		return FaultError, kerr.ERROR_GENERAL
	}
}

// PrepareUserPage verifies vaddr is mapped with the required access,
// faulting it in if necessary (spec 4.B). It returns true if the page is
// now available, false if the caller was blocked and the syscall must be
// retried on resume (the repeat-syscall pattern of spec 4.C/9).
func (m *Manager) PrepareUserPage(pt *PageTable, taskID, vaddr uint64, access Access) (bool, kerr.Err_t) {
	pt.mu.Lock()
	vpage := pageOf(vaddr)
	if _, ok := pt.pages[vpage]; ok {
		pt.mu.Unlock()
		return true, kerr.SUCCESS
	}
	pt.mu.Unlock()

	outcome, err := m.OnPageFault(pt, taskID, vaddr, access)
	switch outcome {
	case FaultServiced:
		return true, kerr.SUCCESS
	case FaultBlocked:
		return false, err
	default:
		return false, err
	}
}
