package vm

import (
	"testing"

	"microkernel/kconfig"
	"microkernel/kerr"
	"microkernel/mem"
)

func newManager(t *testing.T, nframes uint64) *Manager {
	t.Helper()
	alloc, err := mem.New(kconfig.BootInfo{}, nframes)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })
	return NewManager(alloc)
}

func TestCreateDeleteRegionRoundTrip(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()

	before := m.Alloc.FreeCount()

	addr, err := m.CreateRegion(pt, 0x400000, 0x2000, AccessRead|AccessWrite)
	if err != kerr.SUCCESS {
		t.Fatalf("CreateRegion: %v", err)
	}

	if _, err := m.OnPageFault(pt, 1, addr+0xFFF, AccessWrite); err != kerr.SUCCESS {
		t.Fatalf("fault 1: %v", err)
	}
	if _, err := m.OnPageFault(pt, 1, addr+0x1000, AccessWrite); err != kerr.SUCCESS {
		t.Fatalf("fault 2: %v", err)
	}
	if pt.MappedPageCount() != 2 {
		t.Fatalf("MappedPageCount = %d, want 2", pt.MappedPageCount())
	}

	if err := m.DeleteRegion(pt, addr); err != kerr.SUCCESS {
		t.Fatalf("DeleteRegion: %v", err)
	}
	if pt.MappedPageCount() != 0 {
		t.Fatalf("MappedPageCount after delete = %d, want 0", pt.MappedPageCount())
	}
	if m.Alloc.FreeCount() != before {
		t.Fatalf("FreeCount after delete = %d, want %d (byte-for-byte frame count restored)", m.Alloc.FreeCount(), before)
	}
}

func TestRegionOverlapFixedFails(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()

	addr, err := m.CreateRegion(pt, 0x500000, 0x1000, AccessRead|AccessWrite|AccessFixed)
	if err != kerr.SUCCESS {
		t.Fatalf("CreateRegion: %v", err)
	}

	if _, err := m.CreateRegion(pt, addr, 0x1000, AccessRead|AccessFixed); err != kerr.ERROR_PAGE_PRESENT {
		t.Fatalf("expected ERROR_PAGE_PRESENT, got %v", err)
	}
}

func TestRegionsNeverOverlapNonFixed(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()

	a1, _ := m.CreateRegion(pt, 0x600000, 0x1000, AccessRead)
	a2, err := m.CreateRegion(pt, a1, 0x1000, AccessRead)
	if err != kerr.SUCCESS {
		t.Fatalf("CreateRegion: %v", err)
	}
	if a2 == a1 {
		t.Fatal("second region should have been relocated past the first")
	}
	if a2 < a1+0x1000 {
		t.Fatalf("second region at %#x overlaps first at %#x length 0x1000", a2, a1)
	}
}

func TestMemObjectSharedAcrossPageTables(t *testing.T) {
	m := newManager(t, 64)
	pt1 := m.CreatePageTable()
	pt2 := m.CreatePageTable()

	obj := m.CreateMemObject(4)

	v1, err := m.MapMemObject(pt1, 0x700000, 4*mem.PGSIZE, AccessRead|AccessWrite, obj, 0)
	if err != kerr.SUCCESS {
		t.Fatalf("MapMemObject pt1: %v", err)
	}
	v2, err := m.MapMemObject(pt2, 0x700000, 4*mem.PGSIZE, AccessRead|AccessWrite, obj, 0)
	if err != kerr.SUCCESS {
		t.Fatalf("MapMemObject pt2: %v", err)
	}

	if _, err := m.OnPageFault(pt1, 1, v1, AccessWrite); err != kerr.SUCCESS {
		t.Fatalf("fault pt1: %v", err)
	}
	m.Alloc.Dmap(pt1.pages[v1])[0] = 0xAA

	outcome, err := m.OnPageFault(pt2, 2, v2, AccessRead)
	if err != kerr.SUCCESS || outcome != FaultServiced {
		t.Fatalf("fault pt2: outcome=%v err=%v", outcome, err)
	}

	got := m.Alloc.Dmap(pt2.pages[v2])[0]
	if got != 0xAA {
		t.Fatalf("pt2 sees %#x at shared page, want 0xAA", got)
	}
}

func TestGrowDownExtendsOnFault(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()

	pt.mu.Lock()
	stackTop := uint64(0x800000)
	r := &Region{Start: stackTop - mem.PGSIZE, Length: mem.PGSIZE, Access: AccessRead | AccessWrite, Kind: KindNormal, GrowDown: true, GrowLimit: stackTop - 8*mem.PGSIZE}
	pt.insertRegionLocked(r)
	pt.mu.Unlock()

	belowStart := stackTop - 2*mem.PGSIZE
	outcome, err := m.OnPageFault(pt, 1, belowStart, AccessWrite)
	if err != kerr.SUCCESS || outcome != FaultServiced {
		t.Fatalf("grow-down fault: outcome=%v err=%v", outcome, err)
	}
	if r.Start != pageAlign(belowStart) {
		t.Fatalf("region did not grow down: Start=%#x, want %#x", r.Start, pageAlign(belowStart))
	}
}

func TestFaultOutsideAnyRegionErrors(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()
	outcome, err := m.OnPageFault(pt, 1, 0x999000, AccessRead)
	if outcome != FaultError || err != kerr.ERROR_OUT_OF_RANGE {
		t.Fatalf("expected error fault, got outcome=%v err=%v", outcome, err)
	}
}

func TestAccessViolationErrors(t *testing.T) {
	m := newManager(t, 64)
	pt := m.CreatePageTable()
	addr, _ := m.CreateRegion(pt, 0x900000, 0x1000, AccessRead)
	outcome, err := m.OnPageFault(pt, 1, addr, AccessWrite)
	if outcome != FaultError || err != kerr.ERROR_NO_PERMISSION {
		t.Fatalf("expected permission fault, got outcome=%v err=%v", outcome, err)
	}
}

func TestTransferRegionPreservesMapping(t *testing.T) {
	m := newManager(t, 64)
	src := m.CreatePageTable()
	dst := m.CreatePageTable()

	addr, _ := m.CreateRegion(src, 0xA00000, 0x1000, AccessRead|AccessWrite)
	m.OnPageFault(src, 1, addr, AccessWrite)
	m.Alloc.Dmap(src.pages[addr])[0] = 0x55

	newAddr, err := m.TransferRegion(src, addr, dst, 0)
	if err != kerr.SUCCESS {
		t.Fatalf("TransferRegion: %v", err)
	}
	if src.RegionCount() != 0 {
		t.Fatal("source page table should no longer own the region")
	}
	frame, ok := dst.pages[newAddr]
	if !ok {
		t.Fatal("destination page table should have inherited the mapping")
	}
	if m.Alloc.Dmap(frame)[0] != 0x55 {
		t.Fatal("transferred region should preserve frame contents")
	}
}
