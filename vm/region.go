package vm

import (
	"microkernel/mem"
	"microkernel/util"
)

// Access is the access-permission mask of spec 6: read (1), write (2),
// execute (4), and Fixed (8) which forbids CreateRegion from relocating the
// hint address.
type Access uint8

const (
	AccessRead    Access = 1
	AccessWrite   Access = 2
	AccessExecute Access = 4
	AccessFixed   Access = 8
)

// Kind distinguishes the three region variants of spec 3.
type Kind int

const (
	KindNormal Kind = iota
	KindPhys
	KindObject
)

// Region is a contiguous, page-aligned virtual range inside one PageTable,
// with uniform access policy (spec 3 "Region").
type Region struct {
	Start  uint64 // page-aligned virtual address
	Length uint64 // bytes, page-aligned

	Access Access
	Kind   Kind
	COW    bool

	// GrowDown, when set, allows a fault below Start to extend Start
	// downward by one page at a time, down to GrowLimit (spec 4.B).
	GrowDown  bool
	GrowLimit uint64

	// PhysBase is the fixed physical base for KindPhys regions: virtual
	// page vpage maps to PhysBase + (vpage - Start).
	PhysBase uint64

	// Object and ObjectOffset describe a KindObject region's backing
	// memory object.
	Object       *MemObject
	ObjectOffset uint64
}

// End returns the exclusive end address of the region.
func (r *Region) End() uint64 {
	return r.Start + r.Length
}

// Contains reports whether vaddr falls within [Start, Start+Length).
func (r *Region) Contains(vaddr uint64) bool {
	return vaddr >= r.Start && vaddr < r.End()
}

// permitted reports whether the requested access mask is allowed by the
// region's access mask (ignoring AccessFixed, which is a placement flag,
// not a permission bit).
func (r *Region) permitted(want Access) bool {
	perm := r.Access &^ AccessFixed
	return want&^AccessFixed&^perm == 0
}

func pageAlign(v uint64) uint64 {
	return util.Rounddown(v, uint64(mem.PGSIZE))
}

func pageRoundup(v uint64) uint64 {
	return util.Roundup(v, uint64(mem.PGSIZE))
}
