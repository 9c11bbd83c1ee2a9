// Package archshim is the thin per-architecture module spec 9 calls for:
// everything above this layer talks to tasks, pages and CPUs only through
// EnterKernel, ReturnToUser, SwitchStack, InvalidateRange and
// ReadCPULocal. This build has no real ring-0/ring-3 transition to make,
// so the shim is a software simulation behind those same names, grounded
// on original_source/kernel/arch/x86_64/interrupts/{idt,interrupts,
// exceptions_managers}.cc for vector numbering and dispatch structure.
package archshim

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"microkernel/proc"
	"microkernel/sched"
	"microkernel/vm"
)

// Exception vectors the dispatch table recognizes, numbered as the x86_64
// architecture defines them (original_source/kernel/interrupts.cc's
// interrupt_handler switch).
const (
	VectorDivideError       = 0x0
	VectorOverflow          = 0x4
	VectorInvalidOpcode     = 0x6
	VectorDoubleFault       = 0x8
	VectorGeneralProtection = 0xD
	VectorPageFault         = 0xE
)

// ExceptionHandler reacts to a CPU exception trapped while running t.
// Returning true means the task can resume with RegisterSet as mutated;
// false means the task cannot continue (original's halt()/abort paths
// become a task kill at this layer, not a system halt).
type ExceptionHandler func(cpu *PerCPU, t *proc.Task, errCode uint64) bool

// Shim ties a sched.Scheduler to a simulated per-CPU array and an
// exception dispatch table, and implements vm.Invalidator so page-table
// mutations reach every CPU's simulated TLB.
type Shim struct {
	CPUs []*PerCPU

	mu       sync.Mutex
	handlers map[int]ExceptionHandler
}

var _ vm.Invalidator = (*Shim)(nil)

// New builds a PerCPU shim for every CPU the scheduler knows about
// (per-CPU struct grounded on original_source/kernel/sched.cc's
// CPU_Info/get_cpu_struct).
func New(s *sched.Scheduler) *Shim {
	sh := &Shim{handlers: make(map[int]ExceptionHandler)}
	sh.CPUs = make([]*PerCPU, s.CPUCount())
	for i := range sh.CPUs {
		sh.CPUs[i] = newPerCPU(i, s.CPU(i))
	}
	return sh
}

// SetExceptionHandler installs the handler for a given vector, replacing
// any previous one.
func (sh *Shim) SetExceptionHandler(vector int, h ExceptionHandler) {
	sh.mu.Lock()
	sh.handlers[vector] = h
	sh.mu.Unlock()
}

// Dispatch is the simulated trap entry point: archshim's equivalent of
// original's interrupt_handler switch, routing by vector to whichever
// handler scall/proc installed. Unrecognized vectors report false, the
// same as original's default case halting.
func (sh *Shim) Dispatch(cpuID int, vector int, errCode uint64) bool {
	cpu := sh.CPUs[cpuID]
	sh.mu.Lock()
	h := sh.handlers[vector]
	sh.mu.Unlock()
	if h == nil || cpu.Sched.Current == nil {
		return false
	}
	return h(cpu, cpu.Sched.Current, errCode)
}

// EnterKernel marks the start of a kernel-mode stretch for the current
// task's accounting (spec 4.C: trap entry flips to kernel-mode timing).
// elapsedUserNS is the user-mode duration since the last mode flip.
func (sh *Shim) EnterKernel(cpu *PerCPU, elapsedUserNS int64) {
	if t := cpu.Sched.Current; t != nil {
		t.Accounting.AddUser(elapsedUserNS)
	}
}

// ReturnToUser marks the end of a kernel-mode stretch (spec 4.C trap
// exit), crediting elapsedSysNS to the current task before control
// returns to user mode.
func (sh *Shim) ReturnToUser(cpu *PerCPU, elapsedSysNS int64) {
	if t := cpu.Sched.Current; t != nil {
		t.Accounting.AddSys(elapsedSysNS)
	}
}

// SwitchStack installs newSP as the register file's stack pointer for t,
// the shim's stand-in for the real kernel-stack-to-user-stack pivot a
// native return-to-user sequence performs.
func (sh *Shim) SwitchStack(t *proc.Task, newSP uint64) {
	t.Regs.SP = newSP
}

// ReadCPULocal stands in for an FS/GS-base-relative per-CPU data read
// (original's get_cpu_struct()); here it is simply the simulated CPU's
// own id, which is all archshim has to offer above it.
func (cpu *PerCPU) ReadCPULocal() int {
	return cpu.ID
}

// DecodeFaultingInstruction decodes the x86-64 instruction that starts at
// offset 0 of code and returns its length. Returns 0, false if code does
// not hold a valid instruction starting at offset 0. No trap or syscall
// path in this package calls it.
func DecodeFaultingInstruction(code []byte) (length int, ok bool) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, false
	}
	return inst.Len, true
}
