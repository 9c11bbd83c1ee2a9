// Package proc implements the task model of spec 4.D: task descriptors,
// register sets, status, stack init, create/kill, and page-table
// attachment.
package proc

import (
	"sync"

	"microkernel/ipc"
	"microkernel/kerr"
	"microkernel/vm"
)

// Status is a task's lifecycle state (spec 3 "Task descriptor").
type Status int

const (
	StatusUninit Status = iota
	StatusReady
	StatusRunning
	StatusBlocked
	StatusDead
	StatusSpecial // idle or other system tasks
)

func (s Status) String() string {
	switch s {
	case StatusUninit:
		return "uninit"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusDead:
		return "dead"
	case StatusSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// Kind distinguishes ordinary tasks from the kernel's own system/idle
// tasks, mirroring the teacher/original's Normal/System/Idle split.
type Kind int

const (
	KindNormal Kind = iota
	KindSystem
	KindIdle
)

// RegisterKind selects which register set SetRegisters mutates.
type RegisterKind int

const (
	RegisterKindGeneral RegisterKind = iota
	RegisterKindSegment
)

// RegisterSet is the architecture-agnostic saved register file. archshim is
// responsible for the real save/restore sequence; this struct is what it
// saves into and restores from.
type RegisterSet struct {
	PC, SP   uint64
	GP       [16]uint64 // general-purpose registers
	SegBase  [4]uint64  // segment/TLS bases (fs/gs-style)
	RetHi    uint64
	RetLo    uint64
}

// PageTableAttachMode selects how AttachPageTable assigns an address space.
type PageTableAttachMode int

const (
	AttachSelf  PageTableAttachMode = iota // share the caller's page table
	AttachNew                              // create and assign a fresh page table
	AttachClone                            // clone an existing page table (shares mappings, not metadata)
)

// Queue is the minimal interface a scheduler ready queue must satisfy for
// a Task to record which queue it is linked into (spec 3's ParentQueue).
// Defining the interface here instead of importing package sched keeps
// proc free of a dependency on the scheduler.
type Queue interface {
	QueueID() int
}

// Task is the kernel's task descriptor (spec 3).
type Task struct {
	ID uint64

	mu sync.Mutex

	Regs   RegisterSet
	Status Status
	Kind   Kind

	Priority int
	Affinity uint64 // CPU affinity bitmask

	// Intrusive ready-queue linkage (spec 9: "hide the pointer fiddling
	// behind a safe queue node abstraction" -- sched provides that
	// abstraction; these fields are its storage).
	QueueNext, QueuePrev *Task
	ParentQueue          Queue

	PageTable *vm.PageTable

	// Messaging (spec 3, 4.F). OwnedPorts holds port numbers this task
	// owns (may receive on); BlockedBy is a weak reference (by port
	// number) to whatever port the task is waiting to receive from.
	OwnedPorts map[uint64]bool
	BlockedBy  uint64

	// PageBlockedBy is the address this task is blocked on within its
	// page table (spec 3); 0 means not page-blocked.
	PageBlockedBy uint64

	RepeatSyscall   bool
	SyscallSnapshot [6]uint64

	Name string

	// TaskGroups holds group ids this task belongs to (spec 4.H);
	// package taskgroup maintains this set directly since it imports
	// proc, avoiding a dependency the other way.
	TaskGroups map[uint64]bool

	Accounting Accounting

	ExitCodeHi, ExitCodeLo uint64
}

// Lock/Unlock expose the task's own scheduling/messaging lock (spec 5
// lock hierarchy level 3: "task scheduling lock").
func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// IsUninited reports whether the task has not yet been initialized.
func (t *Task) IsUninited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status == StatusUninit
}

// SetEntry sets the task's program counter (spec 4.D set_entry).
func (t *Task) SetEntry(pc uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Regs.PC = pc
}

// RequestRepeatSyscall arms the repeat-syscall flag and snapshots the
// syscall's arguments, so that a syscall which blocks partway through is
// restarted atomically after the wait condition clears (spec 4.D, 9).
func (t *Task) RequestRepeatSyscall(args [6]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RepeatSyscall = true
	t.SyscallSnapshot = args
}

// PopRepeatSyscall clears the repeat-syscall flag and returns the
// snapshotted arguments, called by the dispatcher when re-entering.
func (t *Task) PopRepeatSyscall() [6]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RepeatSyscall = false
	return t.SyscallSnapshot
}

// SetRegisters mutates the selected register set. Cross-task register
// access requires the target not be runnable; same-task access is always
// allowed (spec 4.D, 6). running reports whether t is currently executing
// on some CPU (the scheduler is the source of truth for that, hence the
// callback rather than a direct dependency).
func (t *Task) SetRegisters(kind RegisterKind, values []uint64, self bool, running func(*Task) bool) kerr.Err_t {
	if !self && running(t) {
		return kerr.ERROR_NO_PERMISSION
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case RegisterKindGeneral:
		n := len(values)
		if n > len(t.Regs.GP) {
			n = len(t.Regs.GP)
		}
		copy(t.Regs.GP[:n], values[:n])
	case RegisterKindSegment:
		n := len(values)
		if n > len(t.Regs.SegBase) {
			n = len(t.Regs.SegBase)
		}
		copy(t.Regs.SegBase[:n], values[:n])
	default:
		return kerr.ERROR_NOT_SUPPORTED
	}
	return kerr.SUCCESS
}

// SetReturn writes a syscall's {status, value} pair into the saved
// register file (spec 6: "{status, value}" return encoding), the point
// where control returns through C to user space after J dispatches.
func (t *Task) SetReturn(status kerr.Err_t, value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Regs.RetLo = uint64(status)
	t.Regs.RetHi = value
}

// SegmentBase returns segment/TLS base idx (spec 6 get_segment).
func (t *Task) SegmentBase(idx int) (uint64, kerr.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.Regs.SegBase) {
		return 0, kerr.ERROR_OUT_OF_RANGE
	}
	return t.Regs.SegBase[idx], kerr.SUCCESS
}

// OwnPort records that this task owns port id.
func (t *Task) OwnPort(port uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OwnedPorts == nil {
		t.OwnedPorts = make(map[uint64]bool)
	}
	t.OwnedPorts[port] = true
}

// DisownPort removes port id from the task's owned set.
func (t *Task) DisownPort(port uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.OwnedPorts, port)
}

// OwnedPortList returns a snapshot of the ports this task owns.
func (t *Task) OwnedPortList() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.OwnedPorts))
	for p := range t.OwnedPorts {
		out = append(out, p)
	}
	return out
}

// PortCloser is a narrow interface over port destruction, satisfied by
// *ipc.Manager.
type PortCloser interface {
	DestroyOwnedPort(port uint64)
}

var _ PortCloser = (*ipc.Manager)(nil)
