package proc

import (
	"microkernel/ipc"
	"microkernel/kerr"
	"microkernel/mem"
	"microkernel/vm"
)

// Default stack placement used by InitStack's AUTO mode: an 8-page
// grow-down region just below the canonical top of the user address
// range (spec 4.D init_stack).
const (
	DefaultStackTop      = uint64(0x0000_7FFF_FFFF_F000)
	DefaultStackMaxPages = uint64(8)
)

// AttachPageTable assigns t's address space per mode (spec 4.D
// attach_page_table). SELF shares source directly; NEW allocates a fresh
// empty address space; CLONE copies source's regions and materialized
// mappings into a new, independent page table.
func AttachPageTable(t *Task, mode PageTableAttachMode, mgr *vm.Manager, source *vm.PageTable) (*vm.PageTable, kerr.Err_t) {
	t.Lock()
	defer t.Unlock()
	if t.Status != StatusUninit {
		return nil, kerr.ERROR_PROCESS_INITED
	}

	var pt *vm.PageTable
	switch mode {
	case AttachSelf:
		if source == nil {
			return nil, kerr.ERROR_HAS_NO_PAGE_TABLE
		}
		pt = source
	case AttachNew:
		pt = mgr.CreatePageTable()
	case AttachClone:
		if source == nil {
			return nil, kerr.ERROR_HAS_NO_PAGE_TABLE
		}
		pt = mgr.ClonePageTable(source)
	default:
		return nil, kerr.ERROR_NOT_SUPPORTED
	}

	pt.Attach(t.ID)
	t.PageTable = pt
	return pt, kerr.SUCCESS
}

// InitStack reserves the task's initial stack region. A top of 0 selects
// DefaultStackTop/DefaultStackMaxPages (spec 4.D init_stack AUTO mode);
// a nonzero top reserves exactly one page there with no further growth.
func InitStack(t *Task, mgr *vm.Manager, top uint64) (uint64, kerr.Err_t) {
	t.Lock()
	pt := t.PageTable
	t.Unlock()
	if pt == nil {
		return 0, kerr.ERROR_HAS_NO_PAGE_TABLE
	}

	maxPages := DefaultStackMaxPages
	if top == 0 {
		top = DefaultStackTop
	} else {
		maxPages = 1
	}

	stackStart, err := mgr.CreateStackRegion(pt, top, maxPages, vm.AccessRead|vm.AccessWrite)
	if err != kerr.SUCCESS {
		return 0, err
	}
	t.Lock()
	t.Regs.SP = stackStart + mem.PGSIZE
	t.Unlock()
	return stackStart, kerr.SUCCESS
}

// Init transitions a task from Uninit to Ready once its entry point,
// stack, and page table are all set (spec 4.D init). Enqueuing the task
// onto a CPU's ready queue and preempting the caller if warranted is the
// scheduler's job, invoked by the dispatcher right after Init succeeds.
func Init(t *Task) kerr.Err_t {
	t.Lock()
	defer t.Unlock()
	if t.Status != StatusUninit {
		return kerr.ERROR_PROCESS_INITED
	}
	if t.PageTable == nil {
		return kerr.ERROR_HAS_NO_PAGE_TABLE
	}
	t.Status = StatusReady
	return kerr.SUCCESS
}

// Exit records a task's exit code and tears it down (spec 4.D exit); it
// is Kill called by the task on itself.
func Exit(t *Task, codeHi, codeLo uint64, reg *Registry, ports *ipc.Manager, vmm *vm.Manager) {
	t.Lock()
	t.ExitCodeHi, t.ExitCodeLo = codeHi, codeLo
	t.Unlock()
	Kill(t, reg, ports, vmm)
}

// Kill tears a task down: marks it dead, releases every port it owns,
// cancels its own pending receive wait if it was blocked on one, detaches
// (and if now unreferenced, destroys) its page table, clears any
// page-fault blocking state, fires any registered on-kill hooks (package
// taskgroup uses this to drop group memberships), and removes it from the
// registry (spec 4.D kill, spec 4.E "killing a blocked task removes it
// from every wait set it is linked to"). Removing it from whatever
// ready/blocked scheduler queue it occupies and forcing a reschedule if it
// was running is the scheduler's responsibility, invoked alongside this by
// the caller.
func Kill(t *Task, reg *Registry, ports *ipc.Manager, vmm *vm.Manager) {
	t.Lock()
	if t.Status == StatusDead {
		t.Unlock()
		return
	}
	t.Status = StatusDead
	owned := make([]uint64, 0, len(t.OwnedPorts))
	for p := range t.OwnedPorts {
		owned = append(owned, p)
	}
	t.OwnedPorts = make(map[uint64]bool)
	blockedBy := t.BlockedBy
	t.BlockedBy = 0
	pt := t.PageTable
	t.PageTable = nil
	t.Unlock()

	for _, p := range owned {
		ports.DestroyOwnedPort(p)
	}
	if blockedBy != 0 {
		ports.CancelWait(blockedBy, t.ID)
	}

	if pt != nil {
		pt.UnblockTaskFromAllPages(t.ID)
		if pt.Detach(t.ID) {
			vmm.DestroyPageTable(pt)
		}
	}

	if reg != nil {
		reg.fireKillHooks(t)
		reg.Remove(t.ID)
	}
}
