package sched

import (
	"testing"
	"time"

	"microkernel/ipc"
	"microkernel/kconfig"
	"microkernel/kerr"
	"microkernel/mem"
	"microkernel/proc"
	"microkernel/vm"
)

func newHarness(t *testing.T, ncpus int) (*Scheduler, *proc.Registry, *ipc.Manager, *vm.Manager) {
	t.Helper()
	limits := kconfig.MkLimits()
	s := NewScheduler(ncpus, limits)
	alloc, err := mem.New(kconfig.BootInfo{}, 64)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })
	reg := proc.NewRegistry()
	ports := ipc.NewManager()
	vmm := vm.NewManager(alloc)
	for i := 0; i < ncpus; i++ {
		idle := reg.CreateTask(proc.KindIdle)
		idle.Priority = limits.PriorityLevels - 1
		s.CPU(i).SetIdle(idle)
	}
	return s, reg, ports, vmm
}

func readyTask(reg *proc.Registry, priority int) *proc.Task {
	t := reg.CreateTask(proc.KindNormal)
	t.Priority = priority
	return t
}

func TestPickReturnsHighestPriorityFirst(t *testing.T) {
	s, reg, _, _ := newHarness(t, 1)
	c := s.CPU(0)

	low := readyTask(reg, 5)
	high := readyTask(reg, 1)
	s.Enqueue(c, low)
	s.Enqueue(c, high)

	got := s.Pick(c)
	if got != high {
		t.Fatalf("Pick returned task with priority %d, want the priority-1 task", got.Priority)
	}
}

func TestPickReturnsIdleWhenEmpty(t *testing.T) {
	s, _, _, _ := newHarness(t, 1)
	c := s.CPU(0)
	got := s.Pick(c)
	if got != c.Idle {
		t.Fatal("Pick should return the idle task when all queues are empty")
	}
}

func TestEnqueueSignalsPreemptionForHigherPriority(t *testing.T) {
	s, reg, _, _ := newHarness(t, 1)
	c := s.CPU(0)

	running := readyTask(reg, 5)
	s.Enqueue(c, running)
	s.Pick(c) // running becomes Current

	urgent := readyTask(reg, 0)
	needResched := s.Enqueue(c, urgent)
	if !needResched {
		t.Fatal("enqueuing a strictly higher-priority task should signal reschedule")
	}
	if running.Status != proc.StatusReady {
		t.Fatalf("preempted task status = %v, want ready", running.Status)
	}

	got := s.Pick(c)
	if got != urgent {
		t.Fatal("Pick after preemption should return the urgent task")
	}
}

func TestEnqueueDoesNotPreemptForLowerPriority(t *testing.T) {
	s, reg, _, _ := newHarness(t, 1)
	c := s.CPU(0)

	running := readyTask(reg, 1)
	s.Enqueue(c, running)
	s.Pick(c)

	lazy := readyTask(reg, 5)
	if s.Enqueue(c, lazy) {
		t.Fatal("enqueuing a lower-priority task should not signal reschedule")
	}
}

func TestTickExpiresQuantumAndSwitches(t *testing.T) {
	s, reg, _, _ := newHarness(t, 1)
	c := s.CPU(0)

	task := readyTask(reg, 0)
	s.Enqueue(c, task)
	s.Pick(c)

	switched, next := s.Tick(c, int64(time.Hour))
	if !switched {
		t.Fatal("quantum should have expired")
	}
	if next != c.Idle {
		t.Fatal("only task was requeued, so next pick should be idle")
	}
	if task.Status != proc.StatusReady {
		t.Fatalf("expired task status = %v, want ready", task.Status)
	}
}

func TestBlockRemovesFromReadyQueue(t *testing.T) {
	s, reg, _, _ := newHarness(t, 1)
	c := s.CPU(0)

	task := readyTask(reg, 2)
	s.Enqueue(c, task)

	if err := s.Block(c, task); err != kerr.SUCCESS {
		t.Fatalf("Block: %v", err)
	}
	if task.Status != proc.StatusBlocked {
		t.Fatalf("status = %v, want blocked", task.Status)
	}
	if c.QueueDepth(2) != 0 {
		t.Fatal("blocked task should have been removed from its ready queue")
	}
	if err := s.Block(c, task); err != kerr.ERROR_ALREADY_BLOCKED {
		t.Fatalf("double-block should fail, got %v", err)
	}
}

func TestUnblockPlacesOnAffineCPU(t *testing.T) {
	s, reg, _, _ := newHarness(t, 2)
	task := readyTask(reg, 3)
	task.Affinity = 1 << 1 // CPU 1 only

	c, needResched := s.Unblock(task)
	if c != s.CPU(1) {
		t.Fatalf("Unblock chose CPU %d, want 1", c.ID)
	}
	if needResched {
		t.Fatal("no task was running on CPU 1, should not need reschedule")
	}
	if s.CPU(1).QueueDepth(3) != 1 {
		t.Fatal("unblocked task should be queued on CPU 1 at its priority")
	}
}

func TestStealRespectsAffinityAndPinnedCeiling(t *testing.T) {
	s, reg, _, _ := newHarness(t, 2)
	victim := s.CPU(0)
	thief := s.CPU(1)

	pinned := readyTask(reg, 0) // pinned priority, must not be stolen
	s.Enqueue(victim, pinned)

	stealable := readyTask(reg, kconfigPinnedCeilingForTest())
	s.Enqueue(victim, stealable)

	got := s.Steal(thief)
	if got != stealable {
		t.Fatalf("Steal took %v, want the non-pinned-priority task", got)
	}
	if victim.QueueDepth(0) != 1 {
		t.Fatal("pinned-priority task should remain on its CPU")
	}
}

func TestStealReturnsNilWhenNothingEligible(t *testing.T) {
	s, reg, _, _ := newHarness(t, 2)
	victim := s.CPU(0)
	thief := s.CPU(1)

	pinned := readyTask(reg, 0)
	s.Enqueue(victim, pinned)

	if got := s.Steal(thief); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestKillTaskRemovesFromQueueAndCurrent(t *testing.T) {
	s, reg, ports, vmm := newHarness(t, 1)
	c := s.CPU(0)

	task := reg.CreateTask(proc.KindNormal)
	proc.AttachPageTable(task, proc.AttachNew, vmm, nil)
	task.Priority = 4
	s.Enqueue(c, task)
	s.Pick(c)

	s.KillTask(task, reg, ports, vmm)
	if task.Status != proc.StatusDead {
		t.Fatalf("status = %v, want dead", task.Status)
	}
	if c.Current == task {
		t.Fatal("killed task should no longer be Current")
	}
	if _, ok := reg.Lookup(task.ID); ok {
		t.Fatal("killed task should be removed from the registry")
	}
}

func kconfigPinnedCeilingForTest() int {
	return kconfig.PinnedPriorityCeiling
}
