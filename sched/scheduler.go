// Package sched implements the per-CPU priority-queue scheduler of spec
// 4.E: N FIFO ready queues per CPU, quantum-driven preemption,
// priority-respecting immediate reschedule, blocking/unblocking, and
// affinity-aware work-stealing.
package sched

import (
	"time"

	"microkernel/ipc"
	"microkernel/kconfig"
	"microkernel/kerr"
	"microkernel/proc"
	"microkernel/vm"
)

// Scheduler owns every CPU's ready queues.
type Scheduler struct {
	cpus []*CPU
}

// NewScheduler creates ncpus CPUs, each with limits.PriorityLevels ready
// queues and limits.Quantum as the per-priority quantum table.
func NewScheduler(ncpus int, limits *kconfig.Limits) *Scheduler {
	cpus := make([]*CPU, ncpus)
	for i := range cpus {
		cpus[i] = newCPU(i, limits.PriorityLevels, limits.Quantum)
	}
	return &Scheduler{cpus: cpus}
}

// CPU returns the CPU with the given id.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

// CPUCount reports how many CPUs the scheduler manages.
func (s *Scheduler) CPUCount() int { return len(s.cpus) }

// Enqueue places t at the tail of its priority queue on c and transitions
// it to Ready (spec 4.E). It reports whether t's priority is strictly
// higher than c's currently running task, in which case that task has
// already been moved to the tail of its own queue and the caller should
// invoke Pick immediately rather than waiting for the next quantum tick
// (the "priority respect" rule).
func (s *Scheduler) Enqueue(c *CPU, t *proc.Task) bool {
	t.Lock()
	t.Status = proc.StatusReady
	prio := t.Priority
	t.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[prio].pushBack(t)
	needResched := c.Current != nil && c.Current != c.Idle && prio < c.Current.Priority
	if needResched {
		c.requeueCurrentLocked()
	}
	return needResched
}

// Pick scans c's queues ascending (lower number = higher priority) and
// runs the first non-empty queue's head, or the idle task if all queues
// are empty (spec 4.E "Picking").
func (s *Scheduler) Pick(c *CPU) *proc.Task {
	c.mu.Lock()
	for priority, rq := range c.queues {
		if rq.empty() {
			continue
		}
		t := rq.popFront()
		c.Current = t
		c.quantumLeft = c.quantum[priority]
		c.mu.Unlock()

		t.Lock()
		t.Status = proc.StatusRunning
		t.Unlock()
		t.Accounting.Switched()
		return t
	}
	c.Current = c.Idle
	idle := c.Idle
	c.mu.Unlock()
	return idle
}

// Tick accounts elapsed CPU time against c's running task's quantum. If
// the quantum has expired, the current task is moved to the tail of its
// queue and a new task is picked (spec 4.E "Preemption"); switched
// reports whether a context switch is needed.
func (s *Scheduler) Tick(c *CPU, elapsedNS int64) (switched bool, next *proc.Task) {
	c.mu.Lock()
	if c.Current == nil || c.Current == c.Idle {
		c.mu.Unlock()
		return false, nil
	}
	c.Current.Accounting.AddUser(elapsedNS)
	c.quantumLeft -= time.Duration(elapsedNS)
	if c.quantumLeft > 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.requeueCurrentLocked()
	c.mu.Unlock()
	return true, s.Pick(c)
}

// Block removes t from c's ready queue (if present) and marks it Blocked
// (spec 4.E "Blocking"). Linking t into whatever wait set it is blocking
// on (a port's blocked-receiver slot, a page table's blocked-by-page set,
// a named-port descriptor's pending queue) is that module's own job.
func (s *Scheduler) Block(c *CPU, t *proc.Task) kerr.Err_t {
	t.Lock()
	if t.Status == proc.StatusBlocked {
		t.Unlock()
		return kerr.ERROR_ALREADY_BLOCKED
	}
	t.Status = proc.StatusBlocked
	t.Unlock()

	c.mu.Lock()
	if rq, ok := t.ParentQueue.(*readyQueue); ok {
		rq.erase(t)
	}
	if c.Current == t {
		c.Current = nil
	}
	c.mu.Unlock()
	return kerr.SUCCESS
}

// Unblock places t back on a ready queue chosen by its affinity mask and
// reports whether the target CPU needs an immediate reschedule (spec 4.E
// "Blocking": "place at tail of its priority queue; if higher priority
// than currently running on some CPU, send a reschedule IPI to that
// CPU" -- the IPI send itself is archshim's job, triggered by the caller
// acting on this return value).
func (s *Scheduler) Unblock(t *proc.Task) (*CPU, bool) {
	c := s.cpuForAffinity(t.Affinity)
	return c, s.Enqueue(c, t)
}

func (s *Scheduler) cpuForAffinity(mask uint64) *CPU {
	for _, c := range s.cpus {
		if mask == 0 || mask&(uint64(1)<<uint(c.ID)) != 0 {
			return c
		}
	}
	return s.cpus[0]
}

// Steal finds a non-pinned-priority task on some other CPU eligible (by
// affinity) to run on thief, removes it from the victim's queue, and
// returns it for the caller to Enqueue onto thief (spec 4.E "Affinity and
// migration"). Returns nil if no eligible task exists anywhere.
func (s *Scheduler) Steal(thief *CPU) *proc.Task {
	for _, victim := range s.cpus {
		if victim == thief {
			continue
		}
		victim.mu.Lock()
		for p := len(victim.queues) - 1; p >= kconfig.PinnedPriorityCeiling; p-- {
			rq := victim.queues[p]
			t := rq.tail
			if t != nil && affinityAllows(t.Affinity, thief.ID) {
				rq.erase(t)
				victim.mu.Unlock()
				return t
			}
		}
		victim.mu.Unlock()
	}
	return nil
}

func affinityAllows(mask uint64, cpuID int) bool {
	if mask == 0 {
		return true
	}
	return mask&(uint64(1)<<uint(cpuID)) != 0
}

// KillTask removes t from whatever ready queue it occupies, clears it as
// any CPU's current task, and tears it down via proc.Kill (spec 4.D/4.E
// kill).
func (s *Scheduler) KillTask(t *proc.Task, reg *proc.Registry, ports *ipc.Manager, vmm *vm.Manager) {
	if rq, ok := t.ParentQueue.(*readyQueue); ok {
		rq.cpu.mu.Lock()
		rq.erase(t)
		rq.cpu.mu.Unlock()
	}
	for _, c := range s.cpus {
		c.mu.Lock()
		if c.Current == t {
			c.Current = nil
		}
		c.mu.Unlock()
	}
	proc.Kill(t, reg, ports, vmm)
}
