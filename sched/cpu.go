package sched

import (
	"sync"
	"time"

	"microkernel/proc"
)

// CPU is one logical processor's scheduling state: its N priority-FIFO
// ready queues, the task currently running, the idle task that runs when
// every queue is empty, and the remaining quantum for Current (spec 4.E).
type CPU struct {
	ID int

	mu      sync.Mutex
	queues  []*readyQueue
	Current *proc.Task
	Idle    *proc.Task

	quantum     []time.Duration
	quantumLeft time.Duration
}

func newCPU(id int, levels int, quantum []time.Duration) *CPU {
	c := &CPU{ID: id, queues: make([]*readyQueue, levels), quantum: quantum}
	for i := range c.queues {
		c.queues[i] = &readyQueue{cpu: c, priority: i}
	}
	return c
}

// SetIdle installs the task that runs when every ready queue is empty.
func (c *CPU) SetIdle(idle *proc.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Idle = idle
}

// Levels reports the number of priority queues.
func (c *CPU) Levels() int { return len(c.queues) }

// QueueDepth reports how many tasks are ready at the given priority, used
// by klog diagnostics and tests.
func (c *CPU) QueueDepth(priority int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for t := c.queues[priority].head; t != nil; t = t.QueueNext {
		n++
	}
	return n
}

// requeueCurrentLocked moves c.Current to the tail of its own priority
// queue and clears Current. Must be called with c.mu held.
func (c *CPU) requeueCurrentLocked() {
	if c.Current == nil || c.Current == c.Idle {
		c.Current = nil
		return
	}
	cur := c.Current
	cur.Status = proc.StatusReady
	c.queues[cur.Priority].pushBack(cur)
	c.Current = nil
}
