package proc

import "sync/atomic"

// Accounting tracks per-task CPU time split between user and kernel
// execution, and how many times the task has been switched onto a CPU.
// Adapted from the teacher's per-task accounting counters.
type Accounting struct {
	userNS   int64
	sysNS    int64
	switches int64
}

// AddUser adds ns nanoseconds of user-mode execution time.
func (a *Accounting) AddUser(ns int64) { atomic.AddInt64(&a.userNS, ns) }

// AddSys adds ns nanoseconds of kernel-mode execution time.
func (a *Accounting) AddSys(ns int64) { atomic.AddInt64(&a.sysNS, ns) }

// Switched records one more context switch onto a CPU.
func (a *Accounting) Switched() { atomic.AddInt64(&a.switches, 1) }

// UserNS returns accumulated user-mode nanoseconds.
func (a *Accounting) UserNS() int64 { return atomic.LoadInt64(&a.userNS) }

// SysNS returns accumulated kernel-mode nanoseconds.
func (a *Accounting) SysNS() int64 { return atomic.LoadInt64(&a.sysNS) }

// Switches returns the number of times the task has been scheduled onto
// a CPU.
func (a *Accounting) Switches() int64 { return atomic.LoadInt64(&a.switches) }
