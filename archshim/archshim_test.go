package archshim

import (
	"testing"

	"microkernel/kconfig"
	"microkernel/proc"
	"microkernel/sched"
)

func newHarness(t *testing.T, ncpus int) (*sched.Scheduler, *Shim) {
	t.Helper()
	lim := kconfig.MkLimits()
	s := sched.NewScheduler(ncpus, lim)
	return s, New(s)
}

func TestDispatchRoutesToInstalledHandler(t *testing.T) {
	s, sh := newHarness(t, 1)
	reg := proc.NewRegistry()
	task := reg.CreateTask(proc.KindNormal)
	s.Enqueue(s.CPU(0), task)
	s.Pick(s.CPU(0))

	called := false
	sh.SetExceptionHandler(VectorPageFault, func(cpu *PerCPU, tk *proc.Task, errCode uint64) bool {
		called = true
		if tk.ID != task.ID {
			t.Fatalf("handler got task %d, want %d", tk.ID, task.ID)
		}
		if errCode != 0xBEEF {
			t.Fatalf("errCode = %#x, want 0xBEEF", errCode)
		}
		return true
	})

	ok := sh.Dispatch(0, VectorPageFault, 0xBEEF)
	if !ok || !called {
		t.Fatal("expected Dispatch to invoke the installed handler and report true")
	}
}

func TestDispatchUnknownVectorReportsFalse(t *testing.T) {
	s, sh := newHarness(t, 1)
	reg := proc.NewRegistry()
	task := reg.CreateTask(proc.KindNormal)
	s.Enqueue(s.CPU(0), task)
	s.Pick(s.CPU(0))

	if sh.Dispatch(0, VectorDoubleFault, 0) {
		t.Fatal("expected false for a vector with no installed handler")
	}
}

func TestDispatchWithNoCurrentTaskReportsFalse(t *testing.T) {
	_, sh := newHarness(t, 1)
	sh.SetExceptionHandler(VectorGeneralProtection, func(*PerCPU, *proc.Task, uint64) bool { return true })
	if sh.Dispatch(0, VectorGeneralProtection, 0) {
		t.Fatal("expected false when the CPU has no current task")
	}
}

func TestEnterKernelAndReturnToUserCreditAccounting(t *testing.T) {
	s, sh := newHarness(t, 1)
	reg := proc.NewRegistry()
	task := reg.CreateTask(proc.KindNormal)
	s.Enqueue(s.CPU(0), task)
	s.Pick(s.CPU(0))

	sh.EnterKernel(sh.CPUs[0], 1000)
	sh.ReturnToUser(sh.CPUs[0], 2000)

	if task.Accounting.UserNS() != 1000 {
		t.Fatalf("UserNS = %d, want 1000", task.Accounting.UserNS())
	}
	if task.Accounting.SysNS() != 2000 {
		t.Fatalf("SysNS = %d, want 2000", task.Accounting.SysNS())
	}
}

func TestSwitchStackSetsSP(t *testing.T) {
	reg := proc.NewRegistry()
	task := reg.CreateTask(proc.KindNormal)
	_, sh := newHarness(t, 1)
	sh.SwitchStack(task, 0x7fff0000)
	if task.Regs.SP != 0x7fff0000 {
		t.Fatalf("SP = %#x, want 0x7fff0000", task.Regs.SP)
	}
}

func TestReadCPULocalReturnsOwnID(t *testing.T) {
	_, sh := newHarness(t, 3)
	for i, cpu := range sh.CPUs {
		if cpu.ReadCPULocal() != i {
			t.Fatalf("CPU %d ReadCPULocal() = %d", i, cpu.ReadCPULocal())
		}
	}
}

func TestInvalidateRangeBroadcastsToAllCPUs(t *testing.T) {
	_, sh := newHarness(t, 3)
	sh.InvalidateRange(42, 0x1000, 0x2000)
	for i, cpu := range sh.CPUs {
		msgs := cpu.DrainMailbox()
		if len(msgs) != 1 {
			t.Fatalf("CPU %d got %d IPIs, want 1", i, len(msgs))
		}
		if msgs[0].Kind != IPIInvalidateTLB || msgs[0].PTID != 42 {
			t.Fatalf("CPU %d got unexpected IPI %+v", i, msgs[0])
		}
	}
}

func TestSendRescheduleAndDrainMailbox(t *testing.T) {
	_, sh := newHarness(t, 2)
	if !sh.SendReschedule(1) {
		t.Fatal("SendReschedule should succeed on an empty mailbox")
	}
	msgs := sh.CPUs[1].DrainMailbox()
	if len(msgs) != 1 || msgs[0].Kind != IPIReschedule {
		t.Fatalf("expected one reschedule IPI, got %+v", msgs)
	}
	if more := sh.CPUs[1].DrainMailbox(); len(more) != 0 {
		t.Fatal("mailbox should be empty after draining")
	}
}

func TestMailboxDropsWhenFull(t *testing.T) {
	_, sh := newHarness(t, 1)
	cpu := sh.CPUs[0]
	sent := 0
	for i := 0; i < mailboxDepth+10; i++ {
		if cpu.SendIPI(IPI{Kind: IPIReschedule}) {
			sent++
		}
	}
	if sent != mailboxDepth {
		t.Fatalf("sent = %d, want mailbox capacity %d", sent, mailboxDepth)
	}
}

func TestDecodeFaultingInstructionReportsLength(t *testing.T) {
	// NOP (0x90) is a single-byte instruction under any calling convention.
	length, ok := DecodeFaultingInstruction([]byte{0x90, 0x90, 0x90})
	if !ok {
		t.Fatal("expected a valid decode for NOP")
	}
	if length != 1 {
		t.Fatalf("length = %d, want 1", length)
	}
}

func TestDecodeFaultingInstructionRejectsGarbage(t *testing.T) {
	if _, ok := DecodeFaultingInstruction(nil); ok {
		t.Fatal("expected decode failure on empty input")
	}
}
