package archshim

import (
	"golang.org/x/sys/unix"

	"microkernel/sched"
)

// IPIKind selects which inter-processor interrupt a mailbox entry carries
// (spec 9's "reschedule" and "invalidate TLB" IPIs).
type IPIKind int

const (
	IPIReschedule IPIKind = iota
	IPIInvalidateTLB
)

// IPI is one mailbox entry; PTID/Start/Length are only meaningful for
// IPIInvalidateTLB.
type IPI struct {
	Kind         IPIKind
	PTID         uint64
	Start, Length uint64
}

// PerCPU is the simulated analogue of original's CPU_Info: the
// scheduler's per-CPU run queue set, plus an IPI mailbox and an affinity
// mask shaped like the one the real architecture layer would program
// into an APIC/IOMMU or sched_setaffinity(2) call.
type PerCPU struct {
	ID    int
	Sched *sched.CPU

	Mailbox chan IPI

	// Affinity mirrors the bit layout proc.Task.Affinity uses, but
	// expressed as a unix.CPUSet so archshim's boundary to the rest of
	// the kernel matches the shape a real affinity syscall would take.
	Affinity unix.CPUSet
}

const mailboxDepth = 64

func newPerCPU(id int, schedCPU *sched.CPU) *PerCPU {
	cpu := &PerCPU{ID: id, Sched: schedCPU, Mailbox: make(chan IPI, mailboxDepth)}
	cpu.Affinity.Zero()
	cpu.Affinity.Set(id)
	return cpu
}

// SendIPI posts msg to the CPU's mailbox without blocking; a full mailbox
// drops the IPI rather than stalling the sender, matching a real local
// APIC's fire-and-forget semantics.
func (cpu *PerCPU) SendIPI(msg IPI) bool {
	select {
	case cpu.Mailbox <- msg:
		return true
	default:
		return false
	}
}

// DrainMailbox removes and returns every pending IPI without blocking;
// a simulated interrupt-enabled CPU calls this at the top of its trap
// loop to service pending IPIs before returning to user mode.
func (cpu *PerCPU) DrainMailbox() []IPI {
	var out []IPI
	for {
		select {
		case msg := <-cpu.Mailbox:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// InvalidateRange implements vm.Invalidator: a page table mutation that
// may have stale translations cached on other CPUs posts an
// IPIInvalidateTLB to every CPU. Real hardware would restrict this to
// CPUs with the page table attached; this simulation broadcasts, trading
// a harmless redundant shootdown for not needing a PageTable-to-CPU-set
// index the rest of the kernel has no other use for.
func (sh *Shim) InvalidateRange(ptID uint64, start, length uint64) {
	for _, cpu := range sh.CPUs {
		cpu.SendIPI(IPI{Kind: IPIInvalidateTLB, PTID: ptID, Start: start, Length: length})
	}
}

// SendReschedule posts a reschedule IPI to the named CPU, the shim's
// stand-in for the interrupt a real Unblock on a remote CPU would raise
// to make it re-enter the scheduler promptly.
func (sh *Shim) SendReschedule(cpuID int) bool {
	return sh.CPUs[cpuID].SendIPI(IPI{Kind: IPIReschedule})
}
