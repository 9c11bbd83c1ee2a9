// Command kernel is the boot entry point: it brings up every subsystem
// in dependency order, starts each simulated CPU's idle loop in
// parallel, builds the syscall dispatcher over them, and returns once
// bring-up is complete.
//
// Grounded on gopher-os-gopher-os/kernel/kmain's single sequential
// Kmain entry point calling each subsystem's Init in turn -- the pack's
// other from-scratch Go kernel, since the teacher's own retrieved slice
// carries no runnable main package of its own.
package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"microkernel/archshim"
	"microkernel/intr"
	"microkernel/ipc"
	"microkernel/kconfig"
	"microkernel/kerr"
	"microkernel/klog"
	"microkernel/mem"
	"microkernel/namedport"
	"microkernel/proc"
	"microkernel/scall"
	"microkernel/sched"
	"microkernel/taskgroup"
	"microkernel/vm"
)

// Kernel owns every subsystem manager this build wires together, plus
// the syscall dispatcher that sits on top of all of them.
type Kernel struct {
	Alloc      *mem.Allocator
	VM         *vm.Manager
	Registry   *proc.Registry
	Sched      *sched.Scheduler
	Ports      *ipc.Manager
	Names      *namedport.Manager
	Groups     *taskgroup.Manager
	Intr       *intr.Router
	Arch       *archshim.Shim
	Dispatcher *scall.Dispatcher

	Idle []*proc.Task
}

// Boot brings up the kernel in the dependency order spec 9 describes:
// base allocator, then VMM, then the task/scheduler/messaging layer,
// then the architecture shim, then the syscall surface tying everything
// together.
func Boot(boot kconfig.BootInfo, lim *kconfig.Limits) (*Kernel, error) {
	alloc, err := mem.New(boot, frameCountFor(boot))
	if err != nil {
		return nil, err
	}

	vmm := vm.NewManager(alloc)
	reg := proc.NewRegistry()
	s := sched.NewScheduler(lim.CPUCount, lim)
	ports := ipc.NewManager()
	names := namedport.NewManager()
	groups := taskgroup.NewManager(ports)
	reg.OnKill(groups.RemoveTaskEverywhere)
	ir := intr.NewRouter()
	arch := archshim.New(s)
	vmm.Inval = arch
	ir.SetEOI(func() {})

	d := scall.NewDispatcher(reg, s, vmm, ports, names, groups, ir, arch, lim)

	k := &Kernel{
		Alloc: alloc, VM: vmm, Registry: reg, Sched: s, Ports: ports,
		Names: names, Groups: groups, Intr: ir, Arch: arch, Dispatcher: d,
		Idle: make([]*proc.Task, lim.CPUCount),
	}

	for i := 0; i < lim.CPUCount; i++ {
		idle := reg.CreateTask(proc.KindIdle)
		if _, err := proc.AttachPageTable(idle, proc.AttachNew, vmm, nil); err != kerr.SUCCESS {
			return nil, fmt.Errorf("attach idle page table: %v", err)
		}
		if err := proc.Init(idle); err != kerr.SUCCESS {
			return nil, fmt.Errorf("init idle task: %v", err)
		}
		s.CPU(i).SetIdle(idle)
		k.Idle[i] = idle
	}

	return k, nil
}

// BringUpCPUs starts every CPU's bring-up routine concurrently and waits
// for all of them to reach their idle loop, mirroring the teacher's
// single sequential Kmain but fanned out per-CPU the way a real SMP boot
// brings up application processors in parallel.
func (k *Kernel) BringUpCPUs(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for i := range k.Arch.CPUs {
		i := i
		g.Go(func() error {
			cpu := k.Sched.CPU(i)
			picked := k.Sched.Pick(cpu)
			if picked != k.Idle[i] {
				klog.Printf("cpu %d: unexpected initial task %d, want idle %d", i, picked.ID, k.Idle[i].ID)
			}
			return nil
		})
	}
	return g.Wait()
}

func frameCountFor(boot kconfig.BootInfo) uint64 {
	var total uint64
	for _, r := range boot.Usable {
		total += r.NFrames
	}
	if total == 0 {
		total = 4096
	}
	return total
}

func main() {
	lim := kconfig.MkLimits()
	lim.CPUCount = 1

	k, err := Boot(kconfig.BootInfo{PageSize: mem.PGSIZE, TotalCPUs: lim.CPUCount}, lim)
	if err != nil {
		klog.Printf("boot failed: %v", err)
		os.Exit(1)
	}

	if err := k.BringUpCPUs(context.Background()); err != nil {
		klog.Printf("CPU bring-up failed: %v", err)
		os.Exit(1)
	}

	klog.Printf("kernel booted: %d CPU(s), %d frames free", k.Sched.CPUCount(), k.Alloc.FreeCount())
}
