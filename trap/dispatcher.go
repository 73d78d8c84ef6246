package trap

import (
	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/internal/klog"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/sched"
	"github.com/behrlich/minikernel/signal"
)

// Interrupt vector layout.
const (
	VecDivZero   = 0
	VecPageFault = 14
	numException = 20

	VecIRQBase = 0x20
	VecIRQPIT  = 0x20
	numIRQ     = 16

	VecSyscall = 0x80
)

// RegisterIRQHandler installs fn for IRQ line irq (0..15), replacing
// any previous handler. IRQ 0 is reserved for the scheduler tick and
// cannot be overridden.
func (k *Kernel) RegisterIRQHandler(irq int, fn func(frame *arch.TrapFrame)) {
	if irq <= 0 || irq >= numIRQ {
		return
	}
	sched.Big.Lock()
	k.irq[irq] = fn
	sched.Big.Unlock()
}

// Dispatch is the common entry point invoked by the interrupt thunk
// with the saved register frame: it classifies the
// vector, runs the handler, and — when the interrupted context was
// user mode — runs the signal-delivery pass before "IRET". p is the
// process whose context was interrupted (the syscall caller, or
// whatever the simulated CPU was running when the IRQ fired).
//
// Big is acquired for the duration, standing in for the hardware's
// interrupts-disabled entry state. A Go panic escaping a handler is
// the kernel-invariant-violation path: it is logged and
// re-raised, this model's rendering of "render a message and halt".
func (k *Kernel) Dispatch(p *proc.PCB, frame *arch.TrapFrame) {
	sched.Big.Lock()
	defer sched.Big.Unlock()
	defer func() {
		if r := recover(); r != nil {
			klog.Debugf("panic: vector=%#x pid=%d: %v", frame.TrapNo, pidOf(p), r)
			panic(r)
		}
	}()

	switch {
	case frame.TrapNo >= 0 && frame.TrapNo < numException:
		k.handleException(p, frame)
	case frame.TrapNo >= VecIRQBase && frame.TrapNo < VecIRQBase+numIRQ:
		k.handleIRQ(p, frame)
	case frame.TrapNo == VecSyscall:
		k.handleSyscall(p, frame)
	default:
		panic("trap: dispatch on unpopulated vector")
	}

	if frame.IsUserMode() && p != nil {
		k.deliverSignals(p, frame)
	}
}

func pidOf(p *proc.PCB) int {
	if p == nil {
		return -1
	}
	return p.PID()
}

// handleException implements the exception rows of the dispatch table:
// divide-by-zero and page-fault become signals on the current process;
// any other exception is a kernel invariant violation.
func (k *Kernel) handleException(p *proc.PCB, frame *arch.TrapFrame) {
	k.tracer.TraceTrap(pidOf(p), frame.TrapNo, "exception")
	switch frame.TrapNo {
	case VecDivZero:
		p.Sigs.Raise(kconst.SigDivZero)
	case VecPageFault:
		p.Sigs.Raise(kconst.SigSegfault)
	default:
		panic("trap: unhandled exception")
	}
}

// handleIRQ acknowledges the line and runs its handler; unknown IRQs
// are acknowledged and ignored. IRQ 0 is the PIT: the
// scheduler tick.
func (k *Kernel) handleIRQ(p *proc.PCB, frame *arch.TrapFrame) {
	irq := frame.TrapNo - VecIRQBase
	k.tracer.TraceTrap(pidOf(p), frame.TrapNo, "irq")
	if frame.TrapNo == VecIRQPIT {
		k.Sched.Tick(int64(kconst.PITPeriod), frame.IsUserMode(), schedPCB(p))
		return
	}
	if fn := k.irq[irq]; fn != nil {
		fn(frame)
	}
}

func schedPCB(p *proc.PCB) sched.PCB {
	if p == nil {
		return nil
	}
	return p
}

// TickPIT synthesizes one PIT interrupt against p's context, the way
// cmd/kernel's boot loop (or a test) drives time forward. userMode
// selects whether the tick preempts.
func (k *Kernel) TickPIT(p *proc.PCB, userMode bool) {
	frame := arch.TrapFrame{TrapNo: VecIRQPIT, CS: arch.KernelCS}
	if userMode {
		frame.CS = arch.UserCS
	}
	k.Dispatch(p, &frame)
}

// TickRTC synthesizes one RTC hardware interrupt: advance the shared
// tick source and wake blocked virtual-frequency readers.
func (k *Kernel) TickRTC() {
	sched.Big.Lock()
	k.rtc.Tick(int64(1e9) / int64(kconst.MaxRTCFreqHz))
	sched.Big.Unlock()
}

// deliverSignals runs the delivery pass against the
// interrupt-return frame, exactly once per return to user mode.
// A kill outcome halts the process in place.
func (k *Kernel) deliverSignals(p *proc.PCB, frame *arch.TrapFrame) {
	if p.State() == kconst.ProcZombie {
		return
	}
	out := signal.Deliver(p.Sigs, frame, p.Mem)
	switch {
	case out.Killed:
		k.tracer.TraceSignal(p.PID(), -1, "kill")
		k.doHalt(p, out.ExitCode)
	case out.Detoured:
		k.tracer.TraceSignal(p.PID(), -1, "detour")
	}
}
