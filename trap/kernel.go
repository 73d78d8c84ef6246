// Package trap implements the kernel's entry path: the interrupt
// dispatcher that every exception, IRQ, and syscall funnels through,
// the syscall table, and poll(). It is the
// component that ties the process table, scheduler, file layer, and
// signal machinery together — a trap is the only way anything enters
// the kernel.
package trap

import (
	"strings"
	"sync"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/fileio"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/internal/klog"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/sched"
)

// User-page layout. Addresses are offsets into the process's 4 MiB user
// page; the program image conventionally starts at userEntry, the heap
// break above it, and the stack grows down from the top of the page.
const (
	userEntry   = 0x00048000
	userBrkBase = 0x00100000
	userStack   = 4 * 1024 * 1024 // initial ESP; pushes go below
)

// Program stands in for a ring-3 program image: a closure driven
// through the Sys stub layer instead of machine code loaded from an
// ELF. The return value becomes the halt status.
type Program func(sys *Sys) int

// Config carries the boot-time collaborators the kernel is wired with.
type Config struct {
	Terminals []*fileio.Terminal
	RTC       *fileio.RTC
	FS        fileio.FileSystem
	Tracer    *klog.Tracer

	// RealtimeBase is the wall-clock origin in Unix nanoseconds; the
	// time() syscall reports RealtimeBase plus the monotonic clock, in
	// whole seconds.
	RealtimeBase int64
}

// Kernel is the assembled execution substrate. All mutable state is
// protected by sched.Big, held for the duration of every Dispatch.
type Kernel struct {
	Sched *sched.Scheduler
	Procs *proc.Table
	Reg   *fileio.Registry

	terminals []*fileio.Terminal
	termFg    []int // foreground process group per terminal
	rtc       *fileio.RTC
	fs        fileio.FileSystem
	tracer    *klog.Tracer
	rtBase    int64

	// Programs is the image "filesystem" exec draws from: command name
	// to program body. Registered at boot, before any process runs.
	Programs map[string]Program

	pendingExec map[int]Program // pid -> image staged by exec()

	irq [16]func(frame *arch.TrapFrame)

	// Socket plumbing. peers pairs each socket
	// file with its loopback counterpart; ports maps a bound port to
	// its listening state.
	peers    map[*fileio.File]*fileio.File
	ports    map[int]*listenState
	portOf   map[*fileio.File]int
	remoteOf map[*fileio.File]int
}

// idlePCB is the always-present idle process. It never
// sleeps or runs user code; it exists so the scheduler has a defined
// answer for an empty run queue.
type idlePCB struct {
	runnable bool
	cond     *sync.Cond
}

func newIdle() *idlePCB {
	return &idlePCB{runnable: true, cond: sync.NewCond(&sched.Big)}
}

func (i *idlePCB) PID() int         { return 0 }
func (i *idlePCB) Cond() *sync.Cond { return i.cond }
func (i *idlePCB) SetRunnable()     { i.runnable = true }
func (i *idlePCB) SetSleeping()     { i.runnable = false }
func (i *idlePCB) IsRunnable() bool { return i.runnable }

// New assembles a kernel from its boot collaborators and registers the
// default device set.
func New(cfg Config) *Kernel {
	k := &Kernel{
		Procs:       proc.NewTable(),
		Reg:         fileio.NewRegistry(),
		terminals:   cfg.Terminals,
		termFg:      make([]int, len(cfg.Terminals)),
		rtc:         cfg.RTC,
		fs:          cfg.FS,
		tracer:      cfg.Tracer,
		rtBase:      cfg.RealtimeBase,
		Programs:    make(map[string]Program),
		pendingExec: make(map[int]Program),
		peers:       make(map[*fileio.File]*fileio.File),
		ports:       make(map[int]*listenState),
	}
	k.Sched = sched.New(newIdle())
	if cfg.RTC != nil {
		k.Reg.RegisterDefaults(cfg.RTC)
	}
	for i := range k.termFg {
		k.termFg[i] = -1
	}
	return k
}

// attach binds f's blocking hooks to the process currently invoking an
// operation on it — the moral equivalent of get_executing_pcb() inside
// a driver. Called on every syscall entry that hands f to a vtable op,
// so a file shared across fork always blocks the caller, not whichever
// process happened to touch it first.
func (k *Kernel) attach(p *proc.PCB, f *fileio.File) {
	f.Owner = p
	f.Sleep = func() { k.Sched.Sleep(p) }
	f.HasPending = func() bool { return p.Sigs.HasPending() }
	f.RaiseSelf = func(signum int) { p.Sigs.Raise(signum) }
}

// newFrame builds the clean user-mode interrupt frame a fresh process
// image starts from.
func newFrame() arch.TrapFrame {
	return arch.TrapFrame{
		Eip:    userEntry,
		Esp:    userStack,
		Eflags: arch.EflagsIF,
		CS:     arch.UserCS,
		DS:     arch.UserDS,
	}
}

// splitCommand parses "<prog> <args...>" into the program name and the
// argument string stored in the PCB.
func splitCommand(command string) (prog, args string) {
	command = strings.TrimSpace(command)
	prog, args, _ = strings.Cut(command, " ")
	return prog, strings.TrimSpace(args)
}

// spawnLocked allocates and initializes a PCB running the named
// program: terminal stdin/stdout on fd 0/1, a clean frame, args from
// the command tail. Returns nil if the command names no registered
// program or the table is full. Big must be held.
func (k *Kernel) spawnLocked(parentPID, terminal, group int, command string) (*proc.PCB, Program) {
	name, args := splitCommand(command)
	prog, ok := k.Programs[name]
	if !ok {
		return nil, nil
	}
	if len(args) >= kconst.MaxArgsLen {
		return nil, nil
	}
	p := k.Procs.Alloc(parentPID, terminal, group, k.Sched)
	if p == nil {
		return nil, nil
	}
	p.Args = args
	p.Regs = newFrame()
	p.Mem.BrkBase = userBrkBase
	p.Mem.BrkCurrent = userBrkBase
	if !k.bindStdio(p) {
		k.Procs.Free(p.PID())
		return nil, nil
	}
	k.Sched.Add(p)
	return p, prog
}

// bindStdio opens the process's terminal as fd 0 (read) and fd 1
// (write).
func (k *Kernel) bindStdio(p *proc.PCB) bool {
	if p.Terminal() < 0 || p.Terminal() >= len(k.terminals) {
		return false
	}
	term := k.terminals[p.Terminal()]
	stdin := fileio.NewFile(term.Ops(), kconst.OpenRead)
	stdout := fileio.NewFile(term.Ops(), kconst.OpenWrite)
	ok := p.Files.Bind(0, stdin) == 0 && p.Files.Bind(1, stdout) == 1
	stdin.Release()
	stdout.Release()
	return ok
}

// StartInit spawns the first process on terminal 0 with no parent and
// its own fresh process group, and starts its program goroutine.
func (k *Kernel) StartInit(command string) *proc.PCB {
	sched.Big.Lock()
	p, prog := k.spawnLocked(-1, 0, -1, command)
	if p != nil {
		p.SetGroup(p.PID())
		k.termFg[0] = p.PID()
	}
	sched.Big.Unlock()
	if p == nil {
		return nil
	}
	k.Run(p, prog)
	return p
}

// doHalt implements halt(): mark ZOMBIE with the exit code, close all
// descriptors, cancel timers, and wake the parent's child-exit queue.
// Big must be held. The caller's goroutine must not
// run user code afterwards; the Sys layer enforces that.
func (k *Kernel) doHalt(p *proc.PCB, status int) {
	if p.State() == kconst.ProcZombie {
		return
	}
	p.Files.CloseAll()
	if p.AlarmTimer != nil {
		k.Sched.CancelTimer(p.AlarmTimer)
		p.AlarmTimer = nil
	}
	if p.SleepTimer != nil {
		k.Sched.CancelTimer(p.SleepTimer)
		p.SleepTimer = nil
	}
	k.Procs.Exit(p, status)
	k.tracer.TraceSched("halt", p.PID())
}

// Interrupt delivers Ctrl-C to the foreground process group of the
// given terminal,
// standing in for the keyboard IRQ handler this core's scope excludes.
func (k *Kernel) Interrupt(terminal int) {
	sched.Big.Lock()
	defer sched.Big.Unlock()
	if terminal < 0 || terminal >= len(k.termFg) {
		return
	}
	fg := k.termFg[terminal]
	if fg < 0 {
		return
	}
	k.Procs.Each(func(p *proc.PCB) {
		if p.Group() == fg && p.State() != kconst.ProcZombie {
			p.Sigs.Raise(kconst.SigInterrupt)
			p.MarkRunnable()
		}
	})
}

// raiseLocked sets signum pending on pid from outside any process context (a
// device ISR, a test) and wakes the target so interruptible waits
// observe it. Big must be held.
func (k *Kernel) raiseLocked(pid, signum int) int {
	target := k.Procs.Get(pid)
	if target == nil || target.State() == kconst.ProcZombie {
		return kconst.ErrGeneric
	}
	target.Sigs.Raise(signum)
	target.MarkRunnable()
	k.tracer.TraceSignal(pid, signum, "raise")
	return 0
}

// nowLocked returns the kernel's monotonic clock. Big must be held.
func (k *Kernel) nowLocked() int64 { return k.Sched.Now() }
