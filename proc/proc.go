// Package proc implements the process control block and the
// fixed-capacity process table: the arena every other kernel
// collaborator addresses a process through, never by a raw pointer
// held across a blocking call.
package proc

import (
	"sync"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/fileio"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/sched"
	"github.com/behrlich/minikernel/signal"
	"github.com/behrlich/minikernel/usermem"
	"github.com/behrlich/minikernel/waitqueue"
)

// Handle is an indirect, redeemable reference to a process: its PID.
// Collaborators that need to refer to a process across a blocking call
// (e.g. a parent waiting on a child) store a Handle and redeem it
// through Table.Get rather than holding a *PCB, so a process that
// exits and is reaped in the meantime is observed as "gone" rather
// than accessed after reuse.
type Handle struct{ PID int }

// PCB is one process control block. All fields
// are only ever touched with sched.Big held.
type PCB struct {
	pid       int
	state     kconst.ProcState
	parentPID int
	group     int
	terminal  int

	Regs   arch.TrapFrame
	Mem    *usermem.UserMem
	Files  *fileio.Table
	Sigs   *signal.Table
	Args   string
	ExitCode int

	Vidmap bool
	Fbmap  bool
	Compat bool

	AlarmTimer *sched.Timer
	SleepTimer *sched.Timer

	cond  *sync.Cond
	sched *sched.Scheduler

	// ChildExit is the queue a parent blocks on inside wait(); Exit
	// wakes it on the parent PCB when this process becomes a zombie.
	ChildExit *waitqueue.Queue
}

// MarkRunnable satisfies waitqueue.Waiter: delegating to the
// scheduler's own Wake keeps "runnable in the run queue" and "runnable
// per IsRunnable()" from drifting apart (a waitqueue.Queue.Wake only
// ever calls this, never sched.Wake directly, since a blocked process
// is never separately tracked in both places).
func (p *PCB) MarkRunnable() { p.sched.Wake(p) }

// PID returns the process's identifier. Part of sched.PCB / fileio
// consumer contracts.
func (p *PCB) PID() int { return p.pid }

// Cond returns the condition variable Sleep/Wake block and signal on.
func (p *PCB) Cond() *sync.Cond { return p.cond }

// SetRunnable marks the process RUNNING (sched.PCB contract).
func (p *PCB) SetRunnable() { p.state = kconst.ProcRunning }

// SetSleeping marks the process SLEEPING (sched.PCB contract).
func (p *PCB) SetSleeping() { p.state = kconst.ProcSleeping }

// IsRunnable reports whether the process is RUNNING (sched.PCB
// contract; ZOMBIE and SLEEPING both report false).
func (p *PCB) IsRunnable() bool { return p.state == kconst.ProcRunning }

// State returns the process's current execution state.
func (p *PCB) State() kconst.ProcState { return p.state }

// ParentPID returns the PID of the process that created this one, or
// a negative number if there is none.
func (p *PCB) ParentPID() int { return p.parentPID }

// Group returns the process's group ID.
func (p *PCB) Group() int { return p.group }

// SetGroup sets the process's group ID (setpgrp).
func (p *PCB) SetGroup(g int) { p.group = g }

// Terminal returns which terminal the process runs on, inherited from
// its parent at creation.
func (p *PCB) Terminal() int { return p.terminal }

// Table is the fixed-capacity process arena: a small, fixed number of
// process slots, referenced externally only by PID and redeemed
// through a table lookup.
type Table struct {
	mu    sync.Mutex // guards slot allocation only; field mutation is under sched.Big
	slots [kconst.MaxProcs]*PCB
	next  int
}

// NewTable returns an empty process table.
func NewTable() *Table { return &Table{} }

// Alloc reserves a free slot and returns a freshly initialized PCB
// with pid, parentPID, terminal, and group set, bound to scheduler s
// for the Sleep/Wake calls its blocking syscalls will need. Returns
// nil if the table is full.
func (t *Table) Alloc(parentPID, terminal, group int, s *sched.Scheduler) *PCB {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < kconst.MaxProcs; i++ {
		idx := (t.next + i) % kconst.MaxProcs
		if t.slots[idx] == nil {
			p := &PCB{
				pid:       idx + 1, // PIDs are 1-based; 0 is never valid
				state:     kconst.ProcNew,
				parentPID: parentPID,
				terminal:  terminal,
				group:     group,
				Mem:       usermem.NewUserMem(0),
				Files:     fileio.NewTable(),
				Sigs:      signal.NewTable(),
				sched:     s,
				ChildExit: waitqueue.New(),
			}
			p.cond = sync.NewCond(&sched.Big)
			t.slots[idx] = p
			t.next = (idx + 1) % kconst.MaxProcs
			return p
		}
	}
	return nil
}

// Get redeems a PID into the live *PCB, or nil if no process with
// that PID currently occupies the table — the only sanctioned way to
// turn a long-lived reference into a usable pointer.
func (t *Table) Get(pid int) *PCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pid < 1 || pid > kconst.MaxProcs {
		return nil
	}
	p := t.slots[pid-1]
	if p == nil || p.pid != pid {
		return nil
	}
	return p
}

// Lookup redeems a Handle, returning nil if the process it referred to
// has since exited and been reaped.
func (t *Table) Lookup(h Handle) *PCB {
	return t.Get(h.PID)
}

// Free removes pid's slot once it has been reaped by wait(), returning
// the slot to the free pool.
func (t *Table) Free(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pid < 1 || pid > kconst.MaxProcs {
		return
	}
	t.slots[pid-1] = nil
}

// Each calls fn for every live PCB in the table, in slot order,
// the iterator wait() and kill() scans are built on.
func (t *Table) Each(fn func(*PCB)) {
	t.mu.Lock()
	snapshot := make([]*PCB, 0, kconst.MaxProcs)
	for _, p := range t.slots {
		if p != nil {
			snapshot = append(snapshot, p)
		}
	}
	t.mu.Unlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// Children returns every live process whose parent is parentPID, in
// slot order, for wait()'s scan.
func (t *Table) Children(parentPID int) []*PCB {
	var kids []*PCB
	t.Each(func(p *PCB) {
		if p.parentPID == parentPID {
			kids = append(kids, p)
		}
	})
	return kids
}

// Exit transitions p to ZOMBIE with the given exit code, drops it from
// the run queue, and wakes the parent's ChildExit queue. A zombie
// stays in the table (so its exit code is observable) until its
// parent reaps it with wait().
func (t *Table) Exit(p *PCB, exitCode int) {
	p.state = kconst.ProcZombie
	p.ExitCode = exitCode
	p.sched.Remove(p)
	if parent := t.Get(p.parentPID); parent != nil {
		parent.ChildExit.Wake()
	}
}

// HasZombieChild reports whether caller has at least one zombie child,
// without reaping it — used by the wait() syscall's WAIT() predicate.
func (t *Table) HasZombieChild(caller *PCB) bool {
	for _, kid := range t.Children(caller.pid) {
		if kid.state == kconst.ProcZombie {
			return true
		}
	}
	return false
}

// ReapZombie reaps and frees the first zombie child of caller (slot
// order), freeing its table slot and returning its PID and exit code.
// ok is false if caller has no zombie child right now. This is trap's
// wait() syscall's WAIT() expr callback.
func (t *Table) ReapZombie(caller *PCB) (pid, exitCode int, ok bool) {
	for _, kid := range t.Children(caller.pid) {
		if kid.state == kconst.ProcZombie {
			pid, exitCode = kid.pid, kid.ExitCode
			t.Free(kid.pid)
			return pid, exitCode, true
		}
	}
	return 0, 0, false
}
