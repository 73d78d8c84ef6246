// Package sched implements the round-robin, cooperative scheduler of
// a run queue of runnable processes, a timer-driven sleep
// set, and a single "big lock" that stands in for the uniprocessor's
// "interrupts disabled" critical-section discipline.
//
// Go has no spare register file for a literal context switch, so a
// "process" here is realized as whatever goroutine is currently calling
// into the kernel (a syscall, an IRQ, a timer callback); Sleep cedes
// control by blocking that goroutine on a sync.Cond bound to Big, and
// Wake resumes it by broadcasting. Big being held for the duration of
// every kernel entry point gives uniprocessor exclusion, mechanically
// checkable with `go test -race`.
package sched

import (
	"container/heap"
	"sync"
)

// Big is the kernel's single "interrupts disabled" lock: every trap
// dispatch, IRQ handler, and timer callback holds it for the duration
// of its work, exactly one at a time: kernel code can assume exclusive
// access to any kernel data structure while it holds Big.
var Big sync.Mutex

// PCB is the minimal view of a process the scheduler needs. proc.PCB
// satisfies this; the scheduler never reaches into process-table or
// file-layer internals.
type PCB interface {
	PID() int
	Cond() *sync.Cond
	SetRunnable()
	SetSleeping()
	IsRunnable() bool
}

// Timer fires Callback at Deadline (nanoseconds on the Scheduler's
// clock). Callbacks run with Big held and must only wake or raise,
// never sleep.
type Timer struct {
	Deadline int64
	Callback func()
	index    int // heap bookkeeping
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].Deadline < h[j].Deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler holds the run queue and the timer set. All methods assume
// Big is held by the caller.
type Scheduler struct {
	run     []PCB
	timers  timerHeap
	idle    PCB
	nowNano int64
}

// New creates a scheduler whose idle PCB is idle: the always-present
// process selected when the run queue is empty.
func New(idle PCB) *Scheduler {
	s := &Scheduler{idle: idle}
	heap.Init(&s.timers)
	return s
}

// Add inserts pcb at the run-queue tail and marks it RUNNING.
func (s *Scheduler) Add(pcb PCB) {
	pcb.SetRunnable()
	s.run = append(s.run, pcb)
}

// Remove unlinks pcb from the run queue. The caller is responsible for
// setting pcb's new state.
func (s *Scheduler) Remove(pcb PCB) {
	for i, p := range s.run {
		if p.PID() == pcb.PID() {
			s.run = append(s.run[:i], s.run[i+1:]...)
			return
		}
	}
}

// Sleep moves the calling PCB to SLEEPING and blocks its goroutine on
// pcb's condition variable until Wake marks it runnable again.
// Big must be held on entry; it is
// transparently released for the duration of the wait by sync.Cond
// and re-acquired before Sleep returns.
func (s *Scheduler) Sleep(pcb PCB) {
	s.Remove(pcb)
	pcb.SetSleeping()
	for !pcb.IsRunnable() {
		pcb.Cond().Wait()
	}
}

// AddTimer arms t, firing its callback on the first Tick at or past
// t.Deadline. Used directly by alarm-style timers whose callback
// raises a signal rather than waking a sleeper.
func (s *Scheduler) AddTimer(t *Timer) {
	heap.Push(&s.timers, t)
}

// SleepUntil arms a one-shot timer at deadlineNano that wakes pcb, then
// sleeps. Returns the armed Timer so the
// caller can cancel it if woken by something else first (e.g. a pipe
// becoming readable before a poll timeout elapses).
func (s *Scheduler) SleepUntil(pcb PCB, deadlineNano int64) *Timer {
	t := &Timer{Deadline: deadlineNano, Callback: func() { s.Wake(pcb) }}
	heap.Push(&s.timers, t)
	s.Sleep(pcb)
	return t
}

// CancelTimer removes t from the timer set if still pending. No-op if
// it already fired.
func (s *Scheduler) CancelTimer(t *Timer) {
	for i, other := range s.timers {
		if other == t {
			heap.Remove(&s.timers, i)
			return
		}
	}
}

// Wake marks pcb runnable and moves it to the run-queue tail; safe to
// call from a timer callback or another process's syscall path.
// Idempotent: waking an already-runnable PCB is a no-op beyond the
// broadcast.
func (s *Scheduler) Wake(pcb PCB) {
	if !pcb.IsRunnable() {
		s.Add(pcb)
	}
	pcb.Cond().Broadcast()
}

// Yield moves the current PCB to the run-queue tail, equivalent to the
// PIT-tick reschedule. In this model there is no
// separate "next" goroutine to switch to — the caller's goroutine
// keeps running — so Yield only updates run-queue bookkeeping (Tick
// fires due timers before calling it); it is still the preemption point
// structurally, even though no compute is actually interrupted
// (every suspension point in this kernel is an explicit syscall, never
// a mid-instruction trap, so there is nothing else to preempt).
func (s *Scheduler) Yield(pcb PCB) {
	s.Remove(pcb)
	s.Add(pcb)
}

// Tick advances the scheduler's monotonic clock by durNano and fires
// any timers now due, in PIT order: (a) advance
// clock, (b) fire due timers, (c) yield if userMode. Timer callbacks
// run synchronously with Big held, and must only wake/raise.
func (s *Scheduler) Tick(durNano int64, userMode bool, current PCB) {
	s.nowNano += durNano
	for len(s.timers) > 0 && s.timers[0].Deadline <= s.nowNano {
		t := heap.Pop(&s.timers).(*Timer)
		t.Callback()
	}
	if userMode && current != nil {
		s.Yield(current)
	}
}

// Now returns the scheduler's current monotonic nanosecond clock.
func (s *Scheduler) Now() int64 { return s.nowNano }

// Idle returns the always-present idle PCB selected when the run queue
// is empty. The scheduler never actually "runs" it in
// this goroutine-per-caller model; Idle exists so run-queue
// introspection (RunQueue, RunQueueLen) has a defined answer for
// "nothing runnable".
func (s *Scheduler) Idle() PCB { return s.idle }

// RunQueueLen reports the number of PCBs currently in the run queue,
// for liveness tests.
func (s *Scheduler) RunQueueLen() int { return len(s.run) }

// RunQueue returns a snapshot of the run-queue order, head first.
func (s *Scheduler) RunQueue() []PCB {
	cp := make([]PCB, len(s.run))
	copy(cp, s.run)
	return cp
}
