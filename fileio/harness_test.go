package fileio

import (
	"sync"

	"github.com/behrlich/minikernel/waitqueue"
)

// testProc stands in for the blocked process side of a file op: a
// Waiter whose sleep/wake discipline mirrors the scheduler's
// cond-under-big-lock shape, but local to the test.
type testProc struct {
	mu       sync.Mutex
	cond     *sync.Cond
	runnable bool
}

func newTestProc() *testProc {
	p := &testProc{runnable: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *testProc) MarkRunnable() {
	p.runnable = true
	p.cond.Broadcast()
}

// sleep parks until MarkRunnable, with p.mu standing in for sched.Big.
func (p *testProc) sleep() {
	p.runnable = false
	for !p.runnable {
		p.cond.Wait()
	}
}

// bind wires f's blocking hooks to this test process, the way the
// syscall layer's attach does, with hasPending always false.
func (p *testProc) bind(f *File) {
	f.Owner = p
	f.Sleep = p.sleep
	f.HasPending = func() bool { return false }
}

func newTestNode() *waitqueue.Node {
	return waitqueue.NewNode(newTestProc())
}
