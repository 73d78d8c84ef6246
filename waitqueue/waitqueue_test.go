package waitqueue

import "testing"

type fakeWaiter struct {
	wakes int
}

func (w *fakeWaiter) MarkRunnable() { w.wakes++ }

func TestQueueAddRemove(t *testing.T) {
	q := New()
	w := &fakeWaiter{}
	n := NewNode(w)

	if n.InQueue() {
		t.Fatal("fresh node should be unlinked")
	}
	q.Add(n)
	if !n.InQueue() {
		t.Fatal("node should be linked after Add")
	}
	if q.Empty() {
		t.Fatal("queue should not be empty")
	}

	n.Remove()
	if n.InQueue() {
		t.Fatal("node should be unlinked after Remove")
	}
	if !q.Empty() {
		t.Fatal("queue should be empty")
	}

	// Remove is idempotent.
	n.Remove()
	n.Remove()
}

func TestDoubleAddPanics(t *testing.T) {
	q := New()
	n := NewNode(&fakeWaiter{})
	q.Add(n)
	defer func() {
		if recover() == nil {
			t.Fatal("double Add should panic")
		}
	}()
	q.Add(n)
}

func TestWakeDoesNotUnlink(t *testing.T) {
	q := New()
	w1, w2 := &fakeWaiter{}, &fakeWaiter{}
	n1, n2 := NewNode(w1), NewNode(w2)
	q.Add(n1)
	q.Add(n2)

	q.Wake()
	if w1.wakes != 1 || w2.wakes != 1 {
		t.Fatalf("wakes = %d, %d, want 1, 1", w1.wakes, w2.wakes)
	}
	// The blocker unlinks on its own return path; Wake must not.
	if !n1.InQueue() || !n2.InQueue() {
		t.Fatal("Wake must leave nodes linked")
	}

	q.Wake()
	if w1.wakes != 2 {
		t.Fatal("repeat Wake should mark runnable again")
	}
}

func TestWaitImmediateReady(t *testing.T) {
	q := New()
	w := &fakeWaiter{}
	ret := Wait(w, q, false, false, nil, func() { t.Fatal("must not sleep") },
		-3, -2, func() int { return 7 })
	if ret != 7 {
		t.Fatalf("ret = %d, want 7", ret)
	}
	if !q.Empty() {
		t.Fatal("node must be removed on return")
	}
}

func TestWaitNonblocking(t *testing.T) {
	q := New()
	ret := Wait(&fakeWaiter{}, q, true, false, nil, func() { t.Fatal("must not sleep") },
		-3, -2, func() int { return -3 })
	if ret != -3 {
		t.Fatalf("ret = %d, want EAGAIN", ret)
	}
}

func TestWaitInterruptible(t *testing.T) {
	q := New()
	pending := false
	slept := 0
	ret := Wait(&fakeWaiter{}, q, false, true,
		func() bool { return pending },
		func() { slept++; pending = true },
		-3, -2, func() int { return -3 })
	if ret != -2 {
		t.Fatalf("ret = %d, want EINTR", ret)
	}
	if slept != 1 {
		t.Fatalf("slept %d times, want 1", slept)
	}
	if !q.Empty() {
		t.Fatal("node must be removed on EINTR path")
	}
}

// TestWaitNoLostWakeup: the node is linked before the first
// predicate check, so a wake racing the check is observed by the
// re-check after sleep rather than lost.
func TestWaitNoLostWakeup(t *testing.T) {
	q := New()
	w := &fakeWaiter{}
	ready := false
	checks := 0
	ret := Wait(w, q, false, false, nil, func() {
		// Stand-in for another context making the resource ready and
		// waking the queue strictly after the blocker's check.
		if q.Empty() {
			t.Fatal("blocker must be linked while sleeping")
		}
		ready = true
		q.Wake()
	}, -3, -2, func() int {
		checks++
		if ready {
			return 1
		}
		return -3
	})
	if ret != 1 {
		t.Fatalf("ret = %d, want 1", ret)
	}
	if checks != 2 {
		t.Fatalf("predicate checked %d times, want 2", checks)
	}
	if w.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", w.wakes)
	}
}

func TestWaitNilQueue(t *testing.T) {
	tries := 0
	ret := Wait(&fakeWaiter{}, nil, false, false, nil, func() {},
		-3, -2, func() int {
			tries++
			if tries < 3 {
				return -3
			}
			return 0
		})
	if ret != 0 {
		t.Fatalf("ret = %d, want 0", ret)
	}
	if tries != 3 {
		t.Fatalf("tries = %d, want 3", tries)
	}
}
