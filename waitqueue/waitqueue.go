// Package waitqueue implements the intrusive wait-queue primitive
// shared by every blocking operation in the kernel:
// pipes, RTC reads, poll, wait(pid), monosleep. All operations are
// expected to run with the kernel's big lock held (sched.Big) — that
// lock is this uniprocessor's sole substitute for "interrupts disabled".
package waitqueue

import "container/list"

// Waiter is the minimal view of a process a wait queue needs: something
// the scheduler can mark runnable again. proc.PCB satisfies this.
type Waiter interface {
	MarkRunnable()
}

// Node is a wait-queue node, normally stack-allocated (as a local
// variable) by the caller of a blocking operation and bound to the
// current process for the duration of that call.
type Node struct {
	owner Waiter
	elem  *list.Element // non-nil iff currently linked into a Queue
	queue *Queue
}

// NewNode binds a new, unlinked node to owner.
func NewNode(owner Waiter) *Node {
	return &Node{owner: owner}
}

// InQueue reports whether the node is currently linked into a queue.
func (n *Node) InQueue() bool {
	return n.elem != nil
}

// Queue is an intrusive doubly-linked list of suspended processes.
type Queue struct {
	l list.List
}

// New returns an empty wait queue.
func New() *Queue {
	q := &Queue{}
	q.l.Init()
	return q
}

// Add links node into q. Precondition: node is not already in any
// queue (idempotent add is a caller bug, not a queue bug — callers
// that may double-add, like poll, check InQueue first).
func (q *Queue) Add(n *Node) {
	if n.InQueue() {
		panic("waitqueue: node already linked")
	}
	n.elem = q.l.PushBack(n)
	n.queue = q
}

// Remove unlinks node from its queue. Idempotent: a no-op if the node
// is not currently linked into anything.
func (n *Node) Remove() {
	if n.elem == nil {
		return
	}
	n.queue.l.Remove(n.elem)
	n.elem = nil
	n.queue = nil
}

// Wake marks every process referenced by a node in q as runnable, but
// does not unlink the nodes — the blocked call unlinks on its own
// return path, so no wakeup is lost: a node stays visible to
// concurrent wakers until the blocker has re-checked its predicate and
// decided to stop waiting.
func (q *Queue) Wake() {
	for e := q.l.Front(); e != nil; e = e.Next() {
		e.Value.(*Node).owner.MarkRunnable()
	}
}

// Empty reports whether the queue currently has no waiters.
func (q *Queue) Empty() bool {
	return q.l.Len() == 0
}
