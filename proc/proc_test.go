package proc

import (
	"testing"

	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/sched"
	"github.com/behrlich/minikernel/waitqueue"
	"github.com/stretchr/testify/require"
)

func newSched() *sched.Scheduler {
	return sched.New(nil)
}

func TestAllocAssignsUniquePIDs(t *testing.T) {
	tbl := NewTable()
	s := newSched()
	seen := map[int]bool{}
	for i := 0; i < kconst.MaxProcs; i++ {
		p := tbl.Alloc(-1, 0, -1, s)
		require.NotNil(t, p)
		require.False(t, seen[p.PID()], "pid %d allocated twice", p.PID())
		seen[p.PID()] = true
	}
	require.Nil(t, tbl.Alloc(-1, 0, -1, s), "full table must refuse")
}

func TestGetRedeemsOnlyLivePIDs(t *testing.T) {
	tbl := NewTable()
	p := tbl.Alloc(-1, 0, -1, newSched())
	require.NotNil(t, tbl.Get(p.PID()))
	require.Nil(t, tbl.Get(0))
	require.Nil(t, tbl.Get(-5))
	require.Nil(t, tbl.Get(kconst.MaxProcs+1))

	tbl.Free(p.PID())
	require.Nil(t, tbl.Get(p.PID()), "freed slot must not redeem")
}

func TestChildrenAndZombies(t *testing.T) {
	tbl := NewTable()
	s := newSched()
	sched.Big.Lock()
	defer sched.Big.Unlock()

	parent := tbl.Alloc(-1, 0, -1, s)
	c1 := tbl.Alloc(parent.PID(), 0, -1, s)
	c2 := tbl.Alloc(parent.PID(), 0, -1, s)
	s.Add(c1)
	s.Add(c2)

	require.Len(t, tbl.Children(parent.PID()), 2)
	require.False(t, tbl.HasZombieChild(parent))

	tbl.Exit(c1, 42)
	require.Equal(t, kconst.ProcZombie, c1.State())
	require.True(t, tbl.HasZombieChild(parent))

	pid, code, ok := tbl.ReapZombie(parent)
	require.True(t, ok)
	require.Equal(t, c1.PID(), pid)
	require.Equal(t, 42, code)
	require.Nil(t, tbl.Get(pid), "reaped child slot must be free")

	_, _, ok = tbl.ReapZombie(parent)
	require.False(t, ok, "no second zombie to reap")
}

func TestExitWakesParentChildQueue(t *testing.T) {
	tbl := NewTable()
	s := newSched()
	sched.Big.Lock()
	defer sched.Big.Unlock()

	parent := tbl.Alloc(-1, 0, -1, s)
	child := tbl.Alloc(parent.PID(), 0, -1, s)
	s.Add(parent)
	s.Add(child)

	// Park the parent the way wait() would: sleeping with a node in
	// its own ChildExit queue.
	s.Remove(parent)
	parent.SetSleeping()
	node := waitqueue.NewNode(parent)
	parent.ChildExit.Add(node)

	tbl.Exit(child, 0)
	require.True(t, parent.IsRunnable(), "exit must wake the waiting parent")
	node.Remove()
}

func TestStateTransitions(t *testing.T) {
	tbl := NewTable()
	p := tbl.Alloc(-1, 2, 7, newSched())
	require.Equal(t, kconst.ProcNew, p.State())
	require.Equal(t, 2, p.Terminal())
	require.Equal(t, 7, p.Group())

	p.SetRunnable()
	require.True(t, p.IsRunnable())
	p.SetSleeping()
	require.False(t, p.IsRunnable())
	require.Equal(t, kconst.ProcSleeping, p.State())
}
