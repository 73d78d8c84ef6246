package fileio

import (
	"bytes"
	"runtime"
	"testing"
	"time"

	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

func newTestPipe(nonblocking bool) (rf, wf *File) {
	rf, wf = NewPipePair()
	rf.Nonblocking = nonblocking
	wf.Nonblocking = nonblocking
	newTestProc().bind(rf)
	newTestProc().bind(wf)
	return rf, wf
}

// TestPipeRoundTrip: write 13 bytes, close
// the write end, read them back, then observe EOF.
func TestPipeRoundTrip(t *testing.T) {
	rf, wf := newTestPipe(true)
	payload := []byte("Hello, pipe!\n")

	if n := pipeWrite(wf, payload); n != len(payload) {
		t.Fatalf("write = %d, want %d", n, len(payload))
	}
	wf.Release() // close the write end

	buf := make([]byte, 64)
	n := pipeRead(rf, buf)
	if n != len(payload) || !bytes.Equal(buf[:n], payload) {
		t.Fatalf("read = %d %q, want %d %q", n, buf[:n], len(payload), payload)
	}
	if n := pipeRead(rf, buf); n != 0 {
		t.Fatalf("read after writer close = %d, want 0 (EOF)", n)
	}
}

// TestPipeBackpressure: fill the ring, watch
// the next write return EAGAIN, drain half, watch it succeed.
func TestPipeBackpressure(t *testing.T) {
	rf, wf := newTestPipe(true)
	fill := bytes.Repeat([]byte{0x42}, kconst.PipeCapacity)
	if n := pipeWrite(wf, fill); n != kconst.PipeCapacity {
		t.Fatalf("fill write = %d, want %d", n, kconst.PipeCapacity)
	}
	if n := pipeWrite(wf, []byte{1}); n != kconst.EAGAIN {
		t.Fatalf("write to full ring = %d, want EAGAIN", n)
	}

	buf := make([]byte, 4096)
	if n := pipeRead(rf, buf); n != 4096 {
		t.Fatalf("drain read = %d, want 4096", n)
	}
	if n := pipeWrite(wf, fill[:4096]); n != 4096 {
		t.Fatalf("write after drain = %d, want 4096", n)
	}
}

func TestPipeReadEmptyNonblocking(t *testing.T) {
	rf, _ := newTestPipe(true)
	if n := pipeRead(rf, make([]byte, 8)); n != kconst.EAGAIN {
		t.Fatalf("read from empty pipe = %d, want EAGAIN", n)
	}
}

func TestPipeWriteAfterReaderClose(t *testing.T) {
	rf, wf := newTestPipe(true)
	raised := -1
	wf.RaiseSelf = func(signum int) { raised = signum }

	rf.Release()
	if n := pipeWrite(wf, []byte("x")); n != kconst.EPIPE {
		t.Fatalf("write with no reader = %d, want EPIPE", n)
	}
	if raised != kconst.SigPipe {
		t.Fatalf("raised signal %d, want SigPipe", raised)
	}
}

// TestPipeByteConservation: bytes out equal bytes in, in order,
// across wrap-arounds of the ring.
func TestPipeByteConservation(t *testing.T) {
	rf, wf := newTestPipe(true)
	var wrote, read bytes.Buffer

	seq := byte(0)
	chunk := func(n int) []byte {
		out := make([]byte, n)
		for i := range out {
			out[i] = seq
			seq++
		}
		return out
	}

	// Interleave writes and reads with co-prime sizes so head and
	// tail wrap the sentinel ring repeatedly.
	buf := make([]byte, 977)
	for i := 0; i < 200; i++ {
		c := chunk(613)
		if n := pipeWrite(wf, c); n > 0 {
			wrote.Write(c[:n])
		}
		if n := pipeRead(rf, buf); n > 0 {
			read.Write(buf[:n])
		}
	}
	wf.Release()
	for {
		n := pipeRead(rf, buf)
		if n <= 0 {
			break
		}
		read.Write(buf[:n])
	}

	if wrote.Len() != read.Len() {
		t.Fatalf("wrote %d bytes, read %d", wrote.Len(), read.Len())
	}
	if !bytes.Equal(wrote.Bytes(), read.Bytes()) {
		t.Fatal("byte sequence corrupted through the ring")
	}
}

// TestPipeBlockingWriterWakesReader exercises the WAIT path: a reader
// blocks on an empty pipe and a writer on another goroutine wakes it.
func TestPipeBlockingWriterWakesReader(t *testing.T) {
	rf, wf := NewPipePair()
	reader := newTestProc()
	reader.bind(rf)
	// Both ends share the reader's lock, standing in for Big.
	wf.Owner = reader
	wf.Sleep = reader.sleep
	wf.HasPending = func() bool { return false }

	got := make(chan []byte, 1)
	go func() {
		reader.mu.Lock()
		buf := make([]byte, 16)
		n := pipeRead(rf, buf)
		reader.mu.Unlock()
		got <- buf[:n]
	}()

	reader.mu.Lock()
	pipeWrite(wf, []byte("wake"))
	reader.mu.Unlock()

	if data := <-got; string(data) != "wake" {
		t.Fatalf("reader got %q, want %q", data, "wake")
	}
}

// TestPipeCloseWakesBlockedPeer: closing one end wakes the other side
// so it observes EOF rather than sleeping forever.
func TestPipeCloseWakesBlockedPeer(t *testing.T) {
	rf, wf := NewPipePair()
	reader := newTestProc()
	reader.bind(rf)

	got := make(chan int, 1)
	go func() {
		reader.mu.Lock()
		n := pipeRead(rf, make([]byte, 8))
		reader.mu.Unlock()
		got <- n
	}()

	// Wait for the reader to link itself into the read queue; once we
	// can take the lock and see the node, the reader is parked.
	for {
		reader.mu.Lock()
		waiting := !rf.Private.(*pipeState).readQ.Empty()
		if waiting {
			pipeClose(wf)
			reader.mu.Unlock()
			break
		}
		reader.mu.Unlock()
		runtime.Gosched()
	}

	select {
	case n := <-got:
		if n != 0 {
			t.Fatalf("read after close = %d, want 0 (EOF)", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader was not woken by close")
	}
}

func TestPipePollBits(t *testing.T) {
	rf, wf := newTestPipe(true)
	rn, wn := newTestNode(), newTestNode()

	// Fresh pipe: write-ready only.
	if got := pipePoll(rf, rn, nil); got != 0 {
		t.Fatalf("empty pipe read poll = %#x, want 0", got)
	}
	if got := pipePoll(wf, nil, wn); got != kconst.PollWrite {
		t.Fatalf("empty pipe write poll = %#x, want PollWrite", got)
	}
	if !rn.InQueue() || !wn.InQueue() {
		t.Fatal("poll must register the supplied nodes")
	}

	// Re-polling with the same nodes must not double-register.
	pipePoll(rf, rn, nil)
	pipePoll(wf, nil, wn)

	pipeWrite(wf, []byte{1})
	if got := pipePoll(rf, rn, nil); got != kconst.PollRead {
		t.Fatalf("poll after write = %#x, want PollRead", got)
	}

	// EOF stays readable after the writer closes.
	wf.Release()
	if got := pipePoll(rf, rn, nil); got != kconst.PollRead {
		t.Fatalf("poll at EOF = %#x, want PollRead", got)
	}

	rn.Remove()
	wn.Remove()
}

func TestPipePollRegistersOncePerQueue(t *testing.T) {
	rf, _ := newTestPipe(true)
	rn := waitqueue.NewNode(newTestProc())
	pipePoll(rf, rn, nil)
	pipePoll(rf, rn, nil)
	rn.Remove()
	if rn.InQueue() {
		t.Fatal("node should unlink cleanly after single registration")
	}
}
