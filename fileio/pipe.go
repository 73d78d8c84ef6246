package fileio

import (
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

// ringSize is the pipe's backing array size: kconst.PipeCapacity live
// bytes plus one sentinel slot so a full ring is distinguishable from
// an empty one without a separate count field.
const ringSize = kconst.PipeCapacity + 1

// pipeState is the ring buffer shared by a pipe's two endpoints.
type pipeState struct {
	buf        [ringSize]byte
	head, tail int
	halfClosed bool
	readQ      *waitqueue.Queue
	writeQ     *waitqueue.Queue
}

func newPipeState() *pipeState {
	return &pipeState{readQ: waitqueue.New(), writeQ: waitqueue.New()}
}

// readableBytes returns min(live, n) if any bytes are live, 0 at EOF
// (write end closed and ring drained), or EAGAIN.
func (p *pipeState) readableBytes(n int) int {
	if n < 0 {
		return kconst.ErrGeneric
	}
	if n == 0 {
		return 0
	}
	head := p.head
	if head < p.tail {
		head += ringSize
	}
	if avail := head - p.tail; avail > 0 {
		if avail > n {
			avail = n
		}
		return avail
	}
	if p.halfClosed {
		return 0
	}
	return kconst.EAGAIN
}

// writableBytes returns min(free, n) if there is room, EPIPE if the
// other end is gone, or EAGAIN if the ring is full.
func (p *pipeState) writableBytes(n int) int {
	if n < 0 {
		return kconst.ErrGeneric
	}
	if n == 0 {
		return 0
	}
	if p.halfClosed {
		return kconst.EPIPE
	}
	tail := p.tail
	if tail <= p.head {
		tail += ringSize
	}
	if avail := tail - 1 - p.head; avail > 0 {
		if avail > n {
			avail = n
		}
		return avail
	}
	return kconst.EAGAIN
}

// drain copies len(dst) bytes out of the ring starting at tail,
// wrapping at most once, and advances tail.
func (p *pipeState) drain(dst []byte) int {
	n := len(dst)
	copied := 0
	for copied < n {
		chunk := n - copied
		if room := ringSize - p.tail; chunk > room {
			chunk = room
		}
		copy(dst[copied:copied+chunk], p.buf[p.tail:p.tail+chunk])
		p.tail = (p.tail + chunk) % ringSize
		copied += chunk
	}
	return copied
}

// fill copies len(src) bytes into the ring starting at head, wrapping
// at most once, and advances head.
func (p *pipeState) fill(src []byte) int {
	n := len(src)
	copied := 0
	for copied < n {
		chunk := n - copied
		if room := ringSize - p.head; chunk > room {
			chunk = room
		}
		copy(p.buf[p.head:p.head+chunk], src[copied:copied+chunk])
		p.head = (p.head + chunk) % ringSize
		copied += chunk
	}
	return copied
}

func pipeRead(f *File, buf []byte) int {
	p := f.Private.(*pipeState)
	n := waitqueue.Wait(f.Owner, p.readQ, f.Nonblocking, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int { return p.readableBytes(len(buf)) })
	if n <= 0 {
		return n
	}
	total := p.drain(buf[:n])
	p.writeQ.Wake()
	if total == 0 {
		return kconst.ErrGeneric
	}
	return total
}

func pipeWrite(f *File, buf []byte) int {
	p := f.Private.(*pipeState)
	n := waitqueue.Wait(f.Owner, p.writeQ, f.Nonblocking, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int { return p.writableBytes(len(buf)) })
	if n <= 0 {
		if n == kconst.EPIPE && f.RaiseSelf != nil {
			f.RaiseSelf(kconst.SigPipe)
		}
		return n
	}
	total := p.fill(buf[:n])
	p.readQ.Wake()
	if total == 0 {
		return kconst.ErrGeneric
	}
	return total
}

// pipeClose implements the pipe close policy: half-close on
// the first end's close (waking both queues so the survivor observes
// EOF/EPIPE), release the state on the second.
func pipeClose(f *File) {
	p := f.Private.(*pipeState)
	if p.halfClosed {
		return
	}
	p.halfClosed = true
	p.readQ.Wake()
	p.writeQ.Wake()
}

const pollMaxN = int(^uint(0) >> 1)

func pipePoll(f *File, readNode, writeNode *waitqueue.Node) int {
	p := f.Private.(*pipeState)
	revents := 0
	if readNode != nil {
		if !readNode.InQueue() {
			p.readQ.Add(readNode)
		}
		if p.readableBytes(pollMaxN) != kconst.EAGAIN {
			revents |= kconst.PollRead
		}
	}
	if writeNode != nil {
		if !writeNode.InQueue() {
			p.writeQ.Add(writeNode)
		}
		if p.writableBytes(pollMaxN) != kconst.EAGAIN {
			revents |= kconst.PollWrite
		}
	}
	return revents
}

// PipeOps is the shared vtable for both ends of a pipe.
var PipeOps = &Ops{
	Read:  pipeRead,
	Write: pipeWrite,
	Close: pipeClose,
	Poll:  pipePoll,
}

// NewPipePair allocates a pipe_state and the two file objects that
// share it, one READ and one WRITE. The caller
// still needs to set Owner/Sleep/HasPending/RaiseSelf on both before
// binding them into a descriptor table.
func NewPipePair() (readFile, writeFile *File) {
	p := newPipeState()
	readFile = NewFile(PipeOps, kconst.OpenRead)
	writeFile = NewFile(PipeOps, kconst.OpenWrite)
	readFile.Private = p
	writeFile.Private = p
	return readFile, writeFile
}
