package fileio

import (
	"io"

	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

// Terminal is the stdin/stdout device: input arrives
// as simulated keystrokes (Feed, standing in for the keyboard IRQ this
// core's Non-goals exclude) into a small ring, output is written
// straight through to an io.Writer. It reuses the same ring-plus-
// wait-queue shape as Pipe, since a terminal's input side is exactly a
// pipe fed by an interrupt handler instead of another process.
type Terminal struct {
	in  *pipeState
	out io.Writer
}

// NewTerminal creates a terminal device writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{in: newPipeState(), out: out}
}

// Feed delivers simulated keystrokes to the terminal's input ring,
// waking any blocked reader. Returns the number of bytes actually
// queued (may be less than len(data) if the ring is full).
func (t *Terminal) Feed(data []byte) int {
	n := t.in.writableBytes(len(data))
	if n <= 0 {
		return 0
	}
	written := t.in.fill(data[:n])
	t.in.readQ.Wake()
	return written
}

func (t *Terminal) read(f *File, buf []byte) int {
	n := waitqueue.Wait(f.Owner, t.in.readQ, f.Nonblocking, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int { return t.in.readableBytes(len(buf)) })
	if n <= 0 {
		return n
	}
	return t.in.drain(buf[:n])
}

func (t *Terminal) write(f *File, buf []byte) int {
	n, err := t.out.Write(buf)
	if err != nil {
		return kconst.ErrGeneric
	}
	return n
}

func (t *Terminal) close(f *File) {}

func (t *Terminal) ioctl(f *File, req, arg int) int { return kconst.ErrGeneric }

func (t *Terminal) poll(f *File, readNode, writeNode *waitqueue.Node) int {
	revents := 0
	if readNode != nil {
		if !readNode.InQueue() {
			t.in.readQ.Add(readNode)
		}
		if t.in.readableBytes(pollMaxN) != kconst.EAGAIN {
			revents |= kconst.PollRead
		}
	}
	if writeNode != nil {
		revents |= kconst.PollWrite // terminal output never blocks
	}
	return revents
}

// Ops returns this terminal's vtable, shared by its stdin and stdout
// file objects (each opened with the matching Mode).
func (t *Terminal) Ops() *Ops {
	return &Ops{
		Read:  t.read,
		Write: t.write,
		Close: t.close,
		Ioctl: t.ioctl,
		Poll:  t.poll,
	}
}
