package trap

import (
	"encoding/binary"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/waitqueue"
)

// pollFD is the wire layout of one poll entry: {fd, events, revents}
// packed into 8 bytes.
type pollFD struct {
	fd      int32
	events  int16
	revents int16
}

const pollFDSize = 8

func decodePollFDs(raw []byte, n int) []pollFD {
	out := make([]pollFD, n)
	for i := range out {
		b := raw[i*pollFDSize:]
		out[i].fd = int32(binary.LittleEndian.Uint32(b))
		out[i].events = int16(binary.LittleEndian.Uint16(b[4:]))
		out[i].revents = int16(binary.LittleEndian.Uint16(b[6:]))
	}
	return out
}

func encodePollFDs(pfds []pollFD) []byte {
	raw := make([]byte, len(pfds)*pollFDSize)
	for i, pfd := range pfds {
		b := raw[i*pollFDSize:]
		binary.LittleEndian.PutUint32(b, uint32(pfd.fd))
		binary.LittleEndian.PutUint16(b[4:], uint16(pfd.events))
		binary.LittleEndian.PutUint16(b[6:], uint16(pfd.revents))
	}
	return raw
}

// sysPoll implements poll(pfds, nfds, timeout):
// register a read and a write wait node per fd with each file's poll
// op, sleep until something is ready, a deliverable signal arrives, or
// the absolute monotonic deadline passes (timeout < 0 means no
// deadline). Every exit path unlinks all the nodes before the stack
// frame holding them dies.
func sysPoll(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	addr, nfds, timeout := int(a[0]), int(int64(a[1])), int64(a[2])
	if nfds < 0 || nfds > kconst.MaxFiles {
		return kconst.ErrGeneric
	}
	raw := make([]byte, nfds*pollFDSize)
	if !p.Mem.CopyFromUser(raw, addr) {
		return kconst.ErrGeneric
	}
	pfds := decodePollFDs(raw, nfds)

	var nodes [kconst.MaxFiles]struct {
		read, write *waitqueue.Node
	}
	for i := 0; i < nfds; i++ {
		nodes[i].read = waitqueue.NewNode(p)
		nodes[i].write = waitqueue.NewNode(p)
	}

	ret := k.pollLoop(p, pfds, nodes[:nfds], timeout)

	for i := 0; i < nfds; i++ {
		nodes[i].read.Remove()
		nodes[i].write.Remove()
	}
	if !p.Mem.CopyToUser(addr, encodePollFDs(pfds)) {
		return kconst.ErrGeneric
	}
	return ret
}

func (k *Kernel) pollLoop(p *proc.PCB, pfds []pollFD, nodes []struct{ read, write *waitqueue.Node }, timeout int64) int {
	for {
		ready := 0
		for i := range pfds {
			pfd := &pfds[i]
			f := p.Files.Get(int(pfd.fd))
			if f == nil || f.Ops.Poll == nil {
				return kconst.ErrGeneric
			}
			events := int(pfd.events)
			if events&kconst.OpenRdwr != events {
				return kconst.ErrGeneric
			}
			// Restrict to operations the open mode permits; a file
			// polled only for a direction it cannot perform simply
			// never reports ready.
			events &= f.Mode
			var readNode, writeNode *waitqueue.Node
			if events&kconst.PollRead != 0 {
				readNode = nodes[i].read
			}
			if events&kconst.PollWrite != 0 {
				writeNode = nodes[i].write
			}
			k.attach(p, f)
			pfd.revents = int16(f.Ops.Poll(f, readNode, writeNode) & f.Mode)
			if pfd.revents != 0 {
				ready++
			}
		}
		if ready > 0 || (timeout >= 0 && k.nowLocked() >= timeout) {
			return ready
		}
		if p.Sigs.HasPending() {
			return kconst.EINTR
		}
		if timeout >= 0 {
			t := k.Sched.SleepUntil(p, timeout)
			k.Sched.CancelTimer(t)
		} else {
			k.Sched.Sleep(p)
		}
	}
}
