package fileio

import (
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

// socketState is a loopback byte-pipe pair: everything written to one
// endpoint is observed by reading the other. The network stack proper
// lives behind a collaborator boundary; this gives socket() a
// file-layer-visible loopback implementation to delegate to, reusing
// the pipe ring rather than inventing a new buffer shape.
type socketState struct {
	toPeer, fromPeer *pipeState
}

// NewSocketPair returns two connected, full-duplex file objects.
func NewSocketPair() (a, b *File) {
	ab := newPipeState()
	ba := newPipeState()
	sa := &socketState{toPeer: ab, fromPeer: ba}
	sb := &socketState{toPeer: ba, fromPeer: ab}
	a = NewFile(SocketOps, kconst.OpenRdwr)
	b = NewFile(SocketOps, kconst.OpenRdwr)
	a.Private = sa
	b.Private = sb
	return a, b
}

func socketRead(f *File, buf []byte) int {
	s := f.Private.(*socketState)
	n := waitqueue.Wait(f.Owner, s.fromPeer.readQ, f.Nonblocking, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int { return s.fromPeer.readableBytes(len(buf)) })
	if n <= 0 {
		return n
	}
	total := s.fromPeer.drain(buf[:n])
	s.fromPeer.writeQ.Wake()
	return total
}

func socketWrite(f *File, buf []byte) int {
	s := f.Private.(*socketState)
	n := waitqueue.Wait(f.Owner, s.toPeer.writeQ, f.Nonblocking, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int { return s.toPeer.writableBytes(len(buf)) })
	if n <= 0 {
		if n == kconst.EPIPE && f.RaiseSelf != nil {
			f.RaiseSelf(kconst.SigPipe)
		}
		return n
	}
	total := s.toPeer.fill(buf[:n])
	s.toPeer.readQ.Wake()
	return total
}

// socketClose shuts down both directions so the peer observes EOF on
// read and EPIPE on write, then wakes everything blocked on either
// ring.
func socketClose(f *File) {
	s := f.Private.(*socketState)
	for _, p := range []*pipeState{s.toPeer, s.fromPeer} {
		p.halfClosed = true
		p.readQ.Wake()
		p.writeQ.Wake()
	}
}

func socketPoll(f *File, readNode, writeNode *waitqueue.Node) int {
	s := f.Private.(*socketState)
	revents := 0
	if readNode != nil {
		if !readNode.InQueue() {
			s.fromPeer.readQ.Add(readNode)
		}
		if s.fromPeer.readableBytes(pollMaxN) != kconst.EAGAIN {
			revents |= kconst.PollRead
		}
	}
	if writeNode != nil {
		if !writeNode.InQueue() {
			s.toPeer.writeQ.Add(writeNode)
		}
		if s.toPeer.writableBytes(pollMaxN) != kconst.EAGAIN {
			revents |= kconst.PollWrite
		}
	}
	return revents
}

// SocketOps is the shared vtable for both ends of a loopback socket
// pair.
var SocketOps = &Ops{
	Read:  socketRead,
	Write: socketWrite,
	Close: socketClose,
	Poll:  socketPoll,
}
