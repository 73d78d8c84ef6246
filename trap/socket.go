package trap

import (
	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/fileio"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/waitqueue"
)

// The socket family delegates everything interesting to the file layer.
// A socket() call builds a
// connected loopback pair and keeps its hidden peer; bind/listen
// register a listening port, connect hands the caller's hidden peer
// across to it, accept blocks until one arrives. recvfrom/sendto are read/write on the same vtable.

// listenState is one listening port: the backlog of peer endpoints
// connect() has handed over, and the queue accept() blocks on.
type listenState struct {
	pending []*fileio.File
	q       *waitqueue.Queue
}

func sysSocket(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	local, peer := fileio.NewSocketPair()
	fd := p.Files.Bind(-1, local)
	if fd < 0 {
		local.Release()
		peer.Release()
		return kconst.ErrGeneric
	}
	local.Release()
	k.peers[local] = peer
	return fd
}

func (k *Kernel) socketFile(p *proc.PCB, fd int) *fileio.File {
	f := p.Files.Get(fd)
	if f == nil || f.Ops != fileio.SocketOps {
		return nil
	}
	return f
}

func sysBind(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	port := int(a[1])
	if f == nil || port <= 0 {
		return kconst.ErrGeneric
	}
	if _, taken := k.ports[port]; taken {
		return kconst.ErrGeneric
	}
	k.ports[port] = &listenState{q: waitqueue.New()}
	k.boundPort(f, port)
	return 0
}

// boundPort records the local port on the file's peer map entry by
// storing it alongside; ports are small so a side map keyed by file is
// enough.
func (k *Kernel) boundPort(f *fileio.File, port int) {
	if k.portOf == nil {
		k.portOf = make(map[*fileio.File]int)
	}
	k.portOf[f] = port
}

func sysListen(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	if f == nil {
		return kconst.ErrGeneric
	}
	if _, ok := k.portOf[f]; !ok {
		return kconst.ErrGeneric
	}
	return 0
}

// sysConnect hands the caller's hidden peer endpoint to the listener
// bound at the port and wakes any blocked accept.
func sysConnect(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	port := int(a[1])
	if f == nil {
		return kconst.ErrGeneric
	}
	ls := k.ports[port]
	peer := k.peers[f]
	if ls == nil || peer == nil {
		return kconst.ErrGeneric
	}
	delete(k.peers, f)
	ls.pending = append(ls.pending, peer)
	k.peerPort(f, port)
	ls.q.Wake()
	return 0
}

func (k *Kernel) peerPort(f *fileio.File, port int) {
	if k.remoteOf == nil {
		k.remoteOf = make(map[*fileio.File]int)
	}
	k.remoteOf[f] = port
}

// sysAccept blocks until a connection is pending on the listening
// socket, then binds the handed-over endpoint as a fresh descriptor.
func sysAccept(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	if f == nil {
		return kconst.ErrGeneric
	}
	port, bound := k.portOf[f]
	if !bound {
		return kconst.ErrGeneric
	}
	ls := k.ports[port]
	if ls == nil {
		return kconst.ErrGeneric
	}
	return waitqueue.Wait(p, ls.q, f.Nonblocking, true, p.Sigs.HasPending, k.sleeper(p),
		kconst.EAGAIN, kconst.EINTR, func() int {
			if len(ls.pending) == 0 {
				return kconst.EAGAIN
			}
			accepted := ls.pending[0]
			ls.pending = ls.pending[1:]
			fd := p.Files.Bind(-1, accepted)
			accepted.Release()
			k.peerPort(accepted, port)
			return fd
		})
}

func sysGetsockname(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	if f == nil {
		return kconst.ErrGeneric
	}
	port, ok := k.portOf[f]
	if !ok {
		return kconst.ErrGeneric
	}
	if !writeInt32(p, int(a[1]), int32(port)) {
		return kconst.ErrGeneric
	}
	return 0
}

func sysGetpeername(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := k.socketFile(p, int(a[0]))
	if f == nil {
		return kconst.ErrGeneric
	}
	port, ok := k.remoteOf[f]
	if !ok {
		return kconst.ErrGeneric
	}
	if !writeInt32(p, int(a[1]), int32(port)) {
		return kconst.ErrGeneric
	}
	return 0
}
