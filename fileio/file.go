// Package fileio implements the unified file/IO object layer:
// a per-process descriptor table of reference-counted
// file objects, each carrying an operation vtable and type-specific
// private state. Pipes, the RTC, the filesystem, sockets, and the
// null/zero/random/terminal devices are all file objects built on the
// same six-slot vtable.
package fileio

import (
	"sync/atomic"

	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

// Ops is a file object's operation vtable. A
// nil field means the operation is unsupported by that device — most
// notably Poll: a file with no Poll op is a hard error to poll()
// rather than a silent always-ready/always-blocked default.
type Ops struct {
	Open  func(f *File, path string) int
	Read  func(f *File, buf []byte) int
	Write func(f *File, buf []byte) int
	Close func(f *File)
	Ioctl func(f *File, req, arg int) int
	Poll  func(f *File, readNode, writeNode *waitqueue.Node) int
}

// File is a file object. Two invariants hold for every File: the mode
// is fixed at open and every op sees it, and Close runs exactly once,
// when Release drops the refcount to zero.
type File struct {
	Ops         *Ops
	Mode        int // kconst.OpenRead / OpenWrite / OpenRdwr
	Nonblocking bool
	Offset      int64
	Private     any // device-specific state: *pipeState, *rtcPrivate, fs cursor, ...

	// Owner, Sleep, and HasPending bind this file to the process that
	// opened it, so blocking ops can run waitqueue.Wait without fileio
	// importing proc or sched (which would cycle back through this
	// package). Set by whatever collaborator constructs the File on
	// behalf of a process (trap's open()/pipe() handlers).
	Owner      waitqueue.Waiter
	Sleep      func()
	HasPending func() bool

	// RaiseSelf lets a device raise a signal against its own opening
	// process (pipe write's SIGPIPE-on-EPIPE) without fileio importing
	// signal.
	RaiseSelf func(signum int)

	refcount int32
}

// NewFile returns a File with refcount 1, ready to be bound into a
// descriptor table.
func NewFile(ops *Ops, mode int) *File {
	return &File{Ops: ops, Mode: mode, refcount: 1}
}

// Retain bumps the reference count (file_obj_retain).
func (f *File) Retain() {
	atomic.AddInt32(&f.refcount, 1)
}

// Release drops the reference count and runs Close exactly when it
// reaches zero (file_obj_release).
func (f *File) Release() {
	if atomic.AddInt32(&f.refcount, -1) == 0 && f.Ops != nil && f.Ops.Close != nil {
		f.Ops.Close(f)
	}
}

// Table is a process's fixed-capacity descriptor table.
type Table struct {
	slots [kconst.MaxFiles]*File
}

// NewTable returns an empty descriptor table.
func NewTable() *Table { return &Table{} }

// Bind links f into slotHint (if ≥ 0 and free) or the lowest free
// slot, retaining f. Returns the descriptor, or kconst.ErrGeneric if
// slotHint is occupied or the table is full.
func (t *Table) Bind(slotHint int, f *File) int {
	if slotHint >= 0 {
		if slotHint >= kconst.MaxFiles || t.slots[slotHint] != nil {
			return kconst.ErrGeneric
		}
		t.slots[slotHint] = f
		f.Retain()
		return slotHint
	}
	for i := 0; i < kconst.MaxFiles; i++ {
		if t.slots[i] == nil {
			t.slots[i] = f
			f.Retain()
			return i
		}
	}
	return kconst.ErrGeneric
}

// Get returns the file object bound to fd, or nil if fd is out of
// range or the slot is empty.
func (t *Table) Get(fd int) *File {
	if fd < 0 || fd >= kconst.MaxFiles {
		return nil
	}
	return t.slots[fd]
}

// Unbind clears fd's slot and releases the file object, running its
// Close op if this was the last reference. Returns 0, or
// kconst.ErrGeneric if fd is not currently bound.
func (t *Table) Unbind(fd int) int {
	f := t.Get(fd)
	if f == nil {
		return kconst.ErrGeneric
	}
	t.slots[fd] = nil
	f.Release()
	return 0
}

// CloseAll unbinds every live descriptor, for halt()'s
// "close all file descriptors" step.
func (t *Table) CloseAll() {
	for fd := range t.slots {
		if t.slots[fd] != nil {
			t.Unbind(fd)
		}
	}
}

// Clone duplicates the table for fork(): the new table shares the
// same file objects, one Retain per slot.
func (t *Table) Clone() *Table {
	cp := &Table{}
	for i, f := range t.slots {
		if f != nil {
			f.Retain()
			cp.slots[i] = f
		}
	}
	return cp
}

// PollAlwaysReadable is the generic "always readable" poll helper for
// devices with no real blocking condition on read (filesystem files
// and directories, the mouse/taux/sound stubs).
func PollAlwaysReadable(f *File, readNode, writeNode *waitqueue.Node) int {
	revents := 0
	if readNode != nil {
		revents |= kconst.PollRead
	}
	return revents
}

// PollAlwaysReadWrite is the generic "always readable and writable"
// poll helper.
func PollAlwaysReadWrite(f *File, readNode, writeNode *waitqueue.Node) int {
	revents := 0
	if readNode != nil {
		revents |= kconst.PollRead
	}
	if writeNode != nil {
		revents |= kconst.PollWrite
	}
	return revents
}
