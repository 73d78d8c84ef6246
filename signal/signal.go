// Package signal implements the per-process pending/masked/handler
// table and the delivery machinery behind them: raising signals,
// scanning for the first pending deliverable one, detouring a user
// handler by rewriting the interrupt-return frame and user stack, and
// restoring that frame on sigreturn.
package signal

import (
	"bytes"
	"encoding/binary"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/usermem"
)

// record is one signal's pending/masked/handler state.
type record struct {
	handler uintptr
	masked  bool
	pending bool
}

// Table is the per-PCB signal state.
type Table struct {
	sigs [kconst.NumSignals]record
}

// NewTable returns a table with every signal unmasked, unset, and
// pending-free — the state of a freshly created process.
func NewTable() *Table { return &Table{} }

// Clone returns a copy of the table for fork(): handlers, masks, and
// pending bits all carry over to the child.
func (t *Table) Clone() *Table {
	cp := *t
	return &cp
}

// Handler returns signum's registered user handler address, 0 if the
// default action applies.
func (t *Table) Handler(signum int) uintptr {
	if signum < 0 || signum >= len(t.sigs) {
		return 0
	}
	return t.sigs[signum].handler
}

// Raise sets signum pending. Safe from interrupt/timer-callback
// context: it only ever sets a bool under the caller's already-held
// Big lock.
func (t *Table) Raise(signum int) {
	if signum < 0 || signum >= len(t.sigs) {
		return
	}
	t.sigs[signum].pending = true
}

// Sigaction sets signum's user handler address (0 means "default") and
// returns the previous address.
func (t *Table) Sigaction(signum int, addr uintptr) (old uintptr, ok bool) {
	if signum < 0 || signum >= len(t.sigs) {
		return 0, false
	}
	old = t.sigs[signum].handler
	t.sigs[signum].handler = addr
	return old, true
}

// Mask actions.
const (
	MaskNone    = kconst.SigMaskNone
	MaskBlock   = kconst.SigMaskBlock
	MaskUnblock = kconst.SigMaskUnblock
)

// Sigmask mutates signum's mask bit per action and returns the mask
// state before the mutation.
func (t *Table) Sigmask(signum, action int) (wasMasked bool, ok bool) {
	if signum < 0 || signum >= len(t.sigs) {
		return false, false
	}
	wasMasked = t.sigs[signum].masked
	switch action {
	case MaskBlock:
		t.sigs[signum].masked = true
	case MaskUnblock:
		t.sigs[signum].masked = false
	case MaskNone:
		// query only
	}
	return wasMasked, true
}

// defaultAction reports the default (no-handler) action for signum:
// fatal and the exit code to use, or !fatal if the default action is
// to ignore.
func defaultAction(signum int) (exitCode int, fatal bool) {
	switch signum {
	case kconst.SigDivZero, kconst.SigSegfault, kconst.SigPipe:
		return kconst.ExitKilledByException, true
	case kconst.SigInterrupt:
		return kconst.ExitKilledByInterrupt, true
	default: // SigAlarm, SigUser1: ignore by default
		return 0, false
	}
}

func (t *Table) deliverable(signum int) bool {
	r := &t.sigs[signum]
	if !r.pending {
		return false
	}
	if r.handler != 0 {
		return !r.masked
	}
	// No handler: the mask is intentionally ignored, since every
	// non-ignore default action kills the process.
	_, fatal := defaultAction(signum)
	return fatal
}

// HasPending reports whether at least one signal is pending and
// deliverable.
func (t *Table) HasPending() bool {
	for i := range t.sigs {
		if t.deliverable(i) {
			return true
		}
	}
	return false
}

// Outcome describes what Deliver did.
type Outcome struct {
	Detoured bool // a handler frame was constructed; EIP now points at it
	Killed   bool
	ExitCode int
}

// wireFrame is the on-the-wire layout of a TrapFrame copied onto the
// user stack and read back by Sigreturn.
type wireFrame struct {
	Eax, Ebx, Ecx, Edx, Esi, Edi uint32
	Eip                          uint32
	Esp                          uint32
	Eflags                       uint32
	CS, DS                       uint16
	TrapNo                       int32
	ErrCode                      int32
}

func toWire(f *arch.TrapFrame) wireFrame {
	return wireFrame{
		Eax: uint32(f.Eax), Ebx: uint32(f.Ebx), Ecx: uint32(f.Ecx),
		Edx: uint32(f.Edx), Esi: uint32(f.Esi), Edi: uint32(f.Edi),
		Eip: uint32(f.Eip), Esp: uint32(f.Esp), Eflags: f.Eflags,
		CS: f.CS, DS: f.DS, TrapNo: int32(f.TrapNo), ErrCode: int32(f.ErrCode),
	}
}

// Deliver runs the delivery pass against frame (the
// interrupt-return frame) and mem (the process's user page). It scans
// signals in numeric order and acts on the first pending, deliverable
// one, then stops; any other pending signal is delivered on a later
// return to user mode, never in the same pass.
func Deliver(t *Table, frame *arch.TrapFrame, mem *usermem.UserMem) Outcome {
	for signum := range t.sigs {
		if !t.deliverable(signum) {
			continue
		}
		r := &t.sigs[signum]
		if r.handler != 0 {
			if !detour(frame, mem, signum, r.handler) {
				return Outcome{Killed: true, ExitCode: kconst.ExitKilledByException}
			}
			r.masked = true
			r.pending = false
			return Outcome{Detoured: true}
		}
		exitCode, fatal := defaultAction(signum)
		if fatal {
			return Outcome{Killed: true, ExitCode: exitCode}
		}
		r.pending = false
		return Outcome{}
	}
	return Outcome{}
}

// detour builds the trampoline/frame/signum stack layout below
// frame.Esp and rewrites frame to resume in the
// handler. Returns false (caller kills the process with 256) if the
// write does not fit in the user page.
func detour(frame *arch.TrapFrame, mem *usermem.UserMem, signum int, handler uintptr) bool {
	wf := toWire(frame)
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, wf); err != nil {
		return false
	}
	regsAddr := int(frame.Esp) - buf.Len()
	if !mem.CopyToUser(regsAddr, buf.Bytes()) {
		return false
	}

	var signumBuf bytes.Buffer
	binary.Write(&signumBuf, binary.LittleEndian, int32(signum))
	signumAddr := regsAddr - signumBuf.Len()
	if !mem.CopyToUser(signumAddr, signumBuf.Bytes()) {
		return false
	}

	var retBuf bytes.Buffer
	binary.Write(&retBuf, binary.LittleEndian, uint32(arch.SigtrampAddr))
	retAddr := signumAddr - retBuf.Len()
	if !mem.CopyToUser(retAddr, retBuf.Bytes()) {
		return false
	}

	frame.Eip = handler
	frame.Esp = uintptr(retAddr)
	frame.CS = arch.UserCS
	frame.DS = arch.UserDS
	frame.Eflags &^= arch.EflagsDF
	return true
}

// Sigreturn restores frame from the copy the kernel wrote at
// userRegsPtr, sanitizes EFLAGS, resets segment selectors to the
// kernel-canonical user selectors, and clears signum's mask bit. It
// returns the saved EAX so the register file is not perturbed by the
// call itself.
func Sigreturn(t *Table, mem *usermem.UserMem, frame *arch.TrapFrame, signum int, userRegsPtr int) int {
	var raw [48]byte
	size := binary.Size(wireFrame{})
	if size > len(raw) || !mem.CopyFromUser(raw[:size], userRegsPtr) {
		return kconst.ErrGeneric
	}
	var wf wireFrame
	if err := binary.Read(bytes.NewReader(raw[:size]), binary.LittleEndian, &wf); err != nil {
		return kconst.ErrGeneric
	}

	// General registers sign-extend from their 32-bit wire form so a
	// saved negative syscall return survives the round trip; EIP/ESP
	// are addresses and zero-extend.
	sx := func(v uint32) uintptr { return uintptr(int64(int32(v))) }
	frame.Eax = sx(wf.Eax)
	frame.Ebx = sx(wf.Ebx)
	frame.Ecx = sx(wf.Ecx)
	frame.Edx = sx(wf.Edx)
	frame.Esi = sx(wf.Esi)
	frame.Edi = sx(wf.Edi)
	frame.Eip = uintptr(wf.Eip)
	frame.Esp = uintptr(wf.Esp)
	frame.Eflags = arch.SanitizeEflags(frame.Eflags, wf.Eflags)
	frame.CS = arch.UserCS
	frame.DS = arch.UserDS

	if signum >= 0 && signum < len(t.sigs) {
		t.sigs[signum].masked = false
	}
	return int(int32(wf.Eax))
}
