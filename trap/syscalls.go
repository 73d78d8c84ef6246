package trap

import (
	"encoding/binary"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/fileio"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/sched"
	"github.com/behrlich/minikernel/signal"
	"github.com/behrlich/minikernel/usermem"
	"github.com/behrlich/minikernel/waitqueue"
)

// syscallFn is one syscall implementation. Arguments arrive in ABI
// order from the saved frame; the few calls that need the frame itself
// (fork, exec, sigreturn, execute) receive it too.
type syscallFn func(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int

// syscalls is the fixed dispatch table indexed by call number. A nil
// or out-of-range entry returns -1.
var syscalls [kconst.NumSyscall + 1]syscallFn

func init() {
	syscalls = [kconst.NumSyscall + 1]syscallFn{
		kconst.SysHalt:        sysHalt,
		kconst.SysExecute:     sysExecute,
		kconst.SysRead:        sysRead,
		kconst.SysWrite:       sysWrite,
		kconst.SysOpen:        sysOpen,
		kconst.SysClose:       sysClose,
		kconst.SysGetArgs:     sysGetArgs,
		kconst.SysVidmap:      sysVidmap,
		kconst.SysSigaction:   sysSigaction,
		kconst.SysSigreturn:   sysSigreturn,
		kconst.SysSigmask:     sysSigmask,
		kconst.SysKill:        sysKill,
		kconst.SysIoctl:       sysIoctl,
		kconst.SysTime:        sysTime,
		kconst.SysSbrk:        sysSbrk,
		kconst.SysSocket:      sysSocket,
		kconst.SysBind:        sysBind,
		kconst.SysConnect:     sysConnect,
		kconst.SysListen:      sysListen,
		kconst.SysAccept:      sysAccept,
		kconst.SysRecvfrom:    sysRead,
		kconst.SysSendto:      sysWrite,
		kconst.SysGetsockname: sysGetsockname,
		kconst.SysGetpeername: sysGetpeername,
		kconst.SysDup:         sysDup,
		kconst.SysFork:        sysFork,
		kconst.SysExec:        sysExec,
		kconst.SysWait:        sysWait,
		kconst.SysGetpid:      sysGetpid,
		kconst.SysGetpgrp:     sysGetpgrp,
		kconst.SysSetpgrp:     sysSetpgrp,
		kconst.SysTcgetpgrp:   sysTcgetpgrp,
		kconst.SysTcsetpgrp:   sysTcsetpgrp,
		kconst.SysPipe:        sysPipe,
		kconst.SysMonotime:    sysMonotime,
		kconst.SysMonosleep:   sysMonosleep,
		kconst.SysPoll:        sysPoll,
		kconst.SysAlarm:       sysAlarm,
	}
}

// handleSyscall validates the call number, dispatches, and writes the
// result into the frame's eax slot.
func (k *Kernel) handleSyscall(p *proc.PCB, frame *arch.TrapFrame) {
	num := int(frame.Eax)
	args := frame.Args()
	ret := kconst.ErrGeneric
	if num >= 1 && num <= kconst.NumSyscall && syscalls[num] != nil {
		ret = syscalls[num](k, p, args, frame)
	}
	k.tracer.TraceSyscall(pidOf(p), num, args, ret)
	frame.Eax = uintptr(ret)
}

// copyInString reads a NUL-terminated string from user memory, capped
// at MaxArgsLen, one byte at a time so a string running off the end of
// the page fails cleanly rather than over-reading.
func copyInString(p *proc.PCB, addr int) (string, bool) {
	var out []byte
	for i := 0; i < kconst.MaxArgsLen; i++ {
		var b [1]byte
		if !p.Mem.CopyFromUser(b[:], addr+i) {
			return "", false
		}
		if b[0] == 0 {
			return string(out), true
		}
		out = append(out, b[0])
	}
	return "", false
}

func writeInt32(p *proc.PCB, addr int, v int32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return p.Mem.CopyToUser(addr, b[:])
}

func (k *Kernel) sleeper(p *proc.PCB) func() {
	return func() { k.Sched.Sleep(p) }
}

func sysHalt(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	k.doHalt(p, int(int64(a[0]))&0xFF)
	return 0
}

// sysExecute is the combined spawn-and-wait call: run the named
// program as a child on the caller's terminal and group, and block —
// uninterruptibly, so the exit code is never lost — until it halts.
func sysExecute(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	command, ok := copyInString(p, int(a[0]))
	if !ok {
		return kconst.ErrGeneric
	}
	child, prog := k.spawnLocked(p.PID(), p.Terminal(), p.Group(), command)
	if child == nil {
		return kconst.ErrGeneric
	}
	// Hold a Handle, not the *PCB, across the blocking wait.
	h := proc.Handle{PID: child.PID()}
	k.Run(child, prog)
	return waitqueue.Wait(p, p.ChildExit, false, false, nil, k.sleeper(p),
		kconst.EAGAIN, kconst.EINTR, func() int {
			c := k.Procs.Lookup(h)
			if c == nil {
				return kconst.ErrGeneric
			}
			if c.State() != kconst.ProcZombie {
				return kconst.EAGAIN
			}
			code := c.ExitCode
			k.Procs.Free(h.PID)
			return code
		})
}

func sysRead(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	fd, addr, n := int(a[0]), int(a[1]), int(int64(a[2]))
	f := p.Files.Get(fd)
	if f == nil || f.Ops.Read == nil || f.Mode&kconst.OpenRead == 0 {
		return kconst.ErrGeneric
	}
	if n < 0 || !p.Mem.ValidRange(addr, n) {
		return kconst.ErrGeneric
	}
	buf := make([]byte, n)
	k.attach(p, f)
	ret := f.Ops.Read(f, buf)
	if ret > 0 && !p.Mem.CopyToUser(addr, buf[:ret]) {
		return kconst.ErrGeneric
	}
	return ret
}

func sysWrite(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	fd, addr, n := int(a[0]), int(a[1]), int(int64(a[2]))
	f := p.Files.Get(fd)
	if f == nil || f.Ops.Write == nil || f.Mode&kconst.OpenWrite == 0 {
		return kconst.ErrGeneric
	}
	if n < 0 || !p.Mem.ValidRange(addr, n) {
		return kconst.ErrGeneric
	}
	buf := make([]byte, n)
	if !p.Mem.CopyFromUser(buf, addr) {
		return kconst.ErrGeneric
	}
	k.attach(p, f)
	return f.Ops.Write(f, buf)
}

// sysOpen resolves path against the device registry first, then the
// filesystem collaborator, and binds the new file object to the
// lowest free descriptor.
func sysOpen(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	path, ok := copyInString(p, int(a[0]))
	if !ok {
		return kconst.ErrGeneric
	}
	f, found := k.Reg.Open(path)
	if !found {
		if k.fs == nil {
			return kconst.ErrGeneric
		}
		isDir, exists := k.fs.Stat(path)
		if !exists {
			return kconst.ErrGeneric
		}
		if isDir {
			f = fileio.NewFile(fileio.FSDirOps(k.fs), kconst.OpenRead)
		} else {
			f = fileio.NewFile(fileio.FSFileOps(k.fs), kconst.OpenRead)
		}
	}
	k.attach(p, f)
	if f.Ops.Open != nil {
		if ret := f.Ops.Open(f, path); ret < 0 {
			f.Release()
			return ret
		}
	}
	fd := p.Files.Bind(-1, f)
	f.Release()
	return fd
}

func sysClose(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	fd := int(a[0])
	if p.Compat && fd < 2 {
		return kconst.ErrGeneric
	}
	if f := p.Files.Get(fd); f != nil {
		delete(k.peers, f)
		if port, ok := k.portOf[f]; ok {
			delete(k.ports, port)
			delete(k.portOf, f)
		}
		delete(k.remoteOf, f)
	}
	return p.Files.Unbind(fd)
}

func sysGetArgs(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	addr, n := int(a[0]), int(int64(a[1]))
	if p.Args == "" || n < len(p.Args)+1 {
		return kconst.ErrGeneric
	}
	buf := append([]byte(p.Args), 0)
	if !p.Mem.CopyToUser(addr, buf) {
		return kconst.ErrGeneric
	}
	return 0
}

func sysVidmap(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	if !writeInt32(p, int(a[0]), arch.VidmapAddr) {
		return kconst.ErrGeneric
	}
	p.Vidmap = true
	return 0
}

func sysSigaction(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	if _, ok := p.Sigs.Sigaction(int(a[0]), a[1]); !ok {
		return kconst.ErrGeneric
	}
	return 0
}

func sysSigreturn(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return signal.Sigreturn(p.Sigs, p.Mem, frame, int(a[0]), int(a[1]))
}

func sysSigmask(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	wasMasked, ok := p.Sigs.Sigmask(int(a[0]), int(a[1]))
	if !ok {
		return kconst.ErrGeneric
	}
	if wasMasked {
		return 1
	}
	return 0
}

func sysKill(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return k.raiseLocked(int(a[0]), int(a[1]))
}

func sysIoctl(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	f := p.Files.Get(int(a[0]))
	if f == nil || f.Ops.Ioctl == nil {
		return kconst.ErrGeneric
	}
	k.attach(p, f)
	return f.Ops.Ioctl(f, int(a[1]), int(a[2]))
}

func sysTime(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return int((k.rtBase + k.nowLocked()) / 1e9)
}

func sysSbrk(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	delta, outPtr := int(int64(a[0])), int(a[1])
	if !p.Mem.ValidRange(outPtr, 4) {
		return kconst.ErrGeneric
	}
	oldBrk, ok := p.Mem.Sbrk(delta)
	if !ok {
		return kconst.ErrGeneric
	}
	writeInt32(p, outPtr, int32(oldBrk))
	return 0
}

func sysDup(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	srcFD, destFD := int(a[0]), int(int64(a[1]))
	f := p.Files.Get(srcFD)
	if f == nil {
		return kconst.ErrGeneric
	}
	if destFD >= 0 {
		if destFD == srcFD {
			return destFD
		}
		p.Files.Unbind(destFD)
	}
	return p.Files.Bind(destFD, f)
}

// sysFork duplicates the caller: fresh copy of the user page, shared
// file objects with one retain per slot, copied signal table and args,
// inherited terminal and group. The child's saved frame
// is the parent's with eax forced to 0; its goroutine is started by
// the Sys layer, which sees the new pid and runs the fork continuation
// against the child PCB.
func sysFork(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	child := k.Procs.Alloc(p.PID(), p.Terminal(), p.Group(), k.Sched)
	if child == nil {
		return kconst.ErrGeneric
	}
	child.Mem = p.Mem.Clone()
	child.Files = p.Files.Clone()
	child.Sigs = p.Sigs.Clone()
	child.Args = p.Args
	child.Compat = p.Compat
	child.Vidmap = p.Vidmap
	child.Regs = *frame
	child.Regs.Eax = 0
	k.Sched.Add(child)
	return child.PID()
}

// sysExec replaces the caller's image: fresh user page, reset signal
// table, reset descriptor table (keeping stdin/stdout only in compat
// mode), args from the command tail, and a clean entry frame.
// The replacement program is staged for the Sys layer
// to pick up; kernel-side the old image is gone when this returns 0.
func sysExec(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	command, ok := copyInString(p, int(a[0]))
	if !ok {
		return kconst.ErrGeneric
	}
	name, args := splitCommand(command)
	prog, found := k.Programs[name]
	if !found || len(args) >= kconst.MaxArgsLen {
		return kconst.ErrGeneric
	}

	kept := fileio.NewTable()
	if p.Compat {
		for fd := 0; fd < 2; fd++ {
			if f := p.Files.Get(fd); f != nil {
				kept.Bind(fd, f)
			}
		}
	}
	p.Files.CloseAll()
	p.Files = kept
	if !p.Compat && !k.bindStdio(p) {
		k.doHalt(p, kconst.ExitKilledByException)
		return kconst.ErrGeneric
	}

	p.Sigs = signal.NewTable()
	p.Mem = usermem.NewUserMem(userBrkBase)
	p.Args = args
	*frame = newFrame()
	k.pendingExec[p.PID()] = prog
	return 0
}

// sysWait blocks until any child is a zombie, reaps it, writes its pid
// through pid_out, and returns its exit code.
// Interruptible; returns -1 immediately if the caller has no children
// at all, so a childless wait can never deadlock.
func sysWait(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	pidOut := int(a[0])
	if !p.Mem.ValidRange(pidOut, 4) {
		return kconst.ErrGeneric
	}
	return waitqueue.Wait(p, p.ChildExit, false, true, p.Sigs.HasPending, k.sleeper(p),
		kconst.EAGAIN, kconst.EINTR, func() int {
			cpid, code, ok := k.Procs.ReapZombie(p)
			if ok {
				writeInt32(p, pidOut, int32(cpid))
				return code
			}
			if len(k.Procs.Children(p.PID())) == 0 {
				return kconst.ErrGeneric
			}
			return kconst.EAGAIN
		})
}

func sysGetpid(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return p.PID()
}

func sysGetpgrp(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return p.Group()
}

func sysSetpgrp(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	pid, pgrp := int(a[0]), int(a[1])
	target := p
	if pid != 0 {
		if target = k.Procs.Get(pid); target == nil {
			return kconst.ErrGeneric
		}
	}
	if pgrp == 0 {
		pgrp = target.PID()
	}
	target.SetGroup(pgrp)
	return 0
}

func sysTcgetpgrp(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return k.termFg[p.Terminal()]
}

func sysTcsetpgrp(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	pgrp := int(a[0])
	if pgrp < 0 {
		return kconst.ErrGeneric
	}
	k.termFg[p.Terminal()] = pgrp
	return 0
}

// sysPipe allocates the pipe pair and binds both ends, writing the two
// descriptors through the caller's out pointers. On any failure the
// partially built state is torn down before return.
func sysPipe(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	readOut, writeOut := int(a[0]), int(a[1])
	if !p.Mem.ValidRange(readOut, 4) || !p.Mem.ValidRange(writeOut, 4) {
		return kconst.ErrGeneric
	}
	rf, wf := fileio.NewPipePair()
	rfd := p.Files.Bind(-1, rf)
	wfd := p.Files.Bind(-1, wf)
	if rfd < 0 || wfd < 0 {
		if rfd >= 0 {
			p.Files.Unbind(rfd)
		}
		rf.Release()
		wf.Release()
		return kconst.ErrGeneric
	}
	rf.Release()
	wf.Release()
	writeInt32(p, readOut, int32(rfd))
	writeInt32(p, writeOut, int32(wfd))
	return 0
}

func sysMonotime(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	return int(k.nowLocked())
}

// sysMonosleep sleeps until the absolute monotonic deadline, waking
// early with EINTR on a deliverable signal. A deadline already in the
// past returns success immediately.
func sysMonosleep(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	deadline := int64(a[0])
	return waitqueue.Wait(p, nil, false, true, p.Sigs.HasPending, func() {
		t := k.Sched.SleepUntil(p, deadline)
		k.Sched.CancelTimer(t)
	}, kconst.EAGAIN, kconst.EINTR, func() int {
		if k.nowLocked() >= deadline {
			return 0
		}
		return kconst.EAGAIN
	})
}

// sysAlarm arms a one-shot ALARM signal at the absolute monotonic
// deadline; a deadline of 0 cancels any pending alarm.
func sysAlarm(k *Kernel, p *proc.PCB, a [5]uintptr, frame *arch.TrapFrame) int {
	if p.AlarmTimer != nil {
		k.Sched.CancelTimer(p.AlarmTimer)
		p.AlarmTimer = nil
	}
	deadline := int64(a[0])
	if deadline == 0 {
		return 0
	}
	pid := p.PID()
	t := &sched.Timer{Deadline: deadline, Callback: func() {
		k.raiseLocked(pid, kconst.SigAlarm)
	}}
	k.Sched.AddTimer(t)
	p.AlarmTimer = t
	return 0
}
