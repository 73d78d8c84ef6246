package trap

import (
	"encoding/binary"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/proc"
	"github.com/behrlich/minikernel/sched"
)

// Sys is the userland syscall stub layer: the Go rendering of the
// `syscalls/` library ring-3 programs link against. Every method
// builds an int 0x80 frame, dispatches it, and interprets the eax
// result — including following a signal-delivery detour: when the
// dispatcher rewrites the frame to enter a registered handler, Sys
// invokes the Go handler function and then performs the sigreturn the
// trampoline would, so Programs observe signal semantics end to end.
type Sys struct {
	k *Kernel
	p *proc.PCB

	handlers    map[uintptr]func(signum int)
	nextHandler uintptr

	scratch int // bump allocator over a fixed user-page window
}

const (
	scratchBase = 2 << 20
	scratchEnd  = 3 << 20
	handlerBase = 0x2000
)

// NewSys binds a stub layer to a process.
func NewSys(k *Kernel, p *proc.PCB) *Sys {
	return &Sys{
		k:           k,
		p:           p,
		handlers:    make(map[uintptr]func(int)),
		nextHandler: handlerBase,
		scratch:     scratchBase,
	}
}

// PID returns the bound process's pid without a syscall, for test
// bookkeeping; user code proper uses Getpid.
func (s *Sys) PID() int { return s.p.PID() }

// haltSentinel unwinds a program goroutine whose process has halted;
// execSentinel unwinds it to start a replacement image. Both are
// internal to the runner and never escape it.
type haltSentinel struct{}
type execSentinel struct{ prog Program }

// Run starts p's program body on its own goroutine, standing in for
// the first IRET into the freshly built user frame. The goroutine
// survives exec (the replacement image continues on it) and ends at
// halt.
func (k *Kernel) Run(p *proc.PCB, prog Program) {
	go func() {
		for prog != nil {
			prog = k.runOnce(p, prog)
		}
	}()
}

func (k *Kernel) runOnce(p *proc.PCB, prog Program) (next Program) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case haltSentinel:
			next = nil
		case execSentinel:
			next = r.prog
		default:
			panic(r)
		}
	}()
	sys := NewSys(k, p)
	code := prog(sys)
	sys.Halt(code)
	return nil
}

// alloc reserves n bytes of the scratch window for marshalling syscall
// arguments into user memory, wrapping when exhausted.
func (s *Sys) alloc(n int) int {
	if s.scratch+n > scratchEnd {
		s.scratch = scratchBase
	}
	addr := s.scratch
	s.scratch += (n + 3) &^ 3
	return addr
}

func (s *Sys) pushString(str string) uintptr {
	addr := s.alloc(len(str) + 1)
	s.p.Mem.CopyToUser(addr, append([]byte(str), 0))
	return uintptr(addr)
}

func (s *Sys) readInt32(addr int) int {
	var b [4]byte
	s.p.Mem.CopyFromUser(b[:], addr)
	return int(int32(binary.LittleEndian.Uint32(b[:])))
}

// checkHalted panics out of the program body once the process is a
// zombie — the moral equivalent of the CPU never returning to ring 3
// after a fatal signal or halt.
func (s *Sys) checkHalted() {
	sched.Big.Lock()
	dead := s.p.State() == kconst.ProcZombie
	sched.Big.Unlock()
	if dead {
		panic(haltSentinel{})
	}
}

// call issues one int 0x80 with the given number and arguments,
// follows any signal-handler detours to completion, persists the
// resulting user context, and returns the eax result.
func (s *Sys) call(num int, args ...uintptr) int {
	frame := s.p.Regs
	frame.Eax = uintptr(num)
	var a [5]uintptr
	copy(a[:], args)
	frame.Ebx, frame.Ecx, frame.Edx, frame.Esi, frame.Edi = a[0], a[1], a[2], a[3], a[4]
	frame.TrapNo = VecSyscall
	frame.CS, frame.DS = arch.UserCS, arch.UserDS

	entryEip, entryEsp := frame.Eip, frame.Esp
	s.k.Dispatch(s.p, &frame)
	s.checkHalted()

	// Follow handler detours: read the signum the kernel pushed, run
	// the handler, then do what the trampoline does — sigreturn with
	// the saved frame pointer. A call made from inside a handler comes
	// back with EIP still at that handler; only a frame the kernel
	// moved away from the entry EIP/ESP is a detour.
	for frame.Eip != entryEip || frame.Esp != entryEsp {
		fn, ok := s.handlers[frame.Eip]
		if !ok {
			break
		}
		signum := s.readInt32(int(frame.Esp) + 4)
		regsPtr := int(frame.Esp) + 8
		s.p.Regs = frame
		fn(signum)

		frame.Eax = uintptr(kconst.SysSigreturn)
		frame.Ebx = uintptr(signum)
		frame.Ecx = uintptr(regsPtr)
		frame.TrapNo = VecSyscall
		s.k.Dispatch(s.p, &frame)
		s.checkHalted()
	}

	s.p.Regs = frame
	return int(frame.Eax)
}

// Halt terminates the process with the given status and never returns.
func (s *Sys) Halt(code int) {
	s.call(kconst.SysHalt, uintptr(code))
	panic(haltSentinel{})
}

// Execute runs command as a child process and blocks until it halts,
// returning its exit code.
func (s *Sys) Execute(command string) int {
	return s.call(kconst.SysExecute, s.pushString(command))
}

// Read reads up to len(buf) bytes from fd into buf.
func (s *Sys) Read(fd int, buf []byte) int {
	addr := s.alloc(len(buf))
	ret := s.call(kconst.SysRead, uintptr(fd), uintptr(addr), uintptr(len(buf)))
	if ret > 0 {
		s.p.Mem.CopyFromUser(buf[:ret], addr)
	}
	return ret
}

// Write writes data to fd.
func (s *Sys) Write(fd int, data []byte) int {
	addr := s.alloc(len(data))
	s.p.Mem.CopyToUser(addr, data)
	return s.call(kconst.SysWrite, uintptr(fd), uintptr(addr), uintptr(len(data)))
}

func (s *Sys) Open(path string) int {
	return s.call(kconst.SysOpen, s.pushString(path))
}

func (s *Sys) Close(fd int) int {
	return s.call(kconst.SysClose, uintptr(fd))
}

func (s *Sys) Ioctl(fd, req, arg int) int {
	return s.call(kconst.SysIoctl, uintptr(fd), uintptr(req), uintptr(arg))
}

func (s *Sys) Dup(srcFD, destFD int) int {
	return s.call(kconst.SysDup, uintptr(srcFD), uintptr(destFD))
}

// GetArgs returns the process's argument string.
func (s *Sys) GetArgs() (string, int) {
	addr := s.alloc(kconst.MaxArgsLen)
	ret := s.call(kconst.SysGetArgs, uintptr(addr), uintptr(kconst.MaxArgsLen))
	if ret < 0 {
		return "", ret
	}
	buf := make([]byte, kconst.MaxArgsLen)
	s.p.Mem.CopyFromUser(buf, addr)
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), ret
}

// Vidmap maps the virtual terminal page, returning its address.
func (s *Sys) Vidmap() (int, int) {
	addr := s.alloc(4)
	ret := s.call(kconst.SysVidmap, uintptr(addr))
	if ret < 0 {
		return 0, ret
	}
	return s.readInt32(addr), ret
}

// Sigaction installs fn as signum's handler (nil restores the
// default). The handler "address" registered with the kernel is a
// synthetic code address the detour rewrites EIP to; Sys recognizes it
// and runs fn.
func (s *Sys) Sigaction(signum int, fn func(signum int)) int {
	if fn == nil {
		return s.call(kconst.SysSigaction, uintptr(signum), 0)
	}
	addr := s.nextHandler
	s.nextHandler += 16
	s.handlers[addr] = fn
	return s.call(kconst.SysSigaction, uintptr(signum), addr)
}

func (s *Sys) Sigmask(signum, action int) int {
	return s.call(kconst.SysSigmask, uintptr(signum), uintptr(action))
}

func (s *Sys) Sigraise(signum int) int {
	return s.call(kconst.SysKill, uintptr(s.PID()), uintptr(signum))
}

func (s *Sys) Kill(pid, signum int) int {
	return s.call(kconst.SysKill, uintptr(pid), uintptr(signum))
}

func (s *Sys) Time() int {
	return s.call(kconst.SysTime)
}

func (s *Sys) Monotime() int64 {
	return int64(s.call(kconst.SysMonotime))
}

func (s *Sys) Monosleep(deadlineNano int64) int {
	return s.call(kconst.SysMonosleep, uintptr(deadlineNano))
}

func (s *Sys) Alarm(deadlineNano int64) int {
	return s.call(kconst.SysAlarm, uintptr(deadlineNano))
}

// Sbrk adjusts the heap break by delta, returning the old break.
func (s *Sys) Sbrk(delta int) (oldBrk, ret int) {
	addr := s.alloc(4)
	ret = s.call(kconst.SysSbrk, uintptr(delta), uintptr(addr))
	if ret == 0 {
		oldBrk = s.readInt32(addr)
	}
	return oldBrk, ret
}

// Pipe creates a pipe, returning the read and write descriptors.
func (s *Sys) Pipe() (readFD, writeFD, ret int) {
	ra, wa := s.alloc(4), s.alloc(4)
	ret = s.call(kconst.SysPipe, uintptr(ra), uintptr(wa))
	if ret == 0 {
		readFD, writeFD = s.readInt32(ra), s.readInt32(wa)
	}
	return readFD, writeFD, ret
}

// Fork duplicates the process. The parent gets the child pid back;
// child is the code the child runs, standing in for "execution resumes
// after fork with eax == 0".
func (s *Sys) Fork(child Program) int {
	pid := s.call(kconst.SysFork)
	if pid <= 0 {
		return pid
	}
	sched.Big.Lock()
	childPCB := s.k.Procs.Get(pid)
	sched.Big.Unlock()
	if childPCB != nil {
		s.k.Run(childPCB, child)
	}
	return pid
}

// Exec replaces the process image with the named program. On success
// it never returns; the goroutine continues in the new image.
func (s *Sys) Exec(command string) int {
	ret := s.call(kconst.SysExec, s.pushString(command))
	if ret < 0 {
		return ret
	}
	sched.Big.Lock()
	prog := s.k.pendingExec[s.PID()]
	delete(s.k.pendingExec, s.PID())
	sched.Big.Unlock()
	panic(execSentinel{prog: prog})
}

// Wait blocks for any child to exit, returning its pid and exit code;
// a negative code reports EINTR or no children (pid is then 0).
func (s *Sys) Wait() (pid, code int) {
	addr := s.alloc(4)
	code = s.call(kconst.SysWait, uintptr(addr))
	if code >= 0 {
		pid = s.readInt32(addr)
	}
	return pid, code
}

func (s *Sys) Getpid() int  { return s.call(kconst.SysGetpid) }
func (s *Sys) Getpgrp() int { return s.call(kconst.SysGetpgrp) }

func (s *Sys) Setpgrp(pid, pgrp int) int {
	return s.call(kconst.SysSetpgrp, uintptr(pid), uintptr(pgrp))
}

func (s *Sys) Tcgetpgrp() int {
	return s.call(kconst.SysTcgetpgrp)
}

func (s *Sys) Tcsetpgrp(pgrp int) int {
	return s.call(kconst.SysTcsetpgrp, uintptr(pgrp))
}

// PollFD is the user-level poll entry.
type PollFD struct {
	FD      int
	Events  int
	Revents int
}

// Poll waits for readiness on the given descriptors until the absolute
// monotonic deadline (negative for none), filling in Revents.
func (s *Sys) Poll(pfds []PollFD, timeoutNano int64) int {
	addr := s.alloc(len(pfds) * pollFDSize)
	wire := make([]pollFD, len(pfds))
	for i, pfd := range pfds {
		wire[i] = pollFD{fd: int32(pfd.FD), events: int16(pfd.Events)}
	}
	s.p.Mem.CopyToUser(addr, encodePollFDs(wire))
	ret := s.call(kconst.SysPoll, uintptr(addr), uintptr(len(pfds)), uintptr(timeoutNano))
	raw := make([]byte, len(pfds)*pollFDSize)
	s.p.Mem.CopyFromUser(raw, addr)
	for i, pfd := range decodePollFDs(raw, len(pfds)) {
		pfds[i].Revents = int(pfd.revents)
	}
	return ret
}

// Socket family stubs.

func (s *Sys) Socket() int { return s.call(kconst.SysSocket) }

func (s *Sys) BindPort(fd, port int) int {
	return s.call(kconst.SysBind, uintptr(fd), uintptr(port))
}

func (s *Sys) Connect(fd, port int) int {
	return s.call(kconst.SysConnect, uintptr(fd), uintptr(port))
}

func (s *Sys) Listen(fd int) int {
	return s.call(kconst.SysListen, uintptr(fd))
}

func (s *Sys) Accept(fd int) int {
	return s.call(kconst.SysAccept, uintptr(fd))
}

func (s *Sys) Getsockname(fd int) (port, ret int) {
	addr := s.alloc(4)
	ret = s.call(kconst.SysGetsockname, uintptr(fd), uintptr(addr))
	if ret == 0 {
		port = s.readInt32(addr)
	}
	return port, ret
}

func (s *Sys) Getpeername(fd int) (port, ret int) {
	addr := s.alloc(4)
	ret = s.call(kconst.SysGetpeername, uintptr(fd), uintptr(addr))
	if ret == 0 {
		port = s.readInt32(addr)
	}
	return port, ret
}
