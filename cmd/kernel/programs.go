package main

import (
	"fmt"

	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/trap"
)

// The demo program set: closures standing in for the ring-3 binaries a
// real boot image would carry. init walks the substrate end to end —
// pipes, fork/exec/wait, signals, the filesystem, devices — printing
// as it goes.

func registerPrograms(k *trap.Kernel) {
	k.Programs["init"] = initProgram
	k.Programs["echo"] = echoProgram
	k.Programs["cat"] = catProgram
	k.Programs["pipedemo"] = pipeDemo
	k.Programs["sigdemo"] = sigDemo
}

func say(sys *trap.Sys, format string, args ...any) {
	sys.Write(1, []byte(fmt.Sprintf(format, args...)))
}

func initProgram(sys *trap.Sys) int {
	say(sys, "init: pid %d on terminal\n", sys.Getpid())

	for _, cmd := range []string{"echo hello from exec", "cat motd", "pipedemo", "sigdemo"} {
		code := sys.Execute(cmd)
		say(sys, "init: %q exited %d\n", cmd, code)
		if code != 0 {
			return 1
		}
	}
	return 0
}

func echoProgram(sys *trap.Sys) int {
	args, ret := sys.GetArgs()
	if ret < 0 {
		return 1
	}
	say(sys, "%s\n", args)
	return 0
}

func catProgram(sys *trap.Sys) int {
	args, ret := sys.GetArgs()
	if ret < 0 {
		return 1
	}
	fd := sys.Open(args)
	if fd < 0 {
		say(sys, "cat: %s: not found\n", args)
		return 1
	}
	buf := make([]byte, 256)
	for {
		n := sys.Read(fd, buf)
		if n <= 0 {
			sys.Close(fd)
			return 0
		}
		sys.Write(1, buf[:n])
	}
}

// pipeDemo: parent writes through a pipe to a forked child and waits
// for it.
func pipeDemo(sys *trap.Sys) int {
	readFD, writeFD, ret := sys.Pipe()
	if ret < 0 {
		return 1
	}
	payload := "Hello, pipe!\n"

	childPID := sys.Fork(func(child *trap.Sys) int {
		child.Close(writeFD)
		var got []byte
		buf := make([]byte, 64)
		for {
			n := child.Read(readFD, buf)
			if n < 0 {
				return 1
			}
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		if string(got) != payload {
			return 1
		}
		say(child, "pipedemo: child got %q\n", string(got))
		return 0
	})
	if childPID < 0 {
		return 1
	}

	sys.Close(readFD)
	if sys.Write(writeFD, []byte(payload)) != len(payload) {
		return 1
	}
	sys.Close(writeFD)
	_, code := sys.Wait()
	return code
}

// sigDemo installs an INTERRUPT handler, raises it against ourselves,
// and observes the detour and sigreturn round trip.
func sigDemo(sys *trap.Sys) int {
	handled := false
	sys.Sigaction(kconst.SigInterrupt, func(signum int) {
		handled = true
		say(sys, "sigdemo: handler ran for signal %d\n", signum)
	})
	sys.Sigraise(kconst.SigInterrupt)
	// The detour runs on the return path of the raise itself; by the
	// next call the flag must be set and the mask clear again.
	if !handled {
		return 1
	}
	sys.Sigraise(kconst.SigInterrupt)
	return 0
}
