package signal

import (
	"testing"

	"github.com/behrlich/minikernel/arch"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/usermem"
	"github.com/stretchr/testify/require"
)

const (
	testHandler = 0x2000
	testEip     = 0x48000
	testEsp     = 0x300000
)

func userFrame() arch.TrapFrame {
	return arch.TrapFrame{
		Eax:    0x1111,
		Ebx:    0x2222,
		Eip:    testEip,
		Esp:    testEsp,
		Eflags: arch.EflagsIF,
		CS:     arch.UserCS,
		DS:     arch.UserDS,
	}
}

func TestRaiseAndHasPending(t *testing.T) {
	tbl := NewTable()
	require.False(t, tbl.HasPending())

	// A default-ignore signal pending is not deliverable.
	tbl.Raise(kconst.SigAlarm)
	require.False(t, tbl.HasPending())

	// A default-kill signal is.
	tbl.Raise(kconst.SigInterrupt)
	require.True(t, tbl.HasPending())

	// Out-of-range raises are dropped, not panics.
	tbl.Raise(-1)
	tbl.Raise(kconst.NumSignals)
}

func TestMaskedHandlerNotDeliverable(t *testing.T) {
	tbl := NewTable()
	tbl.Sigaction(kconst.SigInterrupt, testHandler)
	tbl.Raise(kconst.SigInterrupt)
	was, ok := tbl.Sigmask(kconst.SigInterrupt, MaskBlock)
	require.True(t, ok)
	require.False(t, was)
	require.False(t, tbl.HasPending(), "masking must suppress the handler branch")

	was, _ = tbl.Sigmask(kconst.SigInterrupt, MaskNone)
	require.True(t, was, "MaskNone must only query")
	require.False(t, tbl.HasPending())

	tbl.Sigmask(kconst.SigInterrupt, MaskUnblock)
	require.True(t, tbl.HasPending())
}

// With no handler registered, the mask is ignored: a pending signal
// whose default action is fatal stays deliverable, since the default
// action kills the process rather than invoking anything maskable.
func TestMaskedDefaultFatalStaysDeliverable(t *testing.T) {
	tbl := NewTable()
	tbl.Raise(kconst.SigInterrupt)
	tbl.Sigmask(kconst.SigInterrupt, MaskBlock)
	require.True(t, tbl.HasPending())

	// A masked default-ignore signal stays non-deliverable either way.
	tbl2 := NewTable()
	tbl2.Raise(kconst.SigAlarm)
	tbl2.Sigmask(kconst.SigAlarm, MaskBlock)
	require.False(t, tbl2.HasPending())
}

func TestDefaultActions(t *testing.T) {
	tests := []struct {
		signum   int
		killed   bool
		exitCode int
	}{
		{kconst.SigDivZero, true, kconst.ExitKilledByException},
		{kconst.SigSegfault, true, kconst.ExitKilledByException},
		{kconst.SigInterrupt, true, kconst.ExitKilledByInterrupt},
		{kconst.SigPipe, true, kconst.ExitKilledByException},
		{kconst.SigAlarm, false, 0},
		{kconst.SigUser1, false, 0},
	}
	for _, tt := range tests {
		tbl := NewTable()
		mem := usermem.NewUserMem(0)
		frame := userFrame()
		tbl.Raise(tt.signum)
		out := Deliver(tbl, &frame, mem)
		require.Equal(t, tt.killed, out.Killed, "signum %d", tt.signum)
		if tt.killed {
			require.Equal(t, tt.exitCode, out.ExitCode, "signum %d", tt.signum)
		} else {
			// Ignored: no detour, and HasPending does not report it.
			require.False(t, out.Detoured)
			require.False(t, tbl.HasPending())
		}
	}
}

func TestDeliverDetoursToHandler(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	tbl.Sigaction(kconst.SigInterrupt, testHandler)
	tbl.Raise(kconst.SigInterrupt)

	out := Deliver(tbl, &frame, mem)
	require.True(t, out.Detoured)
	require.False(t, out.Killed)
	require.Equal(t, uintptr(testHandler), frame.Eip)
	require.Equal(t, arch.UserCS, int(frame.CS))
	require.Less(t, int(frame.Esp), testEsp, "detour stack must be below the original")

	// Stack layout: return address (the trampoline), signum, saved
	// frame.
	var word [4]byte
	require.True(t, mem.CopyFromUser(word[:], int(frame.Esp)))
	require.Equal(t, uint32(arch.SigtrampAddr), le32(word))
	require.True(t, mem.CopyFromUser(word[:], int(frame.Esp)+4))
	require.Equal(t, uint32(kconst.SigInterrupt), le32(word))

	// Auto-mask: pending cleared, mask set.
	was, _ := tbl.Sigmask(kconst.SigInterrupt, MaskNone)
	require.True(t, was)
	require.False(t, tbl.HasPending())
}

func le32(b [4]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// TestDeliverOnePerPass preserves the source's "stop after the first
// handled signal" behavior: the lower-numbered signal is delivered
// now, the other stays pending for the next return to user mode.
func TestDeliverOnePerPass(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	tbl.Sigaction(kconst.SigInterrupt, testHandler)
	tbl.Sigaction(kconst.SigUser1, testHandler+16)
	tbl.Raise(kconst.SigUser1)
	tbl.Raise(kconst.SigInterrupt)

	out := Deliver(tbl, &frame, mem)
	require.True(t, out.Detoured)
	require.Equal(t, uintptr(testHandler), frame.Eip, "numeric order: INTERRUPT first")
	require.True(t, tbl.HasPending(), "USER1 must stay pending for the next pass")
}

// TestDeliverMaskWindow: while the mask bit is set, a second
// raise of the same signal must not re-detour.
func TestDeliverMaskWindow(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	tbl.Sigaction(kconst.SigUser1, testHandler)
	tbl.Raise(kconst.SigUser1)

	out := Deliver(tbl, &frame, mem)
	require.True(t, out.Detoured)

	tbl.Raise(kconst.SigUser1)
	second := userFrame()
	out = Deliver(tbl, &second, mem)
	require.False(t, out.Detoured, "masked signal must not deliver")
	require.False(t, out.Killed)
}

// TestSigreturnRoundTrip is the frame half of a handler detour: after
// detour, handler, and sigreturn, EIP and EAX are back to their
// original values and the mask is clear.
func TestSigreturnRoundTrip(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	tbl.Sigaction(kconst.SigInterrupt, testHandler)
	tbl.Raise(kconst.SigInterrupt)
	Deliver(tbl, &frame, mem)

	regsPtr := int(frame.Esp) + 8
	ret := Sigreturn(tbl, mem, &frame, kconst.SigInterrupt, regsPtr)
	require.Equal(t, 0x1111, ret, "sigreturn returns the saved eax")
	require.Equal(t, uintptr(testEip), frame.Eip)
	require.Equal(t, uintptr(0x1111), frame.Eax)
	require.Equal(t, uintptr(0x2222), frame.Ebx)
	require.Equal(t, uintptr(testEsp), frame.Esp)

	was, _ := tbl.Sigmask(kconst.SigInterrupt, MaskNone)
	require.False(t, was, "sigreturn must clear the mask")
}

// TestSigreturnSanitizesPrivilegedState: a forged frame
// cannot set privileged EFLAGS bits or kernel selectors.
func TestSigreturnSanitizesPrivilegedState(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	tbl.Sigaction(kconst.SigUser1, testHandler)
	tbl.Raise(kconst.SigUser1)
	Deliver(tbl, &frame, mem)

	// Forge the saved frame: IOPL/IF bits everywhere, ring-0
	// selectors.
	regsPtr := int(frame.Esp) + 8
	var raw [48]byte
	mem.CopyFromUser(raw[:], regsPtr)
	// Eflags is at offset 32, CS at 36, DS at 38 in the wire layout.
	putLE32(raw[32:], 0xFFFFFFFF)
	putLE16(raw[36:], arch.KernelCS)
	putLE16(raw[38:], arch.KernelDS)
	mem.CopyToUser(regsPtr, raw[:])

	kernelEflags := frame.Eflags
	Sigreturn(tbl, mem, &frame, kconst.SigUser1, regsPtr)
	require.Equal(t, arch.UserCS, int(frame.CS), "CS must reset to the user selector")
	require.Equal(t, arch.UserDS, int(frame.DS), "DS must reset to the user selector")
	require.Equal(t,
		kernelEflags&^uint32(arch.EflagsUser),
		frame.Eflags&^uint32(arch.EflagsUser),
		"privileged EFLAGS bits must keep their kernel values")
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE16(b []byte, v int) {
	b[0], b[1] = byte(v), byte(v>>8)
}

func TestSigreturnRejectsBadPointer(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	ret := Sigreturn(tbl, mem, &frame, kconst.SigUser1, usermem.UserMemSize-4)
	require.Equal(t, kconst.ErrGeneric, ret)
}

// TestDetourWithoutStackRoom kills the process with the exception exit
// code when the user stack cannot hold the signal frame.
func TestDetourWithoutStackRoom(t *testing.T) {
	tbl := NewTable()
	mem := usermem.NewUserMem(0)
	frame := userFrame()
	frame.Esp = 8 // no room below
	tbl.Sigaction(kconst.SigUser1, testHandler)
	tbl.Raise(kconst.SigUser1)

	out := Deliver(tbl, &frame, mem)
	require.True(t, out.Killed)
	require.Equal(t, kconst.ExitKilledByException, out.ExitCode)
}

func TestCloneCopiesState(t *testing.T) {
	tbl := NewTable()
	tbl.Sigaction(kconst.SigUser1, testHandler)
	tbl.Sigmask(kconst.SigAlarm, MaskBlock)

	cp := tbl.Clone()
	require.Equal(t, uintptr(testHandler), cp.Handler(kconst.SigUser1))
	was, _ := cp.Sigmask(kconst.SigAlarm, MaskNone)
	require.True(t, was)

	// Mutating the clone must not touch the original.
	cp.Sigaction(kconst.SigUser1, 0)
	require.Equal(t, uintptr(testHandler), tbl.Handler(kconst.SigUser1))
}
