// Package arch holds the small set of symbolic constants and the saved
// register frame layout that the rest of the kernel treats as its only
// contact with the (simulated) hardware: segment selector rings, the
// EFLAGS bit layout sigreturn must sanitize, and the TrapFrame that the
// interrupt dispatcher, syscall dispatch, and signal delivery all read
// and rewrite in place.
package arch

// Selector values. Real protected-mode selectors encode a ring in
// their low two bits; these two constants are sufficient for every
// check and rewrite the core performs.
const (
	KernelCS = 0x0008 // ring 0
	UserCS   = 0x0023 // ring 3 (low two bits == 3)
	KernelDS = 0x0010
	UserDS   = 0x002B
)

// EFLAGS bit layout.
const (
	EflagsUser = 0x0DD5 // user-modifiable bits
	EflagsIF   = 1 << 9 // interrupt flag
	EflagsDF   = 1 << 10
)

// VidmapAddr is the fixed virtual address the vidmap syscall reports
// as the base of the single page of virtual terminal memory it maps.
const VidmapAddr = 0x10000000

// SigtrampAddr is the fixed user-space address the kernel points a
// signal handler's return address at: a userland sigreturn shim the
// kernel never has to write executable bytes for, only to know the
// address of.
const SigtrampAddr = 0x7FFFFFFC

// TrapFrame is the saved register file pushed onto the kernel stack
// by the common interrupt thunk: the single piece of state syscalls,
// exceptions, and signal delivery all read and rewrite.
type TrapFrame struct {
	Eax, Ebx, Ecx, Edx, Esi, Edi uintptr
	Eip                          uintptr
	Esp                          uintptr
	Eflags                       uint32
	CS, DS                       uint16
	TrapNo                       int
	ErrCode                      int
}

// IsUserMode reports whether the frame was captured while executing in
// ring 3, i.e. whether the signal-delivery pass may run against it.
func (f *TrapFrame) IsUserMode() bool {
	return f.CS&0x3 == 0x3
}

// Args returns the syscall argument registers in ABI order.
func (f *TrapFrame) Args() [5]uintptr {
	return [5]uintptr{f.Ebx, f.Ecx, f.Edx, f.Esi, f.Edi}
}

// SanitizeEflags masks privileged bits out of v and mixes in only the
// user-modifiable bits (EflagsUser): the result never depends on which
// bits the user frame claimed beyond the ones it is allowed to set.
func SanitizeEflags(kernelCanonical uint32, v uint32) uint32 {
	return (kernelCanonical &^ EflagsUser) | (v & EflagsUser)
}
