package usermem

// UserMemSize mirrors the 4 MiB physical page the real kernel's memory
// manager collaborator maps into each process's user virtual region.
// Paging and physical allocation are out of scope;
// this is the narrow contract the rest of the kernel needs: a
// bounds-checked byte array per process plus a brk cursor.
const UserMemSize = 4 * 1024 * 1024

// UserMem is the per-process "user page": a flat byte array standing
// in for the 4 MiB physical frame, plus the heap break.
type UserMem struct {
	Bytes      []byte
	BrkBase    int
	BrkCurrent int
}

// NewUserMem allocates a zeroed user page with the break initialized
// to brkBase.
func NewUserMem(brkBase int) *UserMem {
	return &UserMem{
		Bytes:      make([]byte, UserMemSize),
		BrkBase:    brkBase,
		BrkCurrent: brkBase,
	}
}

// Clone returns a deep copy of m, used by fork() to give the child its
// own 4 MiB page.
func (m *UserMem) Clone() *UserMem {
	cp := &UserMem{
		Bytes:      make([]byte, len(m.Bytes)),
		BrkBase:    m.BrkBase,
		BrkCurrent: m.BrkCurrent,
	}
	copy(cp.Bytes, m.Bytes)
	return cp
}

func (m *UserMem) bounds(addr, n int) bool {
	if addr < 0 || n < 0 {
		return false
	}
	end := addr + n
	return end >= addr && end <= len(m.Bytes)
}

// ValidRange reports whether [addr, addr+n) lies entirely inside the
// user page, for the syscall layer's up-front pointer validation.
func (m *UserMem) ValidRange(addr, n int) bool {
	return m.bounds(addr, n)
}

// CopyToUser copies src into the user page at addr. Returns false
// (never panics) if [addr, addr+len(src)) is out of bounds, matching
// the copy_to_user contract: a bad user pointer is an error return,
// never a fault.
func (m *UserMem) CopyToUser(addr int, src []byte) bool {
	if !m.bounds(addr, len(src)) {
		return false
	}
	copy(m.Bytes[addr:], src)
	return true
}

// CopyFromUser copies from the user page at addr into dst. Returns
// false (never panics) if out of bounds.
func (m *UserMem) CopyFromUser(dst []byte, addr int) bool {
	if !m.bounds(addr, len(dst)) {
		return false
	}
	copy(dst, m.Bytes[addr:])
	return true
}

// Sbrk grows or shrinks the break by delta bytes, returning the old
// break value and whether the new break stays between BrkBase and the
// end of the page.
func (m *UserMem) Sbrk(delta int) (oldBrk int, ok bool) {
	newBrk := m.BrkCurrent + delta
	if newBrk < m.BrkBase || newBrk > len(m.Bytes) {
		return m.BrkCurrent, false
	}
	oldBrk = m.BrkCurrent
	m.BrkCurrent = newBrk
	return oldBrk, true
}
