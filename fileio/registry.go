package fileio

import "github.com/behrlich/minikernel/internal/kconst"

// Factory constructs a fresh file object for one named device type. The
// returned File carries refcount 1; the caller binds it into a
// descriptor table (which retains) and then releases its construction
// reference.
type Factory func() *File

// Registry maps device file names (rtc, mouse, sound, taux, null,
// zero, random) to their constructors. Populated once at
// boot, read-only afterwards; names not present here fall through to
// the filesystem collaborator.
type Registry struct {
	m map[string]Factory
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Factory)}
}

// Register installs the factory for name. A device whose probe failed
// at boot is simply never registered.
func (r *Registry) Register(name string, f Factory) {
	r.m[name] = f
}

// Open constructs a file object for the named device, or reports that
// no such device type is registered.
func (r *Registry) Open(name string) (*File, bool) {
	f, ok := r.m[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// RegisterDefaults installs the boot-time device set: the stateless
// devices plus the RTC bound to its hardware tick source. Terminal
// files are not registry-resolved; they are bound directly as fd 0/1
// at process creation.
func (r *Registry) RegisterDefaults(rtc *RTC) {
	r.Register("rtc", func() *File { return NewFile(rtc.Ops(), kconst.OpenRdwr) })
	r.Register("mouse", func() *File { return NewFile(MouseOps, kconst.OpenRead) })
	r.Register("sound", func() *File { return NewFile(SoundOps, kconst.OpenRdwr) })
	r.Register("taux", func() *File { return NewFile(TauxOps, kconst.OpenRdwr) })
	r.Register("null", func() *File { return NewFile(NullOps, kconst.OpenRdwr) })
	r.Register("zero", func() *File { return NewFile(ZeroOps, kconst.OpenRdwr) })
	r.Register("random", func() *File { return NewFile(RandomOps, kconst.OpenRead) })
}
