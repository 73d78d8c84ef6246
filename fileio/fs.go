package fileio

import "github.com/behrlich/minikernel/internal/kconst"

// FileSystem is the narrow contract the file layer needs from a
// backing store. A real implementation might read a module
// image or a host directory; this core only depends on the interface.
type FileSystem interface {
	// Stat reports whether path exists and whether it is a directory.
	Stat(path string) (isDir bool, ok bool)
	// ReadFile returns the full contents of a regular file.
	ReadFile(path string) (data []byte, ok bool)
	// ReadDir lists the entries of a directory, in a stable order.
	ReadDir(path string) (entries []string, ok bool)
}

// fsFilePrivate holds a regular file's already-read contents; offset
// lives in File.Offset.
type fsFilePrivate struct {
	data []byte
}

// fsDirPrivate holds a directory's entry list; File.Offset is the
// index of the next entry to return.
type fsDirPrivate struct {
	entries []string
}

// FSFileOps builds the vtable for a regular filesystem file backed by
// fs. Files are read-only: the disk format and the write-back path
// live behind the FileSystem collaborator boundary.
func FSFileOps(fs FileSystem) *Ops {
	return &Ops{
		Open: func(f *File, path string) int {
			data, ok := fs.ReadFile(path)
			if !ok {
				return kconst.ErrGeneric
			}
			f.Private = &fsFilePrivate{data: data}
			return 0
		},
		Read: func(f *File, buf []byte) int {
			priv := f.Private.(*fsFilePrivate)
			if f.Offset >= int64(len(priv.data)) {
				return 0
			}
			n := copy(buf, priv.data[f.Offset:])
			f.Offset += int64(n)
			return n
		},
		Write: func(f *File, buf []byte) int { return kconst.ErrGeneric },
		Close: func(f *File) {},
		Poll:  PollAlwaysReadable,
	}
}

// FSDirOps builds the vtable for a filesystem directory backed by fs.
// Each read() call returns exactly one entry name, or 0 once
// the listing is exhausted.
func FSDirOps(fs FileSystem) *Ops {
	return &Ops{
		Open: func(f *File, path string) int {
			entries, ok := fs.ReadDir(path)
			if !ok {
				return kconst.ErrGeneric
			}
			f.Private = &fsDirPrivate{entries: entries}
			return 0
		},
		Read: func(f *File, buf []byte) int {
			priv := f.Private.(*fsDirPrivate)
			if int(f.Offset) >= len(priv.entries) {
				return 0
			}
			name := priv.entries[f.Offset]
			f.Offset++
			n := copy(buf, name)
			return n
		},
		Write: func(f *File, buf []byte) int { return kconst.ErrGeneric },
		Close: func(f *File) {},
		Poll:  PollAlwaysReadable,
	}
}
