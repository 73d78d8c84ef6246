package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// multibootMagic is the value a compliant loader leaves in eax.
const multibootMagic = 0x2BADB002

// moduleLimit caps the initial filesystem image at the first 4 MiB of
// physical memory.
const moduleLimit = 4 * 1024 * 1024

// multibootInfo is the slice of the loader-provided record this kernel
// consumes: the flags word and the single module holding the initial
// filesystem image (flags bit 3).
type multibootInfo struct {
	flags  uint32
	module []byte
}

// boot validates the loader handoff and unpacks the filesystem image.
func boot(magic uint32, info *multibootInfo) (*memFS, error) {
	if magic != multibootMagic {
		return nil, fmt.Errorf("bad multiboot magic %#x", magic)
	}
	if info.flags&(1<<3) == 0 {
		return nil, errors.New("no filesystem module")
	}
	if len(info.module) > moduleLimit {
		return nil, fmt.Errorf("filesystem module %d bytes exceeds 4 MiB", len(info.module))
	}
	return parseInitrd(info.module), nil
}

// The initrd is a minimal textual archive: each file starts with a
// "== name ==" marker line, followed by its contents up to the next
// marker.
func parseInitrd(image []byte) *memFS {
	fs := &memFS{files: make(map[string][]byte)}
	var name string
	var body []string
	flush := func() {
		if name != "" {
			fs.files[name] = []byte(strings.Join(body, "\n"))
		}
	}
	for _, line := range strings.Split(string(image), "\n") {
		if strings.HasPrefix(line, "== ") && strings.HasSuffix(line, " ==") {
			flush()
			name = strings.TrimSuffix(strings.TrimPrefix(line, "== "), " ==")
			body = nil
			continue
		}
		body = append(body, line)
	}
	flush()
	return fs
}

func buildInitrd() []byte {
	return []byte(strings.Join([]string{
		"== motd ==",
		"welcome to minikernel",
		"== frame0.txt ==",
		"/\\    /\\",
		"  \\--/",
	}, "\n"))
}

// memFS is the in-memory filesystem collaborator the boot sequence
// satisfies fileio.FileSystem with: a flat namespace plus the "."
// directory enumerating it.
type memFS struct {
	files map[string][]byte
}

func (m *memFS) Stat(path string) (isDir, ok bool) {
	if path == "." {
		return true, true
	}
	_, ok = m.files[path]
	return false, ok
}

func (m *memFS) ReadFile(path string) ([]byte, bool) {
	data, ok := m.files[path]
	return data, ok
}

func (m *memFS) ReadDir(path string) ([]string, bool) {
	if path != "." {
		return nil, false
	}
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}
