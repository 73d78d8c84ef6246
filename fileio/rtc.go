package fileio

import (
	"encoding/binary"

	"github.com/behrlich/minikernel/clock"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/waitqueue"
)

// rtcPrivate is the per-open virtual interrupt frequency stored in
// file.Private.
type rtcPrivate struct {
	freq int
}

// RTC is the single virtualized real-time-clock device driven by one
// hardware tick source: every open RTC file
// derives its own virtual frequency from the same underlying counter.
type RTC struct {
	source *clock.Source
	queue  *waitqueue.Queue
}

// NewRTC binds an RTC device to the hardware tick source it
// virtualizes. Whatever drives the real periodic interrupt (cmd/kernel's
// boot loop, or a test) must call Tick once per hardware period.
func NewRTC(source *clock.Source) *RTC {
	return &RTC{source: source, queue: waitqueue.New()}
}

// Tick advances the underlying hardware counter and wakes every RTC
// read blocked on it, mirroring rtc_handle_irq's broadcast.
func (r *RTC) Tick(durNano int64) {
	r.source.Tick(durNano)
	r.queue.Wake()
}

func rtcFreqValid(freq int) bool {
	if freq < 2 || freq > kconst.MaxRTCFreqHz {
		return false
	}
	return freq&(freq-1) == 0 // power of two
}

func (r *RTC) open(f *File, path string) int {
	f.Private = &rtcPrivate{freq: 2}
	return 0
}

// read blocks until the global tick counter reaches the next multiple
// of MaxRTCFreqHz/freq, or a deliverable signal arrives first. This
// call ignores file.Nonblocking: RTC reads are always an
// interruptible wait, never an EAGAIN poll.
func (r *RTC) read(f *File, buf []byte) int {
	priv := f.Private.(*rtcPrivate)
	divisor := uint64(kconst.MaxRTCFreqHz / priv.freq)
	target := (r.source.Ticks() + divisor) &^ (divisor - 1)

	ret := waitqueue.Wait(f.Owner, r.queue, false, true, f.HasPending, f.Sleep,
		kconst.EAGAIN, kconst.EINTR, func() int {
			if r.source.Ticks() >= target {
				return 0
			}
			return kconst.EAGAIN
		})
	return ret
}

// write sets this file's virtual frequency from a 4-byte little-endian
// integer; it must be a power of two between 2 and MaxRTCFreqHz.
func (r *RTC) write(f *File, buf []byte) int {
	if len(buf) != 4 {
		return kconst.ErrGeneric
	}
	freq := int(int32(binary.LittleEndian.Uint32(buf)))
	if !rtcFreqValid(freq) {
		return kconst.ErrGeneric
	}
	f.Private.(*rtcPrivate).freq = freq
	return 0
}

func (r *RTC) close(f *File) {}

func (r *RTC) ioctl(f *File, req, arg int) int { return kconst.ErrGeneric }

// Ops returns the RTC's vtable. Poll is deliberately left nil: the
// poll syscall treats an unpollable file as a hard error rather than
// a silent always-ready default, and a virtual-frequency tick has no
// meaningful readiness bit to report.
func (r *RTC) Ops() *Ops {
	return &Ops{
		Open:  r.open,
		Read:  r.read,
		Write: r.write,
		Close: r.close,
		Ioctl: r.ioctl,
	}
}
