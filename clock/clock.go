// Package clock models the kernel's one real hardware periodic source:
// a monotonically increasing tick counter that
// the virtual RTC derives its notion of time from (the PIT-driven
// scheduler tick keeps its own clock in sched). Real port I/O and PIC/IOAPIC
// programming are out of scope; Source is the narrow
// contract the rest of the kernel needs from that hardware.
package clock

import "sync/atomic"

// Source is a monotonically increasing hardware tick counter. The zero
// value is ready to use.
type Source struct {
	ticks atomic.Uint64
	nanos atomic.Int64
}

// Tick advances the source by one hardware tick and by dur nanoseconds
// of monotonic time, returning the new tick count. Called from the
// simulated IRQ handler driving this source (RTC's 1024 Hz line, or a
// test advancing time deterministically).
func (s *Source) Tick(dur int64) uint64 {
	s.nanos.Add(dur)
	return s.ticks.Add(1)
}

// Ticks returns the current tick count.
func (s *Source) Ticks() uint64 {
	return s.ticks.Load()
}

// Nanos returns the current monotonic nanosecond count; it never
// decreases.
func (s *Source) Nanos() int64 {
	return s.nanos.Load()
}
