package fileio

import "math/rand"

// NullOps backs /dev/null: reads report EOF immediately, writes
// silently discard everything, per the standard null-device contract.
var NullOps = &Ops{
	Read:  func(f *File, buf []byte) int { return 0 },
	Write: func(f *File, buf []byte) int { return len(buf) },
	Poll:  PollAlwaysReadWrite,
}

// ZeroOps backs /dev/zero: reads fill the buffer with zero bytes,
// writes discard.
var ZeroOps = &Ops{
	Read: func(f *File, buf []byte) int {
		clear(buf)
		return len(buf)
	},
	Write: func(f *File, buf []byte) int { return len(buf) },
	Poll:  PollAlwaysReadWrite,
}

// RandomOps backs /dev/random: reads are filled with pseudo-random
// bytes via math/rand, writes discard (no entropy pool to feed in
// this educational kernel).
var RandomOps = &Ops{
	Read: func(f *File, buf []byte) int {
		for i := range buf {
			buf[i] = byte(rand.Intn(256))
		}
		return len(buf)
	},
	Write: func(f *File, buf []byte) int { return len(buf) },
	Poll:  PollAlwaysReadWrite,
}

// stubOps backs a device whose internals are out of scope: always
// readable as EOF, writes rejected. Mouse, taux, and sound devices all
// use this so they occupy a real descriptor and participate in poll()
// without pretending to model hardware this core doesn't cover.
func stubOps() *Ops {
	return &Ops{
		Read:  func(f *File, buf []byte) int { return 0 },
		Write: func(f *File, buf []byte) int { return -1 },
		Poll:  PollAlwaysReadable,
	}
}

// MouseOps, TauxOps, and SoundOps are the boot-registered vtables for
// the three stub device types.
var (
	MouseOps = stubOps()
	TauxOps  = stubOps()
	SoundOps = stubOps()
)
