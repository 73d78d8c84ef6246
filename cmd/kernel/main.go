// Command kernel boots the simulated kernel: it validates the
// multiboot handoff, unpacks the initial filesystem image, wires the
// device set, starts the init program, and drives the PIT and RTC
// lines until init halts — the whole interrupt-to-syscall data flow,
// end to end, on a host machine.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/behrlich/minikernel/clock"
	"github.com/behrlich/minikernel/fileio"
	"github.com/behrlich/minikernel/internal/kconst"
	"github.com/behrlich/minikernel/internal/klog"
	"github.com/behrlich/minikernel/sched"
	"github.com/behrlich/minikernel/trap"
)

func main() {
	trace := flag.Bool("trace", false, "log every trap, syscall, and signal decision")
	initCmd := flag.String("init", "init", "command line of the first process")
	flag.Parse()

	var tracer *klog.Tracer
	if *trace {
		tracer = klog.NewTracer(log.New(os.Stderr, "kernel: ", log.Lmicroseconds))
	}

	info := &multibootInfo{
		flags:  1 << 3,
		module: buildInitrd(),
	}
	fs, err := boot(multibootMagic, info)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}

	rtc := fileio.NewRTC(new(clock.Source))
	term := fileio.NewTerminal(os.Stdout)
	k := trap.New(trap.Config{
		Terminals:    []*fileio.Terminal{term},
		RTC:          rtc,
		FS:           fs,
		Tracer:       tracer,
		RealtimeBase: time.Now().UnixNano(),
	})
	registerPrograms(k)

	initProc := k.StartInit(*initCmd)
	if initProc == nil {
		log.Fatal("boot: no init program")
	}

	// The boot processor's main loop: drive the PIT at its fixed
	// cadence and the RTC at MaxRTCFreq until init halts. Host wall
	// time substitutes for the crystal.
	pit := time.NewTicker(kconst.PITPeriod)
	defer pit.Stop()
	rtcTicker := time.NewTicker(time.Second / kconst.MaxRTCFreqHz)
	defer rtcTicker.Stop()
	for {
		select {
		case <-pit.C:
			k.TickPIT(nil, false)
		case <-rtcTicker.C:
			k.TickRTC()
		}
		sched.Big.Lock()
		done := initProc.State() == kconst.ProcZombie
		code := initProc.ExitCode
		sched.Big.Unlock()
		if done {
			fmt.Printf("init exited with status %d\n", code)
			return
		}
	}
}
