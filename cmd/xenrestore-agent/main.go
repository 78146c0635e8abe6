// Command xenrestore-agent drives one guest-memory restore from a
// checkpoint stream against a live hypervisor, the same way
// tinyrange-cc/internal/cmd/cc is the thin flag-parsing front end over
// internal/hv: almost all the logic lives in internal/xen, this just
// wires flags to a Config and reports the result.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/xenrestore/internal/xen"
	"github.com/tinyrange/xenrestore/internal/xen/privcmd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xenrestore-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if fs.logLevel != "" {
		if err := level.UnmarshalText([]byte(fs.logLevel)); err != nil {
			return fmt.Errorf("parse -log-level: %w", err)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	log := slog.Default()

	if fs.domID == 0 {
		return errors.New("-domid is required")
	}
	if fs.nrPfns <= 0 {
		return errors.New("-nr-pfns must be positive")
	}

	streamFile := os.Stdin
	if fs.streamPath != "" && fs.streamPath != "-" {
		f, err := os.Open(fs.streamPath)
		if err != nil {
			return fmt.Errorf("open -stream %s: %w", fs.streamPath, err)
		}
		defer f.Close()
		streamFile = f
	}

	hyper, err := privcmd.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor control interface: %w", err)
	}
	if closer, ok := hyper.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	dom := xen.DomID(fs.domID)
	stream := xen.NewStreamReader(streamFile)

	var bar *progressbar.ProgressBar
	var onProgress func(n int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(fs.nrPfns), fmt.Sprintf("restoring dom %d", dom))
		onProgress = func(n int) { bar.Add(n) }
	}

	engine := xen.NewEngine(xen.Config{
		Hyper:         hyper,
		Stream:        stream,
		Dom:           dom,
		NrPfns:        fs.nrPfns,
		StoreEvtchn:   uint32(fs.storeEvtchn),
		ConsoleEvtchn: uint32(fs.consoleEvtchn),
		Verify:        fs.verify,
		Log:           log,
		OnProgress:    onProgress,
	})

	result, raceCount, restoreErr := engine.Restore()
	if bar != nil {
		bar.Close()
	}

	if fs.dumpStatePath != "" {
		dumpFile, derr := os.Create(fs.dumpStatePath)
		if derr != nil {
			log.Error("open -dump-state file", "path", fs.dumpStatePath, "error", derr)
		} else {
			if derr := engine.DumpState(dumpFile, raceCount); derr != nil {
				log.Error("write debug dump", "error", derr)
			}
			dumpFile.Close()
		}
	}

	if restoreErr != nil {
		return fmt.Errorf("restore dom %d: %w", dom, restoreErr)
	}

	if raceCount > 0 {
		log.Warn("restore completed with recovered races", "nraces", raceCount)
	}
	log.Info("restore complete", "dom", dom, "store_mfn", result.StoreMfn, "console_mfn", result.ConsoleMfn)

	fmt.Printf("store_mfn=%s console_mfn=%s\n", result.StoreMfn, result.ConsoleMfn)
	return nil
}

// flagSet bundles xenrestore-agent's flags (SPEC_FULL.md AMBIENT STACK,
// "Configuration"): -domid, -stream, -nr-pfns, -store-evtchn,
// -console-evtchn, -verify, -log-level, plus -dump-state for the
// debugdump diagnostic feature.
type flagSet struct {
	domID         uint
	streamPath    string
	nrPfns        int
	storeEvtchn   uint
	consoleEvtchn uint
	verify        bool
	logLevel      string
	dumpStatePath string
}

func newFlagSet() *flagSet {
	return &flagSet{}
}

func (f *flagSet) Parse(args []string) error {
	set := flag.NewFlagSet("xenrestore-agent", flag.ContinueOnError)
	set.UintVar(&f.domID, "domid", 0, "target domain id")
	set.StringVar(&f.streamPath, "stream", "-", "checkpoint stream path, or - for stdin")
	set.IntVar(&f.nrPfns, "nr-pfns", 0, "expected number of guest pfns")
	set.UintVar(&f.storeEvtchn, "store-evtchn", 0, "xenstore event channel number")
	set.UintVar(&f.consoleEvtchn, "console-evtchn", 0, "console event channel number")
	set.BoolVar(&f.verify, "verify", false, "start the main loop in verify mode")
	set.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	set.StringVar(&f.dumpStatePath, "dump-state", "", "write a gzipped diagnostic dump of the reconstructed P2M/pfn-type tables to this path")
	return set.Parse(args)
}
