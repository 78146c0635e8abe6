package xen

import (
	"fmt"
	"log/slog"
)

// Config bundles every input spec.md §6's Restore entry point needs. A
// single value is threaded explicitly through every component instead of
// living in module-global state (Design Notes, "Module-global engine
// state → explicit context") — this also makes two Restore calls for two
// different domains safe to run concurrently, each against its own
// Config and Engine.
type Config struct {
	Hyper         HyperCtl
	Stream        *StreamReader
	Dom           DomID
	NrPfns        int
	StoreEvtchn   uint32
	ConsoleEvtchn uint32
	// Verify forces BatchReceiver into verify mode from the first batch,
	// for an operator-initiated verify run rather than one triggered by
	// the stream's own -1 sentinel (spec.md §4.6, §9 Open Questions).
	Verify bool
	Log    *slog.Logger

	// OnProgress, if set, is called with the pfn count of each completed
	// main-loop batch (cmd/xenrestore-agent wires it to a
	// github.com/schollz/progressbar/v3 bar).
	OnProgress func(n int)
}

// Engine runs one restore. It owns the P2M table, pfn-type table, and
// every foreign mapping for the duration of Restore; every foreign
// mapping is unmapped before Restore returns, on every path (spec.md §5
// Ownership). The P2M and pfn-type tables stay on the Engine afterwards,
// for DumpState.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	platform PlatformInfo
	p2m      *P2MTable
	pte      *PTERewriter
}

// NewEngine builds an Engine from cfg. cfg.Log defaults to
// slog.Default() if nil.
func NewEngine(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Engine{cfg: cfg, log: cfg.Log}
}

// Restore runs the full pipeline described by spec.md §1-§9: platform
// probe, P2M load, header decode, batch receive with inline PTE rewrite,
// the PAE lowmem fixup when applicable, pinning, and the tail patch that
// installs the vCPU context. On any error it requests Destroy(dom) before
// returning, provided dom is non-zero (spec.md §5, §7).
func (e *Engine) Restore() (res Result, raceCount int, err error) {
	defer func() {
		if err != nil && e.cfg.Dom != 0 {
			if derr := e.cfg.Hyper.Destroy(e.cfg.Dom); derr != nil {
				e.log.Error("destroy domain after failed restore", "dom", e.cfg.Dom, "error", derr)
			}
		}
	}()

	e.platform, err = NewPlatformProbe(e.cfg.Hyper).Probe()
	if err != nil {
		return Result{}, 0, err
	}
	e.log.Debug("platform probed", "max_mfn", e.platform.MaxMfn, "hvirt_start", e.platform.HvirtStart, "pt_levels", e.platform.PTLevels)

	domInfo, err := e.cfg.Hyper.GetDomainInfo(e.cfg.Dom)
	if err != nil {
		return Result{}, 0, fmt.Errorf("%w: get_domain_info: %v", ErrHypervisor, err)
	}

	// The domain must hold enough machine-frame reservation to back
	// every pfn before GetPfnList can return a full assignment (spec.md
	// §3 invariant: max_pfn*PAGE_SIZE <= reservation granted).
	if err := e.cfg.Hyper.SetMaxMem(e.cfg.Dom, uint64(e.cfg.NrPfns)*PageSize/1024); err != nil {
		return Result{}, 0, fmt.Errorf("%w: set_max_mem: %v", ErrResource, err)
	}
	if err := e.cfg.Hyper.IncreaseReservation(e.cfg.Dom, uint64(e.cfg.NrPfns)); err != nil {
		return Result{}, 0, fmt.Errorf("%w: increase_reservation: %v", ErrResource, err)
	}

	e.p2m = NewP2MTable(e.cfg.NrPfns)
	if err := e.p2m.LoadFromHypervisor(e.cfg.Hyper, e.cfg.Dom); err != nil {
		return Result{}, 0, err
	}

	info, p2mFrameList, err := NewHeaderDecoder(e.cfg.Stream).Decode(e.cfg.NrPfns)
	if err != nil {
		return Result{}, 0, err
	}

	paeApplies := Applies(e.platform.PTLevels, info.PAEExtendedCR3)
	e.pte = NewPTERewriter(e.platform.PTLevels)

	receiver := NewBatchReceiver(e.cfg.Stream, e.cfg.Hyper, e.cfg.Dom, e.p2m, e.pte, paeApplies, e.cfg.Verify, e.log)
	if e.cfg.OnProgress != nil {
		receiver.OnProgress(e.cfg.OnProgress)
	}
	deferredL1, err := receiver.Run()
	if err != nil {
		return Result{}, 0, err
	}
	raceCount = receiver.NRaces

	if paeApplies {
		fixer := NewPAELowmemFixer(e.cfg.Hyper, e.cfg.Dom, e.p2m, e.pte, e.log)
		if err := fixer.RunPassA(); err != nil {
			return Result{}, 0, err
		}
		if err := fixer.RunPassB(deferredL1); err != nil {
			return Result{}, 0, err
		}
		raceCount += fixer.NRaces
	}

	pinner := NewPinner(e.cfg.Hyper, e.cfg.Dom, e.p2m)
	if _, err := pinner.Run(); err != nil {
		return Result{}, 0, err
	}

	tail := NewTailPatcher(e.cfg.Stream, e.cfg.Hyper, e.cfg.Dom, e.p2m, e.platform.HvirtStart, e.platform.PTLevels, e.cfg.StoreEvtchn, e.cfg.ConsoleEvtchn, domInfo.SharedInfoFrame)
	res, err = tail.Run(p2mFrameList)
	if err != nil {
		return Result{}, 0, err
	}

	if raceCount > 0 {
		e.log.Warn("restore completed with recovered races", "nraces", raceCount)
	}

	return res, raceCount, nil
}

// Restore is the package-level convenience entry point matching spec.md
// §6's "Restore entry": hypervisor handle, input stream, target domain,
// expected nr_pfns, and the two event-channel numbers. It returns the
// store/console mfns, the recovered-race count (supplemented feature,
// SPEC_FULL.md item 5), and a status error.
func Restore(h HyperCtl, stream *StreamReader, dom DomID, nrPfns int, storeEvtchn, consoleEvtchn uint32, log *slog.Logger) (Result, int, error) {
	e := NewEngine(Config{
		Hyper:         h,
		Stream:        stream,
		Dom:           dom,
		NrPfns:        nrPfns,
		StoreEvtchn:   storeEvtchn,
		ConsoleEvtchn: consoleEvtchn,
		Log:           log,
	})
	return e.Restore()
}
