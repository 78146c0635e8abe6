package xen

import (
	"fmt"
	"io"

	"github.com/tinyrange/xenrestore/internal/xen/debugdump"
)

// DumpState writes the engine's current P2M and pfn-type tables to w via
// internal/xen/debugdump, for operator post-mortem analysis (SPEC_FULL.md
// DOMAIN STACK, "compress/gzip + encoding/gob"). It reads only the
// Engine's in-memory tables, which stay on the Engine after Restore
// returns, so it is safe to call after a failed Restore, including after
// the Destroy that a failed Restore issues. It fails if Restore never got
// as far as building the P2M. cmd/xenrestore-agent calls it after
// Restore() returns, on success or failure, when -dump-state is set.
func (e *Engine) DumpState(w io.Writer, raceCount int) error {
	if e.p2m == nil {
		return fmt.Errorf("xen: dump requested before P2M was built")
	}
	snap := debugdump.Snapshot{
		MaxPfn:    e.p2m.MaxPfn(),
		P2M:       make([]uint64, e.p2m.MaxPfn()),
		PfnType:   make([]debugdump.PfnTypeEntry, e.p2m.MaxPfn()),
		RaceCount: raceCount,
	}
	for i := 0; i < e.p2m.MaxPfn(); i++ {
		pfn := Pfn(i)
		snap.P2M[i] = uint64(e.p2m.Get(pfn))
		pt := e.p2m.Type(pfn)
		snap.PfnType[i] = debugdump.PfnTypeEntry{
			Table:  uint8(pt.Table),
			Pinned: pt.Pinned,
			XTab:   pt.XTab,
		}
	}
	return debugdump.Write(w, snap)
}
