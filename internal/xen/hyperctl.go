package xen

// DomID identifies a guest domain to the hypervisor.
type DomID uint32

// mmuCommand is one entry of an MMU_UPDATE batch (spec.md §4.3,
// mmu_update_queue.add).
type mmuCommand uint32

const (
	mmuNormalPTUpdate  mmuCommand = 0
	mmuMachphysUpdate  mmuCommand = 1
)

// MMUUpdate is a single (ptr, val) pair submitted to HyperCtl's
// mmu_update hypercall. For an m2p update, Ptr carries mfn<<PageShift|cmd
// and Val carries the pfn, matching MMU_MACHPHYS_UPDATE's encoding.
type MMUUpdate struct {
	Ptr uint64
	Val uint64
}

// MmuextOp identifies an mmuext_op pin/unpin command (spec.md §4.8).
type MmuextOp uint32

const (
	MmuextPinL1Table MmuextOp = 1
	MmuextPinL2Table MmuextOp = 2
	MmuextPinL3Table MmuextOp = 3
	MmuextPinL4Table MmuextOp = 4
)

// PinCommand is one entry of a pin batch.
type PinCommand struct {
	Op  MmuextOp
	Mfn Mfn
}

// MemProt selects the protection a foreign mapping is established with.
type MemProt int

const (
	ProtRead MemProt = iota
	ProtReadWrite
)

// DomainInfo is the subset of get_domaininfo the engine consumes.
type DomainInfo struct {
	SharedInfoFrame Mfn
}

// PlatformInfo is what PlatformProbe learns before any restore work
// begins (spec.md §4.2).
type PlatformInfo struct {
	MaxMfn     Mfn
	HvirtStart uint64
	PTLevels   int // 2, 3, or 4
}

// HyperCtl is the thin command surface the restore engine drives against
// the hypervisor control interface (spec.md §4.3). It is a contract only:
// the concrete implementation (internal/xen/privcmd) issues the matching
// hypercalls; tests substitute an in-memory fake.
//
// All operations are synchronous; HyperCtl implementations are not
// required to be safe for concurrent use by more than one goroutine at a
// time, matching the engine's single-threaded use described in spec.md §5.
type HyperCtl interface {
	// Probe queries the hypervisor for platform limits.
	Probe() (PlatformInfo, error)

	// GetDomainInfo returns control-plane info about dom.
	GetDomainInfo(dom DomID) (DomainInfo, error)

	// SetMaxMem caps the domain's memory reservation.
	SetMaxMem(dom DomID, kbytes uint64) error

	// IncreaseReservation grants the domain nPfns additional machine
	// frames.
	IncreaseReservation(dom DomID, nPfns uint64) error

	// GetPfnList fills out with the mfns the hypervisor has assigned to
	// dom's first maxPfn pfns, in the hypervisor's own order, and
	// returns how many entries it actually filled. A short fill (actual
	// != maxPfn) is a ResourceError at the call site.
	GetPfnList(dom DomID, out []Mfn, maxPfn int) (actual int, err error)

	// MapForeignBatch maps the pages named by mfns (j entries, possibly
	// containing zero-valued placeholders for slots the caller expects
	// to fail) into this process's address space with the requested
	// protection. Individual failed slots come back inaccessible; the
	// call as a whole still succeeds. The caller must Unmap the returned
	// mapping.
	MapForeignBatch(dom DomID, prot MemProt, mfns []Mfn) (ForeignMapping, error)

	// MapForeignRange maps n contiguous pages starting at mfn.
	MapForeignRange(dom DomID, prot MemProt, mfn Mfn, n int) (ForeignMapping, error)

	// Unmap releases a mapping returned by MapForeignBatch/MapForeignRange.
	Unmap(m ForeignMapping) error

	// EnqueueMMU adds one m2p update command to the pending batch. The
	// batch is not sent to the hypervisor until FlushMMU is called.
	EnqueueMMU(cmd MMUUpdate)

	// FlushMMU atomically submits and clears the pending m2p-update
	// batch. Ordering within a single flush is not user-visible.
	FlushMMU() error

	// Pin atomically submits a batch of pin commands.
	Pin(dom DomID, ops []PinCommand) error

	// MakePageBelow4G allocates a replacement frame for oldMfn with
	// newMfn < 2^20, and frees oldMfn.
	MakePageBelow4G(dom DomID, oldMfn Mfn) (newMfn Mfn, err error)

	// DecreaseReservation drops the mfns from dom's reservation. Partial
	// success is a ResourceError.
	DecreaseReservation(dom DomID, mfns []Mfn) error

	// SetVCPUContext installs ctxt as vcpu 0's initial register state.
	SetVCPUContext(dom DomID, vcpu uint32, ctxt *VCPUContext) error

	// Destroy tears the domain down. Called by the engine on every
	// error path once dom is known non-zero.
	Destroy(dom DomID) error
}

// ForeignMapping is a contiguous virtual mapping of one or more machine
// frames into this process, as returned by MapForeignBatch/MapForeignRange.
type ForeignMapping struct {
	// Bytes is the mapped memory, length n*PageSize.
	Bytes []byte
}

// Page returns the i'th PageSize-sized page of the mapping.
func (m ForeignMapping) Page(i int) []byte {
	return m.Bytes[i*PageSize : (i+1)*PageSize]
}
