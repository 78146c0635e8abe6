package privcmd

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/xenrestore/internal/xen"
)

// mmuUpdateWire mirrors struct mmu_update (public/xen.h): a raw
// (ptr, val) pair submitted to the mmu_update hypercall.
type mmuUpdateWire struct {
	Ptr uint64
	Val uint64
}

// EnqueueMMU queues one m2p update; it is not sent until FlushMMU.
func (d *driver) EnqueueMMU(cmd xen.MMUUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, mmuUpdateWire{Ptr: cmd.Ptr, Val: cmd.Val})
}

// FlushMMU submits the pending m2p-update batch atomically via the
// mmu_update hypercall and clears it.
func (d *driver) FlushMMU() error {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var success uint32
	_, err := d.hypercall(hypercallMmuUpdate,
		uint64(uintptr(unsafe.Pointer(&batch[0]))),
		uint64(len(batch)),
		uint64(uintptr(unsafe.Pointer(&success))),
		0,
	)
	if err != nil {
		return fmt.Errorf("privcmd: mmu_update of %d entries: %w", len(batch), err)
	}
	if int(success) != len(batch) {
		return fmt.Errorf("privcmd: mmu_update accepted %d of %d entries", success, len(batch))
	}
	return nil
}

// mmuextOpWire mirrors struct mmuext_op (public/mmuext_op.h), simplified
// to the pin operations this engine submits: cmd plus a single
// frame-number argument.
type mmuextOpWire struct {
	Cmd uint32
	_   uint32
	Mfn uint64
}

func pinOpcode(op xen.MmuextOp) uint32 {
	switch op {
	case xen.MmuextPinL1Table:
		return mmuextPinL1Table
	case xen.MmuextPinL2Table:
		return mmuextPinL2Table
	case xen.MmuextPinL3Table:
		return mmuextPinL3Table
	case xen.MmuextPinL4Table:
		return mmuextPinL4Table
	default:
		return 0
	}
}

// Pin atomically submits ops via the mmuext_op hypercall.
func (d *driver) Pin(dom xen.DomID, ops []xen.PinCommand) error {
	if len(ops) == 0 {
		return nil
	}
	wire := make([]mmuextOpWire, len(ops))
	for i, op := range ops {
		wire[i] = mmuextOpWire{Cmd: pinOpcode(op.Op), Mfn: uint64(op.Mfn)}
	}

	var done uint32
	_, err := d.hypercall(hypercallMmuextOp,
		uint64(uintptr(unsafe.Pointer(&wire[0]))),
		uint64(len(wire)),
		uint64(uintptr(unsafe.Pointer(&done))),
		uint64(dom),
	)
	if err != nil {
		return fmt.Errorf("privcmd: mmuext_op pin batch of %d: %w", len(ops), err)
	}
	if int(done) != len(ops) {
		return fmt.Errorf("privcmd: mmuext_op pinned %d of %d", done, len(ops))
	}
	return nil
}
