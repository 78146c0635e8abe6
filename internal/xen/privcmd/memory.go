package privcmd

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tinyrange/xenrestore/internal/xen"
)

// xenMemoryReservation mirrors struct xen_memory_reservation
// (public/memory.h): a guest_handle pointing at an extent array, an
// extent count, and the target domain.
type xenMemoryReservation struct {
	extentStart uintptr
	nrExtents   uint64
	extentOrder uint32
	_           uint32
	domid       uint16
}

func (d *driver) memoryOp(subOp uint64, req uintptr) (int64, error) {
	ret, err := d.hypercall(hypercallMemoryOp, subOp, uint64(req))
	if err != nil {
		return 0, fmt.Errorf("privcmd: memory_op %d: %w", subOp, err)
	}
	return ret, nil
}

// SetMaxMem issues XENMEM_set_maxmem, capping dom's memory reservation.
func (d *driver) SetMaxMem(dom xen.DomID, kbytes uint64) error {
	pages := kbytes / (xen.PageSize / 1024)
	req := xenMemoryReservation{nrExtents: pages, domid: uint16(dom)}
	if _, err := d.memoryOp(xenmemSetMaxMem, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("privcmd: set_max_mem dom %d to %d KiB: %w", dom, kbytes, err)
	}
	return nil
}

// IncreaseReservation issues XENMEM_increase_reservation for nPfns
// single-page extents.
func (d *driver) IncreaseReservation(dom xen.DomID, nPfns uint64) error {
	req := xenMemoryReservation{nrExtents: nPfns, domid: uint16(dom)}
	if _, err := d.memoryOp(xenmemIncreaseReservation, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("privcmd: increase_reservation dom %d by %d pages: %w", dom, nPfns, err)
	}
	return nil
}

// DecreaseReservation issues XENMEM_decrease_reservation for the given
// mfns.
func (d *driver) DecreaseReservation(dom xen.DomID, mfns []xen.Mfn) error {
	if len(mfns) == 0 {
		return nil
	}
	extents := make([]uint64, len(mfns))
	for i, m := range mfns {
		extents[i] = uint64(m)
	}
	req := xenMemoryReservation{
		extentStart: uintptr(unsafe.Pointer(&extents[0])),
		nrExtents:   uint64(len(extents)),
		domid:       uint16(dom),
	}
	n, err := d.memoryOp(xenmemDecreaseReservation, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return err
	}
	if int(n) != len(mfns) {
		return fmt.Errorf("privcmd: decrease_reservation freed %d of %d mfns", n, len(mfns))
	}
	return nil
}

// GetPfnList fills out with the mfns backing dom's first maxPfn pfns via
// XEN_DOMCTL_getmemlist, whose guest_handle payload field is a raw
// pointer into this process's memory the hypervisor writes through.
func (d *driver) GetPfnList(dom xen.DomID, out []xen.Mfn, maxPfn int) (int, error) {
	if maxPfn == 0 {
		return 0, nil
	}
	raw := make([]uint64, maxPfn)
	payload := make([]byte, 16)
	littleEndianPutUint64(payload[0:8], uint64(uintptr(unsafe.Pointer(&raw[0]))))
	littleEndianPutUint64(payload[8:16], uint64(maxPfn))

	resp, err := d.domctl(domctlGetMemList, dom, payload)
	if err != nil {
		return 0, fmt.Errorf("privcmd: get_pfn_list dom %d: %w", dom, err)
	}
	actual := int(binary.LittleEndian.Uint64(resp.payload[16:24]))
	if actual > maxPfn {
		actual = maxPfn
	}
	for i := 0; i < actual && i < len(out); i++ {
		out[i] = xen.Mfn(raw[i])
	}
	return actual, nil
}

// xenMemoryExchange mirrors struct xen_memory_exchange (public/memory.h):
// an in reservation naming the page(s) to give up and an out reservation
// naming the replacement, constrained here to a single below-4G page.
type xenMemoryExchange struct {
	in      xenMemoryReservation
	out     xenMemoryReservation
	nrDone  uint64
}

// MakePageBelow4G issues XENMEM_exchange to trade oldMfn for a fresh
// frame under the 1M-frame (4 GiB) boundary (spec.md §4.7 Pass A).
func (d *driver) MakePageBelow4G(dom xen.DomID, oldMfn xen.Mfn) (xen.Mfn, error) {
	inExtent := uint64(oldMfn)
	var outExtent uint64

	req := xenMemoryExchange{
		in:  xenMemoryReservation{extentStart: uintptr(unsafe.Pointer(&inExtent)), nrExtents: 1, domid: uint16(dom)},
		out: xenMemoryReservation{extentStart: uintptr(unsafe.Pointer(&outExtent)), nrExtents: 1, extentOrder: 0, domid: uint16(dom)},
	}
	if _, err := d.memoryOp(xenmemExchange, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, fmt.Errorf("privcmd: exchange mfn %s below 4G: %w", oldMfn, err)
	}
	if req.nrDone != 1 {
		return 0, fmt.Errorf("privcmd: exchange mfn %s: hypervisor completed %d of 1", oldMfn, req.nrDone)
	}
	return xen.Mfn(outExtent), nil
}

// xenPlatformParameters mirrors struct xen_platform_parameters
// (public/xen.h): just the hypervisor virtual-address base this engine
// needs to keep pfns out of.
type xenPlatformParameters struct {
	virtStart uint64
}

// Probe issues XENVER_platform_parameters and XEN_DOMCTL_get_address_size
// to learn the hypervisor's memory layout limits (spec.md §4.2).
func (d *driver) Probe() (xen.PlatformInfo, error) {
	var params xenPlatformParameters
	if _, err := d.hypercall(hypercallXenVersion, xenverPlatformParameters, uint64(uintptr(unsafe.Pointer(&params)))); err != nil {
		return xen.PlatformInfo{}, fmt.Errorf("privcmd: xen_version platform_parameters: %w", err)
	}

	resp, err := d.domctl(domctlGetAddressSize, 0, nil)
	if err != nil {
		return xen.PlatformInfo{}, fmt.Errorf("privcmd: get_address_size: %w", err)
	}
	addrSize := binary.LittleEndian.Uint32(resp.payload[0:4])

	levels := 3
	if addrSize == 64 {
		levels = 4
	}

	maxReq := xenMemoryReservation{}
	maxMfn, err := d.memoryOp(xenmemMaximumReservation, uintptr(unsafe.Pointer(&maxReq)))
	if err != nil {
		return xen.PlatformInfo{}, fmt.Errorf("privcmd: maximum_reservation: %w", err)
	}

	return xen.PlatformInfo{
		MaxMfn:     xen.Mfn(maxMfn),
		HvirtStart: params.virtStart,
		PTLevels:   levels,
	}, nil
}
