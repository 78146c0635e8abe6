package privcmd

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xenrestore/internal/xen"
)

// privcmdMmapBatchV2 mirrors struct privcmd_mmapbatch_v2: map num pages
// of dom's memory (named by the mfn array at arr) into the VA range
// starting at addr. A failed slot's error code lands in errPtr[i]; the
// call as a whole still succeeds (spec.md §4.3 map_foreign_batch).
type privcmdMmapBatchV2 struct {
	num    uint32
	domid  uint16
	_      uint16
	addr   uint64
	arr    uintptr
	errPtr uintptr
}

func protFlags(prot xen.MemProt) int {
	switch prot {
	case xen.ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_READ
	}
}

// mapBatch reserves n pages of VA space and maps mfns (len<=n) into it
// via IOCTL_PRIVCMD_MMAPBATCH_V2.
func (d *driver) mapBatch(dom xen.DomID, prot xen.MemProt, mfns []xen.Mfn) (xen.ForeignMapping, error) {
	n := len(mfns)
	if n == 0 {
		return xen.ForeignMapping{}, fmt.Errorf("privcmd: cannot map zero pages")
	}

	region, err := unix.Mmap(-1, 0, n*xen.PageSize, protFlags(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return xen.ForeignMapping{}, fmt.Errorf("privcmd: reserve %d pages of VA space: %w", n, err)
	}

	arr := make([]uint64, n)
	for i, m := range mfns {
		arr[i] = uint64(m)
	}
	errs := make([]int32, n)

	req := privcmdMmapBatchV2{
		num:    uint32(n),
		domid:  uint16(dom),
		addr:   uint64(uintptr(unsafe.Pointer(&region[0]))),
		arr:    uintptr(unsafe.Pointer(&arr[0])),
		errPtr: uintptr(unsafe.Pointer(&errs[0])),
	}

	if _, err := ioctlWithRetry(uintptr(d.fd), ioctlPrivcmdMmapBatchV2, ptr(unsafe.Pointer(&req))); err != nil {
		unix.Munmap(region)
		return xen.ForeignMapping{}, fmt.Errorf("privcmd: mmapbatch: %w", err)
	}

	return xen.ForeignMapping{Bytes: region}, nil
}

func (d *driver) MapForeignBatch(dom xen.DomID, prot xen.MemProt, mfns []xen.Mfn) (xen.ForeignMapping, error) {
	return d.mapBatch(dom, prot, mfns)
}

func (d *driver) MapForeignRange(dom xen.DomID, prot xen.MemProt, mfn xen.Mfn, n int) (xen.ForeignMapping, error) {
	mfns := make([]xen.Mfn, n)
	for i := range mfns {
		mfns[i] = mfn + xen.Mfn(i)
	}
	return d.mapBatch(dom, prot, mfns)
}

func (d *driver) Unmap(m xen.ForeignMapping) error {
	if len(m.Bytes) == 0 {
		return nil
	}
	if err := unix.Munmap(m.Bytes); err != nil {
		return fmt.Errorf("privcmd: munmap: %w", err)
	}
	return nil
}
