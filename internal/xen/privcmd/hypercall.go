package privcmd

import (
	"fmt"
	"unsafe"
)

// privcmdHypercall mirrors struct privcmd_hypercall from <xen/privcmd.h>:
// a raw hypercall op plus up to five argument words, submitted verbatim
// to the hypervisor.
type privcmdHypercall struct {
	op   uint64
	arg  [5]uint64
}

// hypercall issues op with args (padded/truncated to 5 words) via
// IOCTL_PRIVCMD_HYPERCALL and returns the hypervisor's return value.
func (d *driver) hypercall(op uint64, args ...uint64) (int64, error) {
	var call privcmdHypercall
	call.op = op
	for i := 0; i < len(args) && i < len(call.arg); i++ {
		call.arg[i] = args[i]
	}

	ret, err := ioctlWithRetry(uintptr(d.fd), ioctlPrivcmdHypercall, ptr(unsafe.Pointer(&call)))
	if err != nil {
		return 0, fmt.Errorf("privcmd: hypercall %d: %w", op, err)
	}
	return int64(ret), nil
}
