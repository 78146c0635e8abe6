package privcmd

// ioctl request numbers for /dev/xen/privcmd, matching
// <xen/privcmd.h>'s _IOC-encoded constants (kept as raw values here the
// same way internal/hv/kvm/kvm_defs.go lists its KVM ioctl numbers as
// plain hex rather than re-deriving the _IOC encoding in Go).
const (
	ioctlPrivcmdHypercall    = 0x305000
	ioctlPrivcmdMmapBatchV2  = 0x305022
	ioctlPrivcmdMmapResource = 0x305026
)

// Xen hypercall op numbers (public/xen.h).
const (
	hypercallMmuUpdate  = 14
	hypercallMemoryOp   = 12
	hypercallMmuextOp   = 26
	hypercallDomctl     = 36
	hypercallEventChnOp = 32
	hypercallXenVersion = 17
)

// xen_version sub-operations (public/xen.h).
const xenverPlatformParameters = 5

// memory_op sub-operations (public/memory.h).
const (
	xenmemIncreaseReservation = 0
	xenmemDecreaseReservation = 1
	xenmemMaximumReservation  = 2
	xenmemExchange            = 11
	xenmemSetMaxMem           = 4
)

// domctl sub-operations (public/domctl.h).
const (
	domctlGetDomainInfo  = 5
	domctlSetVCPUContext = 33
	domctlDestroyDomain  = 2
	domctlGetAddressSize = 63
	domctlGetMemList     = 17
)

// mmuext_op sub-operations (public/mmuext_op.h).
const (
	mmuextPinL1Table = 1
	mmuextPinL2Table = 2
	mmuextPinL3Table = 3
	mmuextPinL4Table = 4
)

// MMU update command encoded into the low bits of an mmu_update.ptr
// field (public/xen.h).
const mmuMachphysUpdate = 1
