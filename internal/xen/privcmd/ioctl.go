package privcmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl and ioctlWithRetry mirror internal/hv/kvm/kvm_bindings.go's
// helpers of the same name: a thin wrapper over the raw SYS_IOCTL
// syscall, retried transparently on EINTR.
func ioctl(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ptr(p unsafe.Pointer) uintptr { return uintptr(p) }
