// Package privcmd implements xen.HyperCtl against the Linux privcmd
// driver (/dev/xen/privcmd), the same way internal/hv/kvm in the
// tinyrange-cc source tree drives /dev/kvm: raw ioctls over a device fd,
// issued with golang.org/x/sys/unix.
package privcmd

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xenrestore/internal/xen"
)

const privcmdDevice = "/dev/xen/privcmd"

// driver implements xen.HyperCtl over one open privcmd fd.
type driver struct {
	fd int

	mu      sync.Mutex
	pending []mmuUpdateWire
}

// Open opens /dev/xen/privcmd and returns a HyperCtl backed by it.
func Open() (xen.HyperCtl, error) {
	fd, err := unix.Open(privcmdDevice, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("privcmd: open %s: %w", privcmdDevice, err)
	}
	return &driver{fd: fd}, nil
}

func (d *driver) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("privcmd: close: %w", err)
	}
	return nil
}

var _ xen.HyperCtl = (*driver)(nil)
