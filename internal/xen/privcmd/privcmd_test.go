//go:build linux

package privcmd

import "testing"

// checkXenAvailable mirrors tinyrange-cc/internal/hv/kvm/kvm_test.go's
// checkKVMAvailable: skip hardware-backed tests outright when the
// control interface this package drives isn't present, rather than
// failing a CI run with no Xen hypervisor underneath it.
func checkXenAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("privcmd not available: %v", err)
	}
	if closer, ok := h.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Fatalf("Close privcmd driver: %v", err)
		}
	}
}

func TestOpen(t *testing.T) {
	checkXenAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open privcmd driver: %v", err)
	}
	closer, ok := h.(interface{ Close() error })
	if !ok {
		t.Fatalf("HyperCtl returned by Open does not implement Close")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close privcmd driver: %v", err)
	}
}

func TestProbeReturnsSupportedPTLevels(t *testing.T) {
	checkXenAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open privcmd driver: %v", err)
	}
	defer h.(interface{ Close() error }).Close()

	info, err := h.Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	switch info.PTLevels {
	case 2, 3, 4:
	default:
		t.Errorf("Probe returned pt_levels = %d, want 2, 3, or 4", info.PTLevels)
	}
}
