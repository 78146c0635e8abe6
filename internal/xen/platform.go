package xen

import "fmt"

// PlatformProbe queries the hypervisor for the limits every later
// validity check depends on (spec.md §4.2).
type PlatformProbe struct {
	h HyperCtl
}

// NewPlatformProbe builds a probe over h.
func NewPlatformProbe(h HyperCtl) *PlatformProbe {
	return &PlatformProbe{h: h}
}

// Probe returns the platform's max mfn, hypervisor virtual base, and
// guest page-table level count. It fails if the hypervisor cannot answer.
func (p *PlatformProbe) Probe() (PlatformInfo, error) {
	info, err := p.h.Probe()
	if err != nil {
		return PlatformInfo{}, fmt.Errorf("%w: platform probe: %v", ErrHypervisor, err)
	}
	switch info.PTLevels {
	case 2, 3, 4:
	default:
		return PlatformInfo{}, fmt.Errorf("%w: platform probe returned unsupported pt_levels %d", ErrValidation, info.PTLevels)
	}
	return info, nil
}
