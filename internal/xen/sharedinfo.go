package xen

import "fmt"

const (
	evtchnWords = 8  // 512 event channels, 64 bits each
	maxVCPUs    = 32 // shared_info_t's vcpu_info array width this engine supports
)

// vcpuSharedInfo is the per-vCPU slice of the shared-info page that
// TailPatcher must sanitize: the selector a guest uses to find which
// evtchn words have pending bits (spec.md §4.9 step 7).
type vcpuSharedInfo struct {
	EvtchnPendingSel uint32
}

const vcpuSharedInfoStride = 64 // conservative stride leaving room for arch-specific fields

// SharedInfo is the 4096-byte shared-info page image carried in the
// checkpoint stream (spec.md §3, §6).
type SharedInfo struct {
	EvtchnPending [evtchnWords]uint64
	EvtchnMask    [evtchnWords]uint64
	VCPUInfo      [maxVCPUs]vcpuSharedInfo
	raw           []byte // copy of the full original image; fields above are decoded copies of its bytes
}

const (
	sharedInfoEvtchnPendingOff = 0
	sharedInfoEvtchnMaskOff    = sharedInfoEvtchnPendingOff + evtchnWords*8
	sharedInfoVCPUInfoOff      = sharedInfoEvtchnMaskOff + evtchnWords*8
)

// ParseSharedInfo decodes a 4096-byte shared-info blob.
func ParseSharedInfo(blob []byte) (*SharedInfo, error) {
	if len(blob) != PageSize {
		return nil, fmt.Errorf("%w: shared_info must be %d bytes, got %d", ErrValidation, PageSize, len(blob))
	}
	s := &SharedInfo{raw: append([]byte(nil), blob...)}
	for i := 0; i < evtchnWords; i++ {
		s.EvtchnPending[i] = leUint64(s.raw[sharedInfoEvtchnPendingOff+i*8:])
		s.EvtchnMask[i] = leUint64(s.raw[sharedInfoEvtchnMaskOff+i*8:])
	}
	for i := 0; i < maxVCPUs; i++ {
		off := sharedInfoVCPUInfoOff + i*vcpuSharedInfoStride
		if off+4 > len(s.raw) {
			break
		}
		s.VCPUInfo[i].EvtchnPendingSel = leUint32(s.raw[off:])
	}
	return s, nil
}

// ZeroEvtchnState zeroes evtchn_pending[] and each vCPU's
// evtchn_pending_sel, matching spec.md §4.9 step 7: a restored guest must
// not see stale pending-event state from the saving host.
func (s *SharedInfo) ZeroEvtchnState() {
	for i := range s.EvtchnPending {
		s.EvtchnPending[i] = 0
	}
	for i := 0; i < evtchnWords; i++ {
		putLeUint64(s.raw[sharedInfoEvtchnPendingOff+i*8:], 0)
	}
	for i := range s.VCPUInfo {
		s.VCPUInfo[i].EvtchnPendingSel = 0
		off := sharedInfoVCPUInfoOff + i*vcpuSharedInfoStride
		if off+4 <= len(s.raw) {
			putLeUint32(s.raw[off:], 0)
		}
	}
}

// Bytes returns the page image with ZeroEvtchnState's edits applied.
func (s *SharedInfo) Bytes() []byte {
	return s.raw
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func putLeUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
