package xen

import (
	"fmt"
)

// entriesPerFrame is the number of 8-byte P2M-frame-list words a single
// guest page holds.
const entriesPerFrame = PageSize / 8

// p2mFlEntries is P2M_FL_ENTRIES: the number of frame-list words needed to
// describe the guest's own P2M table for maxPfn pfns.
func p2mFlEntries(maxPfn int) int {
	return (maxPfn + entriesPerFrame - 1) / entriesPerFrame
}

// extendedInfoMagic is the sentinel first word (~0) signalling the
// optional extended-info block is present (spec.md §3 ExtendedInfo
// header).
const extendedInfoMagic = ^uint64(0)

const vcpuChunkSig = "vcpu"

// ExtendedInfo is the result of decoding the optional prefix block: a
// pending vCPU context (if a "vcpu" chunk was seen) and the derived
// pae_extended_cr3 flag.
type ExtendedInfo struct {
	VCPU            *VCPUContext
	PAEExtendedCR3  bool
}

// HeaderDecoder parses the leading extended-info region and the guest's
// P2M frame list (spec.md §4.4).
type HeaderDecoder struct {
	sr *StreamReader
}

// NewHeaderDecoder wraps sr.
func NewHeaderDecoder(sr *StreamReader) *HeaderDecoder {
	return &HeaderDecoder{sr: sr}
}

// Decode reads the optional extended-info block (if present) followed by
// the P2M_FL_ENTRIES-word frame list sized for maxPfn. It returns the
// decoded ExtendedInfo (zero value if no block was present) and the frame
// list of guest pfns backing the guest's own P2M table.
func (d *HeaderDecoder) Decode(maxPfn int) (ExtendedInfo, []Pfn, error) {
	var info ExtendedInfo

	w0, err := d.sr.ReadUint64()
	if err != nil {
		return info, nil, err
	}

	if w0 == extendedInfoMagic {
		total, err := d.sr.ReadUint32()
		if err != nil {
			return info, nil, err
		}
		remaining := int64(total)
		for remaining > 0 {
			var sig [4]byte
			if err := d.sr.ReadExact(sig[:]); err != nil {
				return info, nil, err
			}
			chunkBytes, err := d.sr.ReadUint32()
			if err != nil {
				return info, nil, err
			}
			remaining -= 8

			consumed, err := d.decodeChunk(string(sig[:]), int64(chunkBytes), &info)
			if err != nil {
				return info, nil, err
			}
			remaining -= consumed
		}
		if remaining < 0 {
			return info, nil, fmt.Errorf("%w: extended-info chunks overran the block's total by %d bytes", ErrValidation, -remaining)
		}

		w0, err = d.sr.ReadUint64()
		if err != nil {
			return info, nil, err
		}
	}

	n := p2mFlEntries(maxPfn)
	if n == 0 {
		return info, nil, nil
	}
	frameList := make([]Pfn, n)
	frameList[0] = Pfn(w0)
	for i := 1; i < n; i++ {
		v, err := d.sr.ReadUint64()
		if err != nil {
			return info, nil, err
		}
		frameList[i] = Pfn(v)
	}

	return info, frameList, nil
}

// decodeChunk consumes exactly chunkBytes of a single extended-info
// chunk body and returns the number of bytes consumed (the caller has
// already deducted 8 for the sig+length header; this returns the
// body-only count so the caller's running total stays
// consistent with spec.md's "decrement total by 8" + "decrement
// accordingly" accounting).
func (d *HeaderDecoder) decodeChunk(sig string, chunkBytes int64, info *ExtendedInfo) (int64, error) {
	if sig != vcpuChunkSig {
		if err := discard(d.sr, chunkBytes); err != nil {
			return 0, err
		}
		return chunkBytes, nil
	}

	want := int64(vcpuContextWireSize)
	if chunkBytes < want {
		return 0, fmt.Errorf("%w: vcpu chunk_bytes %d smaller than vcpu context size %d", ErrValidation, chunkBytes, want)
	}

	ctxt, err := ReadVCPUContext(d.sr)
	if err != nil {
		return 0, err
	}
	info.VCPU = ctxt
	info.PAEExtendedCR3 = ctxt.PAEExtendedCR3()

	trailing := chunkBytes - want
	if err := discard(d.sr, trailing); err != nil {
		return 0, err
	}
	return chunkBytes, nil
}

// discard reads and throws away n bytes.
func discard(sr *StreamReader, n int64) error {
	const bufSize = 4096
	buf := make([]byte, bufSize)
	for n > 0 {
		chunk := int64(bufSize)
		if n < chunk {
			chunk = n
		}
		if err := sr.ReadExact(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
