package xen

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func TestHeaderDecoderNoExtendedInfo(t *testing.T) {
	var buf bytes.Buffer
	putU64(&buf, 0x7) // frame-list word 0 (maxPfn small enough for one word)

	sr := NewStreamReader(&buf)
	info, frameList, err := NewHeaderDecoder(sr).Decode(1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.VCPU != nil {
		t.Fatalf("expected no vcpu chunk, got one")
	}
	if len(frameList) != 1 || frameList[0] != Pfn(0x7) {
		t.Fatalf("frameList = %v, want [pfn:0x7]", frameList)
	}
}

func TestHeaderDecoderWithUnknownChunk(t *testing.T) {
	var buf bytes.Buffer
	putU64(&buf, extendedInfoMagic)

	var chunk bytes.Buffer
	chunk.WriteString("xtra")
	putU32(&chunk, 4)
	chunk.Write([]byte{1, 2, 3, 4})

	putU32(&buf, uint32(chunk.Len()))
	buf.Write(chunk.Bytes())

	putU64(&buf, 0x99) // frame-list word 0

	sr := NewStreamReader(&buf)
	info, frameList, err := NewHeaderDecoder(sr).Decode(1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.VCPU != nil {
		t.Fatalf("unknown chunk should not populate VCPU")
	}
	if len(frameList) != 1 || frameList[0] != Pfn(0x99) {
		t.Fatalf("frameList = %v, want [pfn:0x99]", frameList)
	}
}

func TestHeaderDecoderVCPUChunkTooSmallIsValidationError(t *testing.T) {
	var buf bytes.Buffer
	putU64(&buf, extendedInfoMagic)

	var chunk bytes.Buffer
	chunk.WriteString(vcpuChunkSig)
	putU32(&chunk, 4) // far smaller than a real vcpu context
	chunk.Write([]byte{0, 0, 0, 0})

	putU32(&buf, uint32(chunk.Len()))
	buf.Write(chunk.Bytes())

	sr := NewStreamReader(&buf)
	_, _, err := NewHeaderDecoder(sr).Decode(1)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Decode with undersized vcpu chunk: err = %v, want ErrValidation", err)
	}
}

func TestHeaderDecoderVCPUChunkPopulatesPAEExtendedCR3(t *testing.T) {
	ctxt := &VCPUContext{VMAssist: vmAssistPAEExtendedCR3}

	var ctxtBuf bytes.Buffer
	if err := ctxt.marshal(&ctxtBuf); err != nil {
		t.Fatalf("marshal vcpu context: %v", err)
	}

	var buf bytes.Buffer
	putU64(&buf, extendedInfoMagic)

	var chunk bytes.Buffer
	chunk.WriteString(vcpuChunkSig)
	putU32(&chunk, uint32(ctxtBuf.Len()))
	chunk.Write(ctxtBuf.Bytes())

	putU32(&buf, uint32(chunk.Len()))
	buf.Write(chunk.Bytes())

	putU64(&buf, 0x1) // frame-list word 0

	sr := NewStreamReader(&buf)
	info, frameList, err := NewHeaderDecoder(sr).Decode(1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.VCPU == nil {
		t.Fatalf("expected a decoded vcpu context")
	}
	if !info.PAEExtendedCR3 {
		t.Errorf("PAEExtendedCR3 = false, want true")
	}
	if len(frameList) != 1 || frameList[0] != Pfn(1) {
		t.Fatalf("frameList = %v, want [pfn:0x1]", frameList)
	}
}

func TestP2mFlEntries(t *testing.T) {
	tests := []struct {
		maxPfn int
		want   int
	}{
		{0, 0},
		{1, 1},
		{entriesPerFrame, 1},
		{entriesPerFrame + 1, 2},
	}
	for _, tt := range tests {
		if got := p2mFlEntries(tt.maxPfn); got != tt.want {
			t.Errorf("p2mFlEntries(%d) = %d, want %d", tt.maxPfn, got, tt.want)
		}
	}
}
