// Package debugdump writes an operator diagnostic snapshot of a
// reconstructed P2M and pfn-type table, for post-mortem analysis of a
// restore that completed (or aborted) unexpectedly. It is never on the
// restore hot path (SPEC_FULL.md DOMAIN STACK): the checkpoint stream's
// wire format is fixed by the saving host, so this package owns its own
// encoding end to end, the same way
// internal/hv/kvm/snapshot_io.go's writeCompressedMemory/
// writeDeviceSnapshots own the cc snapshot file's encoding.
package debugdump

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// magic tags the dump file format so a reader can fail fast on the wrong
// kind of file rather than decoding garbage.
const magic = "xnrdmp01"

// Snapshot is the dumped state: the pfn->mfn table, the decoded
// per-pfn type tags, and the count of recovered races, captured at
// whatever point the caller chooses (typically right before a fatal
// abort, or at the end of a successful restore).
type Snapshot struct {
	MaxPfn    int
	P2M       []uint64
	PfnType   []PfnTypeEntry
	RaceCount int
}

// PfnTypeEntry is the gob-friendly decoded form of one pfn's type tag.
type PfnTypeEntry struct {
	Table  uint8
	Pinned bool
	XTab   bool
}

// Write gzip-compresses a gob encoding of snap and writes it to w,
// prefixed by magic and the uncompressed/compressed length pair, matching
// writeCompressedMemory's length-prefixed-gzip framing and
// writeDeviceSnapshots' gob-per-record convention.
func Write(w io.Writer, snap Snapshot) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(&snap); err != nil {
		return fmt.Errorf("debugdump: gob encode: %w", err)
	}

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(raw.Bytes()); err != nil {
		gzw.Close()
		return fmt.Errorf("debugdump: compress: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("debugdump: close gzip compressor: %w", err)
	}

	if _, err := io.WriteString(w, magic); err != nil {
		return fmt.Errorf("debugdump: write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(raw.Len())); err != nil {
		return fmt.Errorf("debugdump: write uncompressed size: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(compressed.Len())); err != nil {
		return fmt.Errorf("debugdump: write compressed size: %w", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("debugdump: write compressed data: %w", err)
	}
	return nil
}

// Read reverses Write.
func Read(r io.Reader) (Snapshot, error) {
	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: read magic: %w", err)
	}
	if string(gotMagic[:]) != magic {
		return Snapshot{}, fmt.Errorf("debugdump: bad magic %q", gotMagic)
	}

	var uncompressedSize, compressedSize uint64
	if err := binary.Read(r, binary.LittleEndian, &uncompressedSize); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: read uncompressed size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &compressedSize); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: read compressed size: %w", err)
	}

	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: read compressed data: %w", err)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: create gzip reader: %w", err)
	}
	defer gzr.Close()

	raw := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(gzr, raw); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: decompress: %w", err)
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("debugdump: gob decode: %w", err)
	}
	return snap, nil
}
