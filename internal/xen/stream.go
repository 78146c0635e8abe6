package xen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// StreamReader performs exact-length reads from the checkpoint stream,
// transparently retrying reads interrupted by EINTR (spec.md §4.1). A
// short read or EOF mid-buffer is fatal: it always surfaces as
// ErrStream.
//
// All multi-byte fields on the wire are little-endian and native-width
// to the saving host (spec.md §4.1); ReadUint64/ReadUint32/ReadInt32
// decode accordingly.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader wraps r for exact-length reads.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// ReadExact fills buf with exactly len(buf) bytes, retrying on EINTR. A
// short read or EOF before buf is full is reported as ErrStream; the
// source's read loop compares signed r against an unsigned count — this
// reimplementation tracks bytes-read in an unsigned counter and never lets
// it exceed len(buf) (spec.md §9 Open Questions).
func (s *StreamReader) ReadExact(buf []byte) error {
	var got uint64
	want := uint64(len(buf))
	for got < want {
		n, err := s.r.Read(buf[got:])
		if n > 0 {
			got += uint64(n)
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, io.EOF) && got == want {
				break
			}
			return fmt.Errorf("%w: read %d of %d bytes: %v", ErrStream, got, want, err)
		}
		if n == 0 && err == nil {
			return fmt.Errorf("%w: read returned no progress", ErrStream)
		}
	}
	return nil
}

// ReadUint64 reads one little-endian 8-byte machine word.
func (s *StreamReader) ReadUint64() (uint64, error) {
	var buf [8]byte
	if err := s.ReadExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint32 reads one little-endian 4-byte unsigned field.
func (s *StreamReader) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := s.ReadExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadInt32 reads one little-endian 4-byte signed field (used for the
// BatchRecord count, which is 0 for end of stream and -1 for the
// verify-mode sentinel).
func (s *StreamReader) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

// Read implements io.Reader on top of ReadExact, so a StreamReader can be
// handed directly to generic decoders (encoding/binary, gob, ...) without
// losing the EINTR-retry and short-read-is-fatal semantics.
func (s *StreamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.ReadExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var _ io.Reader = (*StreamReader)(nil)
