package privcmd

import (
	"encoding/binary"
	"io"
)

// readFields decodes each of fields, in order, as little-endian values
// out of r. Used to unpack the fixed-layout domctl response payloads.
func readFields(r io.Reader, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func littleEndianPutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func littleEndianPutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
