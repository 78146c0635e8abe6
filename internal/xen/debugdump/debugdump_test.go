package debugdump

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	want := Snapshot{
		MaxPfn: 3,
		P2M:    []uint64{0x1000, 0x2000, 0x3000},
		PfnType: []PfnTypeEntry{
			{Table: 0, Pinned: false, XTab: false},
			{Table: 1, Pinned: true, XTab: false},
			{Table: 0, Pinned: false, XTab: true},
		},
		RaceCount: 2,
	}

	var buf bytes.Buffer
	if err := Write(&buf, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.MaxPfn != want.MaxPfn || got.RaceCount != want.RaceCount {
		t.Errorf("got = %+v, want %+v", got, want)
	}
	if len(got.P2M) != len(want.P2M) {
		t.Fatalf("P2M length = %d, want %d", len(got.P2M), len(want.P2M))
	}
	for i := range want.P2M {
		if got.P2M[i] != want.P2M[i] {
			t.Errorf("P2M[%d] = %#x, want %#x", i, got.P2M[i], want.P2M[i])
		}
	}
	for i := range want.PfnType {
		if got.PfnType[i] != want.PfnType[i] {
			t.Errorf("PfnType[%d] = %+v, want %+v", i, got.PfnType[i], want.PfnType[i])
		}
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not-a-dump-file-at-all")))
	if err == nil {
		t.Fatalf("expected an error for a file with the wrong magic")
	}
}

func TestReadRejectsTruncatedInput(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Snapshot{MaxPfn: 1, P2M: []uint64{1}, PfnType: []PfnTypeEntry{{}}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]
	if _, err := Read(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected an error decoding truncated input")
	}
}
