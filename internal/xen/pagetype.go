package xen

// TableType classifies a page by what kind of page-table level it holds,
// decoded once out of the raw per-pfn type word (spec.md §3's "PfnType
// table") rather than re-masked at every use site (Design Notes, "Pagetype
// field as sum type").
type TableType uint8

const (
	// NoTab marks an ordinary data page: not a page table.
	NoTab TableType = iota
	L1Tab
	L2Tab
	L3Tab
	L4Tab
)

func (t TableType) String() string {
	switch t {
	case NoTab:
		return "notab"
	case L1Tab:
		return "l1tab"
	case L2Tab:
		return "l2tab"
	case L3Tab:
		return "l3tab"
	case L4Tab:
		return "l4tab"
	default:
		return "unknown"
	}
}

// raw bit-field layout of the per-pfn type word as received from the
// saving host, matching the source's LTABTYPE_MASK/LPINTAB/XTAB encoding.
//
// rawXTabMask is the full 4-bit field used only to recognize the XTAB
// sentinel; rawLTabTypeMask is the narrower 3-bit LTABTYPE_MASK used to
// extract the table-type tag. The two differ because rawPinBit (bit 31,
// the top bit of the nibble) overlaps the 4-bit field: a pinned table's
// word has that bit set, so masking the tag out with the full nibble folds
// LPINTAB into the tag and corrupts it. The original masks the tag with
// XEN_DOMCTL_PFINFO_LTABTYPE_MASK for exactly this reason.
const (
	rawTabTypeShift = 28
	rawXTabMask     = 0xF << rawTabTypeShift
	rawLTabTypeMask = 0x7 << rawTabTypeShift
	rawPinBit       = 1 << 31
	rawXTab         = 0xF0000000 // sentinel: bogus/unmapped, no payload
	rawPfnMask      = (1 << rawTabTypeShift) - 1
)

// PageType is the decoded form of one raw pfn-with-type word: the table
// type, whether the page must be pinned once loaded, and whether it's the
// XTAB sentinel (bogus/unmapped — its payload is absent from the stream).
type PageType struct {
	Pfn    Pfn
	Table  TableType
	Pinned bool
	XTab   bool
}

// decodePageType splits a raw pfn-with-type machine word into its pfn and
// PageType per spec.md §3's bit-field encoding. The raw table-type nibble
// is only meaningful when XTab is false.
func decodePageType(raw uint64) PageType {
	pfn := Pfn(raw & rawPfnMask)
	if raw&rawXTabMask == rawXTab&rawXTabMask {
		return PageType{Pfn: pfn, XTab: true}
	}
	tag := (raw & rawLTabTypeMask) >> rawTabTypeShift
	var tbl TableType
	switch tag {
	case 0:
		tbl = NoTab
	case 1:
		tbl = L1Tab
	case 2:
		tbl = L2Tab
	case 3:
		tbl = L3Tab
	case 4:
		tbl = L4Tab
	default:
		// Unknown non-NOTAB tag: caller (BatchReceiver) treats any
		// table value it doesn't recognize as fatal malformed-type,
		// so surface it as a high sentinel value rather than silently
		// mapping it to NoTab.
		tbl = TableType(0xFF)
	}
	return PageType{
		Pfn:    pfn,
		Table:  tbl,
		Pinned: raw&rawPinBit != 0,
	}
}

// pinOpcode returns the mmuext pin operation for a table type, used by
// Pinner.
func (t TableType) pinOpcode() (MmuextOp, bool) {
	switch t {
	case L1Tab:
		return MmuextPinL1Table, true
	case L2Tab:
		return MmuextPinL2Table, true
	case L3Tab:
		return MmuextPinL3Table, true
	case L4Tab:
		return MmuextPinL4Table, true
	default:
		return 0, false
	}
}
