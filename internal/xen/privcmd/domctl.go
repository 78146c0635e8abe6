package privcmd

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/tinyrange/xenrestore/internal/xen"
)

// xenDomctl mirrors the leading fields of struct xen_domctl
// (public/domctl.h) common to every sub-op this driver issues: command,
// interface version, target domain, and a fixed-size union payload. The
// real struct's union is larger than any single payload used here; 128
// bytes is enough for get_domaininfo and setvcpucontext alike.
type xenDomctl struct {
	cmd       uint32
	interfver uint32
	domain    uint16
	_         uint16
	payload   [128]byte
}

const domctlInterfaceVersion = 0x00000012

// xenDomctlGetDomainInfo mirrors struct xen_domctl_getdomaininfo's leading
// fields, enough to recover the shared-info frame the engine needs.
type xenDomctlGetDomainInfo struct {
	domain          uint16
	_               uint16
	flags           uint32
	totPages        uint64
	maxPages        uint64
	sharedInfoFrame uint64
}

func (d *driver) domctl(cmd uint32, dom xen.DomID, payload []byte) (xenDomctl, error) {
	var req xenDomctl
	req.cmd = cmd
	req.interfver = domctlInterfaceVersion
	req.domain = uint16(dom)
	copy(req.payload[:], payload)

	if _, err := d.hypercall(hypercallDomctl, uint64(uintptr(unsafe.Pointer(&req)))); err != nil {
		return xenDomctl{}, fmt.Errorf("privcmd: domctl %d: %w", cmd, err)
	}
	return req, nil
}

// GetDomainInfo issues XEN_DOMCTL_getdomaininfo and returns the
// shared-info frame number the engine needs to map and patch (spec.md
// §4.9 step 7).
func (d *driver) GetDomainInfo(dom xen.DomID) (xen.DomainInfo, error) {
	resp, err := d.domctl(domctlGetDomainInfo, dom, nil)
	if err != nil {
		return xen.DomainInfo{}, err
	}
	var info xenDomctlGetDomainInfo
	r := bytes.NewReader(resp.payload[:])
	if err := readFields(r, &info.domain, &info.flags, &info.totPages, &info.maxPages, &info.sharedInfoFrame); err != nil {
		return xen.DomainInfo{}, fmt.Errorf("privcmd: decode getdomaininfo: %w", err)
	}
	return xen.DomainInfo{SharedInfoFrame: xen.Mfn(info.sharedInfoFrame)}, nil
}

// SetVCPUContext issues XEN_DOMCTL_setvcpucontext to install ctxt as
// vcpu's initial register state (spec.md §4.9 step 10).
func (d *driver) SetVCPUContext(dom xen.DomID, vcpu uint32, ctxt *xen.VCPUContext) error {
	var buf bytes.Buffer
	if err := ctxt.Encode(&buf); err != nil {
		return fmt.Errorf("privcmd: marshal vcpu context: %w", err)
	}

	ctxtPtr := buf.Bytes()
	payload := make([]byte, 4+8)
	littleEndianPutUint32(payload[0:4], vcpu)
	littleEndianPutUint64(payload[4:12], uint64(uintptr(unsafe.Pointer(&ctxtPtr[0]))))

	if _, err := d.domctl(domctlSetVCPUContext, dom, payload); err != nil {
		return fmt.Errorf("privcmd: setvcpucontext vcpu %d: %w", vcpu, err)
	}
	return nil
}

// Destroy issues XEN_DOMCTL_destroydomain.
func (d *driver) Destroy(dom xen.DomID) error {
	if _, err := d.domctl(domctlDestroyDomain, dom, nil); err != nil {
		return fmt.Errorf("privcmd: destroy domain %d: %w", dom, err)
	}
	return nil
}
