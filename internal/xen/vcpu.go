package xen

import (
	"encoding/binary"
	"fmt"
	"io"
)

// vmAssistPAEExtendedCR3 is the VM-assist bit that lifts the "L3 root
// must be below 4 GiB" constraint on PAE guests (spec.md §3, §4.7).
const vmAssistPAEExtendedCR3 = 1 << 3

const (
	maxTrapEntries = 256
	maxGdtFrames   = 16 // 8192 entries * 8 bytes / PageSize
	flatKernelCS   = 0xe019
	flatKernelDS   = 0xe021
)

// TrapInfo is one of the 256 trap-vector entries in a vCPU context
// (spec.md §4.9 step 9).
type TrapInfo struct {
	Vector  uint8
	Flags   uint8
	Cs      uint16
	Address uint64
}

func (t *TrapInfo) marshal(w io.Writer) error {
	for _, v := range []any{t.Vector, t.Flags, t.Cs, t.Address} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *TrapInfo) unmarshal(r io.Reader) error {
	for _, v := range []any{&t.Vector, &t.Flags, &t.Cs, &t.Address} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// CPUUserRegs is the general-purpose register block of a vCPU context.
// Edx doubles as the carrier for the suspend-record pfn (spec.md §4.9
// step 3): the saving host stashes it there before the context is
// serialized.
type CPUUserRegs struct {
	Ebx, Ecx, Edx, Esi, Edi, Ebp, Eax uint64
	ErrorCode                         uint64
	Eip                               uint64
	Cs                                uint16
	Eflags                            uint64
	Esp                               uint64
	Ss, Es, Ds, Fs, Gs                uint16
}

// VCPUContext is the full vCPU context as carried in the checkpoint
// stream: the extended-info "vcpu" chunk, and the mandatory trailing
// context read by TailPatcher (spec.md §4.4, §4.9, §6).
type VCPUContext struct {
	Flags    uint32
	UserRegs CPUUserRegs
	TrapCtxt [maxTrapEntries]TrapInfo

	LdtBase uint64
	LdtEnts uint32

	GdtFrames [maxGdtFrames]uint64
	GdtEnts   uint32

	CtrlReg  [8]uint64 // cr0..cr7; cr3 at index 3
	DebugReg [8]uint64

	KernelSS uint16
	KernelSP uint64

	EventCallbackEip    uint64
	EventCallbackCs     uint16
	FailsafeCallbackEip uint64
	FailsafeCallbackCs  uint16
	SyscallCallbackEip  uint64

	// 32-on-64 compat entry points (spec.md §4.9 step 9, §4.10).
	EventCallbackCS32    uint16
	FailsafeCallbackCS32 uint16

	VMAssist uint64
}

// PAEExtendedCR3 reports whether the pae_extended_cr3 VM-assist bit is
// set.
func (c *VCPUContext) PAEExtendedCR3() bool {
	return c.VMAssist&vmAssistPAEExtendedCR3 != 0
}

// Size is the wire size in bytes of a VCPUContext, used to validate an
// extended-info "vcpu" chunk is large enough to hold one (spec.md §9 Open
// Questions).
func (c *VCPUContext) Size() int {
	return vcpuContextWireSize
}

var vcpuContextWireSize = func() int {
	c := &VCPUContext{}
	var buf countingWriter
	_ = c.marshal(&buf)
	return buf.n
}()

type countingWriter struct{ n int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}

func (c *VCPUContext) marshal(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, c.Flags); err != nil {
		return err
	}
	ur := []any{
		c.UserRegs.Ebx, c.UserRegs.Ecx, c.UserRegs.Edx, c.UserRegs.Esi,
		c.UserRegs.Edi, c.UserRegs.Ebp, c.UserRegs.Eax, c.UserRegs.ErrorCode,
		c.UserRegs.Eip, c.UserRegs.Cs, c.UserRegs.Eflags, c.UserRegs.Esp,
		c.UserRegs.Ss, c.UserRegs.Es, c.UserRegs.Ds, c.UserRegs.Fs, c.UserRegs.Gs,
	}
	for _, v := range ur {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for i := range c.TrapCtxt {
		if err := c.TrapCtxt[i].marshal(w); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, c.LdtBase); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.LdtEnts); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.GdtFrames); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.GdtEnts); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.CtrlReg); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.DebugReg); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.KernelSS); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.KernelSP); err != nil {
		return err
	}
	tail := []any{
		c.EventCallbackEip, c.EventCallbackCs, c.FailsafeCallbackEip,
		c.FailsafeCallbackCs, c.SyscallCallbackEip,
		c.EventCallbackCS32, c.FailsafeCallbackCS32, c.VMAssist,
	}
	for _, v := range tail {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *VCPUContext) unmarshal(r io.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &c.Flags); err != nil {
		return err
	}
	ur := []any{
		&c.UserRegs.Ebx, &c.UserRegs.Ecx, &c.UserRegs.Edx, &c.UserRegs.Esi,
		&c.UserRegs.Edi, &c.UserRegs.Ebp, &c.UserRegs.Eax, &c.UserRegs.ErrorCode,
		&c.UserRegs.Eip, &c.UserRegs.Cs, &c.UserRegs.Eflags, &c.UserRegs.Esp,
		&c.UserRegs.Ss, &c.UserRegs.Es, &c.UserRegs.Ds, &c.UserRegs.Fs, &c.UserRegs.Gs,
	}
	for _, v := range ur {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for i := range c.TrapCtxt {
		if err := c.TrapCtxt[i].unmarshal(r); err != nil {
			return err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &c.LdtBase); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.LdtEnts); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.GdtFrames); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.GdtEnts); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.CtrlReg); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.DebugReg); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.KernelSS); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.KernelSP); err != nil {
		return err
	}
	tail := []any{
		&c.EventCallbackEip, &c.EventCallbackCs, &c.FailsafeCallbackEip,
		&c.FailsafeCallbackCs, &c.SyscallCallbackEip,
		&c.EventCallbackCS32, &c.FailsafeCallbackCS32, &c.VMAssist,
	}
	for _, v := range tail {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes the wire form of c to w, for HyperCtl implementations
// that submit a vCPU context by reference (e.g. privcmd's
// setvcpucontext domctl).
func (c *VCPUContext) Encode(w io.Writer) error {
	return c.marshal(w)
}

// ReadVCPUContext decodes one vCPU context from r.
func ReadVCPUContext(r io.Reader) (*VCPUContext, error) {
	c := &VCPUContext{}
	if err := c.unmarshal(r); err != nil {
		return nil, fmt.Errorf("%w: read vcpu context: %v", ErrStream, err)
	}
	return c, nil
}
