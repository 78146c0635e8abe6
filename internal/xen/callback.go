package xen

import (
	"errors"
	"fmt"
)

// CallbackType selects which vCPU entry point a register/unregister call
// targets (spec.md §4.10).
type CallbackType int

const (
	CallbackEvent CallbackType = iota
	CallbackFailsafe
	CallbackSyscall
	CallbackSyscall32
	CallbackSysenter
	CallbackNMI
)

// Guest hypercall errors (spec.md §6).
var (
	ErrFault    = errors.New("xen: -EFAULT")
	ErrInval    = errors.New("xen: -EINVAL")
	ErrNoSys    = errors.New("xen: -ENOSYS")
)

// RegisterFlags carries the optional modifiers on a register call.
type RegisterFlags struct {
	MaskEvents bool
}

// CallbackOps implements the guest-side hypercall handlers for
// registering/unregistering the event, failsafe, syscall, syscall32,
// sysenter, and NMI callbacks against one vCPU's context (spec.md §4.10,
// grounded on xen/arch/x86/pv/callback.c's register_guest_callback /
// unregister_guest_callback / compat variants).
type CallbackOps struct {
	ctxt *VCPUContext
}

// NewCallbackOps binds callback operations to ctxt.
func NewCallbackOps(ctxt *VCPUContext) *CallbackOps {
	return &CallbackOps{ctxt: ctxt}
}

// isCanonicalAddress reports whether addr is a canonical x86-64 address:
// bits [47:63] must all equal bit 47 (sign-extended).
func isCanonicalAddress(addr uint64) bool {
	const signBit = 47
	top := addr >> signBit
	return top == 0 || top == (^uint64(0))>>signBit
}

// Register installs address as the entry point for typ (spec.md §4.10).
// flags.MaskEvents is accepted but not recorded: no callback-disables-events
// state is set or cleared for any callback type.
func (c *CallbackOps) Register(typ CallbackType, address uint64, flags RegisterFlags) error {
	if typ == CallbackEvent && !isCanonicalAddress(address) {
		return fmt.Errorf("%w: event callback address must be canonical", ErrInval)
	}

	switch typ {
	case CallbackEvent:
		c.ctxt.EventCallbackEip = address
	case CallbackFailsafe:
		c.ctxt.FailsafeCallbackEip = address
		_ = flags.MaskEvents // not recorded anywhere
	case CallbackSyscall:
		c.ctxt.SyscallCallbackEip = address
	case CallbackSyscall32, CallbackSysenter:
		// Native syscall32/sysenter entry points share the 64-bit
		// callback EIP slot in this simplified context; distinct
		// storage is only needed for the compat (32-on-64) variant.
		c.ctxt.SyscallCallbackEip = address
	case CallbackNMI:
		// NMI registration is delegated to the platform's NMI
		// subsystem, out of scope here (spec.md §1 Out of scope).
		return nil
	default:
		return fmt.Errorf("%w: unknown callback type %d", ErrNoSys, typ)
	}
	return nil
}

// Unregister is permitted only for CallbackNMI; every other type returns
// ErrInval (spec.md §4.10).
func (c *CallbackOps) Unregister(typ CallbackType) error {
	switch typ {
	case CallbackEvent, CallbackFailsafe, CallbackSyscall, CallbackSyscall32, CallbackSysenter:
		return fmt.Errorf("%w: unregister not permitted for callback type %d", ErrInval, typ)
	case CallbackNMI:
		return nil
	default:
		return fmt.Errorf("%w: unknown callback type %d", ErrNoSys, typ)
	}
}

// fixupGuestCodeSelector runs a 32-on-64 compat code selector through the
// same normalization the original does before storing it: only a null
// selector (index bits zero) is replaced with the flat kernel code
// segment. RPL bits alone don't make a selector null — cs=0x60 is a valid
// indexed selector and must pass through untouched (spec.md S6).
func fixupGuestCodeSelector(cs uint16) uint16 {
	if cs&^uint16(3) == 0 {
		return flatKernelCS
	}
	return cs
}

// RegisterCompat is the 32-on-64 compat entry point: it carries a
// (cs, eip) far-pointer pair and runs the selector through
// fixupGuestCodeSelector before storing (spec.md §4.10, §6).
func (c *CallbackOps) RegisterCompat(typ CallbackType, cs uint16, eip uint32, flags RegisterFlags) error {
	cs = fixupGuestCodeSelector(cs)

	switch typ {
	case CallbackEvent:
		c.ctxt.EventCallbackCS32 = cs
		c.ctxt.EventCallbackEip = uint64(eip)
	case CallbackFailsafe:
		c.ctxt.FailsafeCallbackCS32 = cs
		c.ctxt.FailsafeCallbackEip = uint64(eip)
		_ = flags.MaskEvents
	case CallbackSyscall32:
		c.ctxt.EventCallbackCS32 = cs // syscall32 shares the compat selector slot in this simplified context
		c.ctxt.SyscallCallbackEip = uint64(eip)
	case CallbackSysenter:
		c.ctxt.SyscallCallbackEip = uint64(eip)
	case CallbackNMI:
		return nil
	default:
		return fmt.Errorf("%w: unknown compat callback type %d", ErrNoSys, typ)
	}
	return nil
}

// UnregisterCompat mirrors Unregister for the compat entry point.
func (c *CallbackOps) UnregisterCompat(typ CallbackType) error {
	return c.Unregister(typ)
}

// SetCallbacks is the legacy do_set_callbacks entry point: it registers
// event, failsafe, and syscall in one call and never fails (spec.md §6).
func (c *CallbackOps) SetCallbacks(eventAddr, failsafeAddr, syscallAddr uint64) {
	_ = c.Register(CallbackEvent, eventAddr, RegisterFlags{})
	_ = c.Register(CallbackFailsafe, failsafeAddr, RegisterFlags{})
	_ = c.Register(CallbackSyscall, syscallAddr, RegisterFlags{})
}

// SetCallbacksCompat is the legacy compat_set_callbacks entry point.
func (c *CallbackOps) SetCallbacksCompat(eventCS uint16, eventEip uint32, failsafeCS uint16, failsafeEip uint32) {
	_ = c.RegisterCompat(CallbackEvent, eventCS, eventEip, RegisterFlags{})
	_ = c.RegisterCompat(CallbackFailsafe, failsafeCS, failsafeEip, RegisterFlags{})
}
