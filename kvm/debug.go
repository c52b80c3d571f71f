package kvm

import "unsafe"

const (
	kvmSetGuestDebug = 0x9b

	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1
)

// GuestDebug mirrors struct kvm_guest_debug: the control bitmap enabling
// single-step and/or hardware breakpoints, plus the x86 debug-register
// values to load before the next KVM_RUN.
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// SetGuestDebug pushes a debug-control configuration to the vCPU. It is
// the mechanism behind single-stepping. Nothing in this tree fills
// DebugReg: the GDB stub's breakpoints are 0xCC patches in guest memory.
func SetGuestDebug(vcpuFd uintptr, dbg *GuestDebug) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(GuestDebug{})), uintptr(unsafe.Pointer(dbg)))

	return err
}

// SingleStep enables or disables single-instruction stepping on the vCPU.
// Every KVM_RUN then returns with EXITDEBUG after exactly one guest
// instruction, the same contract the GDB stub's `s` command relies on.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := &GuestDebug{}
	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	return SetGuestDebug(vcpuFd, dbg)
}
