package kvm

import (
	"unsafe"
)

// CPUIDFeatures is the KVM feature-leaf bit (CPUID leaf 0x40000001, EDX
// bit 0 on KVM). The tender does not program CPUID leaves, so nothing in
// this tree sets it.
const CPUIDFeatures = 1 << 0

// CPUID is the set of CPUID entries returned by GetSupportedCPUID, and
// set on a vCPU with SetCPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one leaf/subleaf CPUID result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills kvmCPUID with every CPUID leaf the host kernel
// supports. probe.CPUID prints them for --probe; the tender does not call
// SetCPUID2, so a guest sees KVM's default CPUID leaves.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 installs the CPUID leaves a vCPU reports to the guest.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
