// Package kvm wraps the Linux /dev/kvm ioctl interface used by the hvt
// tender: VM/vCPU lifecycle, register access, guest memory slots, and the
// vCPU "run" structure used to detect and classify VM exits.
//
// Only the subset of the KVM API that an hvt-style tender needs is bound
// here. hvt never programs a virtual interrupt controller or PIT: the
// guest/tender boundary is a synchronous hypercall, not an injected IRQ, so
// KVM_CREATE_IRQCHIP/KVM_CREATE_PIT2/KVM_IRQ_LINE have no caller in this
// tree and are intentionally not bound.
package kvm

import (
	"syscall"
	"unsafe"
)

// ioctl request numbers, matching <linux/kvm.h>. These are the standard
// Linux _IO/_IOR/_IOW/_IOWR encodings: type 0xAE ('\xAE'), ioctl number,
// and, for _IOR/_IOW/_IOWR, the argument size in the high bits.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	kvmIOCType = 0xAE
)

// IIO encodes a no-argument ioctl number.
func IIO(nr uintptr) uintptr {
	return iocEncode(0, kvmIOCType, nr, 0)
}

// IIOR encodes a read-only (tender reads from kernel) ioctl number.
func IIOR(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocRead, kvmIOCType, nr, size)
}

// IIOW encodes a write-only (tender writes to kernel) ioctl number.
func IIOW(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocWrite, kvmIOCType, nr, size)
}

// IIOWR encodes a read/write ioctl number.
func IIOWR(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocRead|iocWrite, kvmIOCType, nr, size)
}

func iocEncode(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCreateVCPU          = 0x41
	kvmRun                 = 0x80
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmSetCPUID2           = 0x90
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetDebugRegs        = 0xa1
	kvmSetDebugRegs        = 0xa2
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmTranslate           = 0x85
	kvmCheckExtension      = 0x03
)

// Ioctl issues a raw ioctl(2) syscall against fd, returning the kernel's
// return value and an error if errno was set. A call interrupted by a
// signal (EINTR) is retried.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM API version; sane callers expect 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number cpu within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(cpu))
}

// GetVCPUMMmapSize returns the size of the mmap'd kvm_run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run executes the guest until the next VM exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// RunData mirrors struct kvm_run, the mmap'd per-vCPU exit-info page.
// Only the fields the hvt dispatcher needs are named; the rest of the
// union is addressed through Data.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_exit member of the exit union: direction (0=in,
// 1=out), operand size in bytes, port number, repeat count, and the byte
// offset within RunData at which the operand(s) begin.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// IOBytes returns the slice of operand bytes described by an IO exit,
// addressed relative to the start of RunData (kvm_run lays the io_exit
// payload out at a byte offset past the header).
func (r *RunData) IOBytes(offset, size uint64) []byte {
	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return (*(*[4096]byte)(unsafe.Pointer(base)))[:size:size]
}

// CheckExtension queries whether the KVM module supports capability cap.
func CheckExtension(kvmFd uintptr, cap uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), cap)
}

// Translate queries the gva->gpa translation for a single vCPU; used by
// the GDB stub and by `--trace` diagnostics, never by the fast path.
type Translate struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate performs a KVM_TRANSLATE query for vaddr on the given vCPU.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	t := &Translate{LinearAddress: vaddr}
	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslate, unsafe.Sizeof(Translate{})), uintptr(unsafe.Pointer(t)))

	return t, err
}
