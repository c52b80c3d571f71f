// Package vcpu owns a single guest vCPU: its KVM file descriptor, mmap'd
// kvm_run page, and the dispatch loop that turns PIO-exit hypercalls into
// calls against a hypercall.Table.
//
// Unlike a full-platform VMM, hvt never creates an in-kernel IRQ chip or
// PIT and never sets a TSS/identity-map address: the guest/tender
// boundary is a single synchronous PIO hypercall, not an injected
// interrupt, so none of KVM_CREATE_IRQCHIP/KVM_CREATE_PIT2/
// KVM_SET_TSS_ADDR/KVM_SET_IDENTITY_MAP_ADDR has a caller here.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/kvm"
)

// ErrHalt is returned by RunOnce/RunForever when the guest executes HLT,
// or issues SOLO5_HYPERCALL_HALT with no halt callback registered.
var ErrHalt = errors.New("vcpu: guest halted")

// ErrNoHandler is returned when the guest issues a hypercall number with
// no registered handler.
var ErrNoHandler = errors.New("vcpu: no handler for hypercall")

// VCPU is one guest virtual CPU.
type VCPU struct {
	fd  uintptr
	run *kvm.RunData
	mem []byte

	table *hypercall.Table
	halt  func(exitStatus int32) error
	trace func()
}

// New creates vCPU number n within vmFd, maps its kvm_run page, and
// installs the initial register state built by the cpu package.
func New(
	vmFd uintptr, n int, mmapSize uintptr, mem []byte,
	sregs kvm.Sregs, regs kvm.Regs, table *hypercall.Table,
) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, n)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: CreateVCPU: %w", n, err)
	}

	r, err := syscall.Mmap(int(fd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: mmap run page: %w", n, err)
	}

	v := &VCPU{
		fd:    fd,
		run:   (*kvm.RunData)(unsafe.Pointer(&r[0])),
		mem:   mem,
		table: table,
	}

	if err := kvm.SetSregs(fd, &sregs); err != nil {
		return nil, fmt.Errorf("vcpu %d: SetSregs: %w", n, err)
	}

	if err := kvm.SetRegs(fd, &regs); err != nil {
		return nil, fmt.Errorf("vcpu %d: SetRegs: %w", n, err)
	}

	return v, nil
}

// FD returns the raw vCPU file descriptor, used by the GDB stub for
// KVM_SET_GUEST_DEBUG and by --trace diagnostics for KVM_TRANSLATE.
func (v *VCPU) FD() uintptr { return v.fd }

// OnHalt registers the callback invoked when the guest issues
// SOLO5_HYPERCALL_HALT with the guest's requested process exit status.
func (v *VCPU) OnHalt(f func(exitStatus int32) error) { v.halt = f }

// OnTrace registers a callback invoked on every single-step trap once
// single-stepping has been enabled with kvm.SingleStep. With no
// callback registered, a single-step trap is treated as fatal
// (kvm.ErrDebug), matching the package's prior behavior.
func (v *VCPU) OnTrace(f func()) { v.trace = f }

// RunForever drives the vCPU until the guest halts or an unrecoverable
// error occurs. It locks the calling goroutine to its OS thread for the
// duration, since KVM vCPU ioctls must be issued from the thread that
// created the vCPU.
func (v *VCPU) RunForever() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := v.RunOnce()
		if !cont {
			return err
		}

		if err != nil {
			return err
		}
	}
}

// RunOnce executes the guest until the next VM exit and handles it.
// The bool return reports whether the caller should call RunOnce again.
// An interrupted KVM_RUN or EXITINTR yields (true, nil); a non-nil error
// alongside cont==true comes from the PIO hypercall path (a handler
// error, or the halt callback's result), and RunForever stops on it.
func (v *VCPU) RunOnce() (bool, error) {
	if err := kvm.Run(v.fd); err != nil {
		if errors.Is(err, syscall.EINTR) {
			return true, nil
		}

		return false, fmt.Errorf("vcpu: KVM_RUN: %w", err)
	}

	switch exit := kvm.ExitType(v.run.ExitReason); exit {
	case kvm.EXITIO:
		return true, v.handleIO()
	case kvm.EXITINTR:
		return true, nil
	case kvm.EXITDEBUG:
		if v.trace != nil {
			v.trace()

			return true, nil
		}

		return false, kvm.ErrDebug
	case kvm.EXITHLT:
		return false, ErrHalt
	case kvm.EXITSHUTDOWN:
		return false, fmt.Errorf("%w: guest triple fault", kvm.ErrUnexpectedExitReason)
	default:
		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	}
}

// handleIO decodes a PIO exit and, if its port falls within the
// hypercall PIO window, dispatches it against the hypercall table. The
// guest always performs a 32-bit `out` of the argument block's guest
// physical address; no other I/O port is legal on this ABI.
func (v *VCPU) handleIO() error {
	direction, size, port, count, offset := v.run.IO()

	if direction != uint64(kvm.EXITIOOUT) || size != 4 || count != 1 {
		return fmt.Errorf("%w: unexpected IO exit dir=%d size=%d port=%#x count=%d",
			kvm.ErrUnexpectedExitReason, direction, size, port, count)
	}

	if port < hypercall.PIOBase || port >= hypercall.PIOBase+uint64(hypercall.Max) {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	n := hypercall.Number(port - hypercall.PIOBase) //nolint:gosec // range-checked above

	argAddr := hypercall.GuestAddr(leUint32(v.run.IOBytes(offset, 4)))

	if n == hypercall.Halt {
		var args hypercall.HaltArgs
		if err := hypercall.Decode(memory{v.mem}, argAddr, &args); err != nil {
			return fmt.Errorf("vcpu: decoding halt args: %w", err)
		}

		if v.halt != nil {
			return v.halt(args.ExitStatus)
		}

		return ErrHalt
	}

	if v.table[n] == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, n)
	}

	if err := v.table.Dispatch(n, memory{v.mem}, argAddr); err != nil {
		return fmt.Errorf("vcpu: %s: %w", n, err)
	}

	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// memory adapts a guest memory slice to hypercall.Memory.
type memory struct{ mem []byte }

func (m memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.mem) {
		return 0, fmt.Errorf("vcpu: read offset %#x out of range", off)
	}

	return copy(p, m.mem[off:]), nil
}

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.mem) {
		return 0, fmt.Errorf("vcpu: write offset %#x out of range", off)
	}

	return copy(m.mem[off:], p), nil
}

func (m memory) Size() uint64 { return uint64(len(m.mem)) }
