//go:build arm64

package cpu

import (
	"errors"

	"github.com/bobuhiro11/gokvm/kvm"
)

// ErrUnsupportedArch is returned by every entry point on architectures
// without a page-table/GDT implementation in this tree. The MMIO-based
// aarch64 hypercall path is part of the ABI (see hypercall.MMIOBase)
// but its CPU bring-up (stage 1/2 translation tables, PSCI boot
// protocol) is not implemented here.
var ErrUnsupportedArch = errors.New("cpu: aarch64 backend not implemented")

const (
	PageSize     = 0x200000
	MaxMemSize   = 0x100000000
	GuestMinBase = 0x100000
)

func NormalizeMemSize(size uint64) (uint64, error) { return 0, ErrUnsupportedArch }

func SetupPageTables(mem []byte, memSize uint64) error { return ErrUnsupportedArch }

func SetupGDT(mem []byte) {}

func InitSregs(sregs *kvm.Sregs) {}

func InitRegs(entry, memSize, bootInfoAddr uint64) kvm.Regs { return kvm.Regs{} }
