// Package cpu builds the initial x86_64 long-mode CPU state a guest
// expects at entry: identity-mapped page tables, a flat-segment GDT,
// and the control registers that put the vCPU in 64-bit mode before the
// first KVM_RUN.
//
// The page table layout is a direct port of hvt_x86_setup_pagetables:
// a single PML4 entry, four PDPTEs mapping the first 4GB, 2MB pages for
// everything above the first page, and a 4KB-page table (PT0) for the
// first 2MB so the zero page, GDT and page tables themselves can be
// marked not-present or read-only.
package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/bobuhiro11/gokvm/kvm"
)

// Guest physical memory layout. These addresses are fixed by convention
// (matching the real Solo5 hvt x86_64 backend) rather than computed, so
// that a guest binary linked against the published ABI boots unmodified.
const (
	PageSize   = 0x200000 // 2MB
	MaxMemSize = 0x100000000 // 4GB: four PDPTEs * 512 PDEs * 2MB

	gdtBase   = 0x500
	pml4Base  = 0x9000
	pdpteBase = 0xa000
	pdeBase   = 0xb000 // four contiguous page directories, 0x1000 each
	pt0eBase  = 0xf000

	// pt0MapStart is the first guest-physical address mapped present in
	// PT0; everything below it (zero page, GDT, page tables) stays
	// not-present so a stray guest access faults instead of silently
	// reading tender bookkeeping.
	pt0MapStart = 0x10000

	// GuestMinBase is the first address mapped read-write; addresses
	// between pt0MapStart and GuestMinBase are read-only (boot info,
	// cmdline, manifest).
	GuestMinBase = 0x100000

	pageEntryPresent  = 1 << 0
	pageEntryWritable = 1 << 1
	pageEntryPS       = 1 << 7 // "page size": 2MB page at the PDE level
)

// ErrMemSizeTooSmall is returned when the requested memory size is zero.
var ErrMemSizeTooSmall = errors.New("cpu: guest memory size too small")

// ErrMemSizeTooLarge is returned when a requested memory size exceeds
// MaxMemSize.
var ErrMemSizeTooLarge = errors.New("cpu: guest memory size exceeds maximum")

// NormalizeMemSize rounds size down to a multiple of PageSize, matching
// hvt_x86_mem_size; a non-zero size below one page is rounded up to one
// page. It rejects a zero size and a result above MaxMemSize.
func NormalizeMemSize(size uint64) (uint64, error) {
	mem := (size / PageSize) * PageSize
	if mem == 0 {
		if size == 0 {
			return 0, ErrMemSizeTooSmall
		}

		mem = PageSize
	}

	if mem != size {
		log.Printf("adjusting memory to %d bytes", mem)
	}

	if mem > MaxMemSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrMemSizeTooLarge, mem, MaxMemSize)
	}

	return mem, nil
}

// SetupPageTables writes an identity-mapped page table hierarchy into
// mem, covering [0, memSize). memSize must already be page-aligned (the
// output of NormalizeMemSize).
func SetupPageTables(mem []byte, memSize uint64) error {
	if memSize%PageSize != 0 || memSize < PageSize || memSize > MaxMemSize {
		return fmt.Errorf("cpu: invalid memSize %d", memSize)
	}

	zero := func(base uintptr, n int) {
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(mem[int(base)+i*8:], 0)
		}
	}

	zero(pml4Base, 512)
	zero(pdpteBase, 512)
	zero(pdeBase, 4*512)
	zero(pt0eBase, 512)

	putPTE := func(addr uintptr, val uint64) {
		binary.LittleEndian.PutUint64(mem[addr:], val)
	}

	putPTE(pml4Base, uint64(pdpteBase)|pageEntryPresent|pageEntryWritable)

	for i := 0; i < 4; i++ {
		putPTE(pdpteBase+uintptr(i)*8, uint64(pdeBase+i*0x1000)|pageEntryPresent|pageEntryWritable)
	}

	// PDE[0] is special: 4KB pages via PT0 cover the first 2MB. Pages
	// below pt0MapStart (the zero page, GDT, page tables) are left
	// not-present; pages below GuestMinBase are read-only.
	putPTE(pdeBase, uint64(pt0eBase)|pageEntryPresent|pageEntryWritable)

	for i := 0; i < 512; i++ {
		paddr := uint64(i) * 0x1000
		if paddr < pt0MapStart {
			continue
		}

		entry := paddr | pageEntryPresent
		if paddr >= GuestMinBase {
			entry |= pageEntryWritable
		}

		putPTE(pt0eBase+uintptr(i)*8, entry)
	}

	for paddr := uint64(PageSize); paddr < memSize; paddr += PageSize {
		pdeIdx := paddr / PageSize
		putPTE(pdeBase+uintptr(pdeIdx)*8, paddr|pageEntryPresent|pageEntryWritable|pageEntryPS)
	}

	return nil
}

// gdt selectors, matching X86_GDT_NULL/CODE/DATA.
const (
	SelectorNull = 0
	SelectorCode = 1 << 3
	SelectorData = 2 << 3
)

// SetupGDT writes a three-entry flat GDT (null, 64-bit code, data) into
// mem at gdtBase.
func SetupGDT(mem []byte) {
	putDesc := func(idx int, seg kvm.Segment) {
		off := gdtBase + idx*8

		limit := seg.Limit
		if seg.G == 1 {
			limit = (seg.Limit & 0xfffff000) >> 12
		}

		lo := uint64(seg.Base&0xffffff)<<16 | uint64(limit&0xffff)
		hi := uint64(seg.Base&0xff000000)<<32 |
			uint64(seg.G)<<55 | uint64(seg.DB)<<54 | uint64(seg.L)<<53 | uint64(seg.AVL)<<52 |
			uint64(limit&0xf0000)<<32 |
			uint64(seg.Present)<<47 | uint64(seg.DPL)<<45 | uint64(seg.S)<<44 | uint64(seg.Typ)<<40

		binary.LittleEndian.PutUint64(mem[off:], lo|hi)
	}

	binary.LittleEndian.PutUint64(mem[gdtBase:], 0)
	putDesc(1, CodeSegment())
	putDesc(2, DataSegment())
}

// CodeSegment returns the flat 64-bit code segment descriptor installed
// in the GDT and loaded into CS.
func CodeSegment() kvm.Segment {
	return kvm.Segment{
		Base: 0, Limit: 0xffffffff,
		Typ: 0xb, S: 1, DPL: 0, Present: 1, L: 1, DB: 0, G: 1, Selector: SelectorCode,
	}
}

// DataSegment returns the flat data segment descriptor installed in the
// GDT and loaded into DS/ES/FS/GS/SS.
func DataSegment() kvm.Segment {
	return kvm.Segment{
		Base: 0, Limit: 0xffffffff,
		Typ: 0x3, S: 1, DPL: 0, Present: 1, L: 0, DB: 1, G: 1, Selector: SelectorData,
	}
}

// control register bits.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// InitSregs populates the special/segment registers for long-mode entry:
// CR3 points at the PML4 built by SetupPageTables, CR0/CR4/EFER enable
// paging, PAE and long mode, and CS/DS/ES/FS/GS/SS load the flat
// segments from the GDT built by SetupGDT.
func InitSregs(sregs *kvm.Sregs) {
	sregs.CR0 = cr0PE | cr0PG
	sregs.CR3 = pml4Base
	sregs.CR4 = cr4PAE
	sregs.EFER = eferLME | eferLMA

	code, data := CodeSegment(), DataSegment()
	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	sregs.GDT = kvm.Descriptor{Base: gdtBase, Limit: 3*8 - 1}
}

// InitRegs populates the general registers for guest entry: RIP at the
// ELF entry point, RSP at the top of guest memory (minus a red zone),
// RFLAGS with the reserved bit 1 set, and RDI holding the guest
// physical address of the hvt_boot_info structure, per the x86_64 SysV
// calling convention the guest entrypoint is compiled against.
func InitRegs(entry, memSize, bootInfoAddr uint64) kvm.Regs {
	return kvm.Regs{
		RIP:    entry,
		RSP:    memSize - 8,
		RFLAGS: 0x2,
		RDI:    bootInfoAddr,
	}
}
