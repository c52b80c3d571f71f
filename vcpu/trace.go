package vcpu

import (
	"fmt"

	"github.com/bobuhiro11/gokvm/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// Decode disassembles the instruction at the current RIP, for
// --trace diagnostics. It mirrors the teacher's own debug.Inst: fetch
// a window of bytes at RIP, then hand them to x86asm.Decode.
func (v *VCPU) Decode() (*x86asm.Inst, *kvm.Regs, error) {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return nil, nil, fmt.Errorf("vcpu: GetRegs: %w", err)
	}

	pc := regs.RIP
	if pc >= uint64(len(v.mem)) {
		return nil, nil, fmt.Errorf("vcpu: RIP %#x out of guest memory range", pc)
	}

	end := pc + 16
	if end > uint64(len(v.mem)) {
		end = uint64(len(v.mem))
	}

	inst, err := x86asm.Decode(v.mem[pc:end], 64)
	if err != nil {
		return nil, regs, fmt.Errorf("vcpu: decoding instruction at %#x: %w", pc, err)
	}

	return &inst, regs, nil
}

// TraceLine renders one instruction the way the teacher's Asm helper
// does: GNU syntax plus the PC it was fetched from.
func TraceLine(inst *x86asm.Inst, regs *kvm.Regs) string {
	return fmt.Sprintf("%#x: %s", regs.RIP, x86asm.GNUSyntax(*inst, regs.RIP, nil))
}
