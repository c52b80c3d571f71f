//nolint:paralleltest
package vcpu_test

import (
	"encoding/binary"
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/kvm"
	"github.com/bobuhiro11/gokvm/vcpu"
)

// TestOnTraceDecodesSingleSteppedInstructions single-steps through a
// four-instruction sequence (mov, mov, out, hlt) and checks that the
// OnTrace callback fires and that Decode/TraceLine render a line.
func TestOnTraceDecodesSingleSteppedInstructions(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	const memSize = 0x10000

	mem, err := syscall.Mmap(-1, 0, memSize, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		t.Fatal(err)
	}

	const argAddr = 0x2000

	binary.LittleEndian.PutUint32(mem[argAddr:], 0)

	// mov eax, argAddr; mov dx, PIOBase+Walltime; out dx, eax; hlt
	port := uint16(hypercall.PIOBase + uint64(hypercall.Walltime))
	code := []byte{0x66, 0xb8}
	code = binary.LittleEndian.AppendUint32(code, argAddr)
	code = append(code, 0xba)
	code = binary.LittleEndian.AppendUint16(code, port)
	code = append(code, 0x66, 0xef, 0xf4) // out dx, eax; hlt

	copy(mem[0x1000:], code)

	mmapSize, err := kvm.GetVCPUMMmapSize(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	var table hypercall.Table

	table[hypercall.Walltime] = func(m hypercall.Memory, arg hypercall.GuestAddr) error {
		var args hypercall.WalltimeArgs
		args.Nsecs = 42

		return hypercall.Encode(m, arg, &args)
	}

	probeFd, err := kvm.CreateVCPU(vmFd, 99)
	if err != nil {
		t.Fatal(err)
	}

	sregs, err := kvm.GetSregs(probeFd)
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0

	v, err := vcpu.New(vmFd, 0, mmapSize, mem, *sregs, kvm.Regs{RIP: 0x1000, RFLAGS: 0x2}, &table)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SingleStep(v.FD(), true); err != nil {
		t.Fatal(err)
	}

	var traced []string

	v.OnTrace(func() {
		inst, regs, err := v.Decode()
		if err != nil {
			t.Fatal(err)
		}

		traced = append(traced, vcpu.TraceLine(inst, regs))
	})

	v.OnHalt(func(exitStatus int32) error { return vcpu.ErrHalt })

	err = v.RunForever()
	if err != vcpu.ErrHalt {
		t.Fatalf("RunForever: got %v, want ErrHalt", err)
	}

	if len(traced) == 0 {
		t.Fatal("OnTrace callback never fired")
	}

	if traced[0] == "" {
		t.Fatal("TraceLine produced an empty line")
	}
}
