// Package tender wires together the loader, cpu, vcpu, manifest and
// device packages into a bootable hvt tender, the same way the
// teacher's vmm package sequences machine.New/LoadLinux/StartVCPU
// behind Init/Setup/Boot.
package tender

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/bobuhiro11/gokvm/clock"
	"github.com/bobuhiro11/gokvm/cpu"
	"github.com/bobuhiro11/gokvm/device/block"
	"github.com/bobuhiro11/gokvm/device/console"
	"github.com/bobuhiro11/gokvm/device/net"
	"github.com/bobuhiro11/gokvm/device/poll"
	"github.com/bobuhiro11/gokvm/flag"
	"github.com/bobuhiro11/gokvm/gdbstub"
	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/kvm"
	"github.com/bobuhiro11/gokvm/loader"
	"github.com/bobuhiro11/gokvm/manifest"
	"github.com/bobuhiro11/gokvm/tap"
	"github.com/bobuhiro11/gokvm/vcpu"
)

// Guest-physical addresses for the read-only boot data cpu.SetupPageTables
// carves out between pt0MapStart and cpu.GuestMinBase. Not exported: a
// guest never parses these by convention, only via the pointers
// hvt_boot_info carries.
const (
	bootInfoAddr = 0x10000
	cmdlineAddr  = 0x12000
	manifestAddr = 0x14000
)

// ErrDiskEntryNotFound is returned by Setup when --disk is given but the
// kernel's manifest declares no BLOCK_BASIC entry to bind it to.
var ErrDiskEntryNotFound = errors.New("tender: no BLOCK_BASIC entry in manifest for --disk")

// ErrNetEntryNotFound is returned by Setup when --net is given but the
// kernel's manifest declares no NET_BASIC entry to bind it to.
var ErrNetEntryNotFound = errors.New("tender: no NET_BASIC entry in manifest for --net")

// tscFreqHz is a fixed calibration used in lieu of probing the host's
// actual TSC frequency via CPUID leaf 0x15/MSR, which the pack's KVM
// wrapper does not expose. A round number keeps clock's fixed-point
// math exact. Guest-observed time advances at the host's TSC rate
// divided by this value, so on a host whose TSC does not run at 1GHz
// guest time runs fast or slow by that ratio.
const tscFreqHz = 1_000_000_000

// Tender owns one guest: its KVM VM/vCPU, guest memory, and the device
// handlers registered against its hypercall table.
type Tender struct {
	args *flag.Args

	kvmFd, vmFd uintptr
	mem         []byte

	vcpu  *vcpu.VCPU
	table hypercall.Table

	manifest *manifest.Manifest
	blocks   block.Table
	nets     net.Table
	tap      *tap.Tap
	disk     *block.Device

	clock      *clock.Clock
	gdb        *gdbstub.Server
	exitStatus int32

	shutdown chan struct{}
}

// New opens dev (conventionally "/dev/kvm"), creates a VM and guest
// memory of the requested size, and returns a Tender ready for Setup.
func New(args *flag.Args, dev string) (*Tender, error) {
	memSize, err := cpu.NormalizeMemSize(uint64(args.MemSize))
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tender: open %s: %w", dev, err)
	}

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		return nil, fmt.Errorf("tender: CreateVM: %w", err)
	}

	mem, err := syscall.Mmap(-1, 0, int(memSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("tender: mmap guest memory: %w", err)
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("tender: SetUserMemoryRegion: %w", err)
	}

	return &Tender{
		args:  args,
		kvmFd: f.Fd(),
		vmFd:  vmFd,
		mem:   mem,
		clock: clock.New(tscFreqHz, clock.ReadTSC, time.Now()),
	}, nil
}

// Setup loads the kernel, validates its manifest, builds the page
// tables and boot-info structures, binds --disk/--net to the manifest
// entries that declare them, and creates the vCPU primed to run.
func (t *Tender) Setup() error {
	kern, err := os.Open(t.args.Kernel)
	if err != nil {
		return fmt.Errorf("tender: open kernel: %w", err)
	}
	defer kern.Close()

	img, err := loader.Load(kern, t.mem)
	if err != nil {
		return fmt.Errorf("tender: loading %s: %w", t.args.Kernel, err)
	}

	if img.ABIVersion != hypercall.ABIVersion {
		return fmt.Errorf("tender: kernel wants ABI version %d, tender implements %d",
			img.ABIVersion, hypercall.ABIVersion)
	}

	t.manifest = img.Manifest

	t.watchShutdownSignals()

	if err := t.attachDevices(); err != nil {
		return err
	}

	memSize := uint64(len(t.mem))

	if err := cpu.SetupPageTables(t.mem, memSize); err != nil {
		return fmt.Errorf("tender: SetupPageTables: %w", err)
	}

	cpu.SetupGDT(t.mem)

	if err := t.writeBootInfo(img, memSize); err != nil {
		return err
	}

	var sregs kvm.Sregs

	cpu.InitSregs(&sregs)

	regs := cpu.InitRegs(img.Entry, memSize, bootInfoAddr)

	mmapSize, err := kvm.GetVCPUMMmapSize(t.kvmFd)
	if err != nil {
		return fmt.Errorf("tender: GetVCPUMMmapSize: %w", err)
	}

	v, err := vcpu.New(t.vmFd, 0, mmapSize, t.mem, sregs, regs, &t.table)
	if err != nil {
		return fmt.Errorf("tender: creating vCPU: %w", err)
	}

	v.OnHalt(t.onHalt)
	t.vcpu = v

	if t.args.TraceCount > 0 {
		if err := kvm.SingleStep(v.FD(), true); err != nil {
			return fmt.Errorf("tender: enabling single-step trace: %w", err)
		}

		v.OnTrace(t.trace(t.args.TraceCount))
	}

	if t.args.GDB {
		t.gdb = gdbstub.NewServer(v, memory{t.mem})
	}

	return nil
}

// watchShutdownSignals narrows the tender's effective signal mask to
// SIGINT/SIGTERM: instead of the default terminate-the-process
// behavior, the first of either closes t.shutdown, which the poll
// hypercall handler observes mid-wait and surfaces as
// poll.ErrShutdownRequested so Boot can unwind through normal device
// teardown rather than dying mid-I/O.
func (t *Tender) watchShutdownSignals() {
	t.shutdown = make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("tender: received %s, shutting down", sig)
		close(t.shutdown)
	}()
}

// attachDevices wires --disk/--net to the manifest entries that declare
// them and registers every device module's handlers into t.table.
func (t *Tender) attachDevices() error {
	console.New(os.Stdout).Register(&t.table)

	t.blocks = block.Table{}
	t.nets = net.Table{}

	if t.args.Disk != "" {
		idx, entry, err := firstOfKind(t.manifest, manifest.KindBlockBasic)
		if err != nil {
			return ErrDiskEntryNotFound
		}

		dev, err := block.Open(entry.Name, t.args.Disk, entry.Block.BlockSize)
		if err != nil {
			return fmt.Errorf("tender: opening disk %s: %w", t.args.Disk, err)
		}

		t.disk = dev
		t.blocks[uint64(idx)] = dev
	}

	t.blocks.Register(&t.table)

	fds := map[uint64]poll.Fd{}

	if t.args.Net != "" {
		idx, entry, err := firstOfKind(t.manifest, manifest.KindNetBasic)
		if err != nil {
			return ErrNetEntryNotFound
		}

		tp, err := tap.New(t.args.Net)
		if err != nil {
			return fmt.Errorf("tender: opening tap %s: %w", t.args.Net, err)
		}

		info := entry.Net
		if info.MAC == ([6]byte{}) {
			mac, err := tap.GenMAC()
			if err != nil {
				return fmt.Errorf("tender: generating MAC for %s: %w", t.args.Net, err)
			}

			info.MAC = mac
		}

		t.tap = tp
		t.nets[uint64(idx)] = &net.Device{Name: entry.Name, Tap: tp, Info: info}
		fds[uint64(idx)] = tp
	}

	t.nets.Register(&t.table)

	poll.New(t.clock, fds, t.shutdown).Register(&t.table)

	return nil
}

// firstOfKind returns the index and entry of the first manifest entry
// of the given kind, the same single-device-per-kind binding
// solo5_block_acquire/solo5_net_acquire perform by name.
func firstOfKind(m *manifest.Manifest, kind manifest.Kind) (int, *manifest.Entry, error) {
	for i := range m.E {
		if m.E[i].Kind == kind {
			return i, &m.E[i], nil
		}
	}

	return 0, nil, manifest.ErrNotFound
}

func (t *Tender) writeBootInfo(img *loader.Image, memSize uint64) error {
	cmdline := buildCmdline(t.args.KernelArgs)
	if len(cmdline) >= hypercall.CmdlineSize {
		cmdline = cmdline[:hypercall.CmdlineSize-1]
	}

	copy(t.mem[cmdlineAddr:], cmdline)
	t.mem[cmdlineAddr+len(cmdline)] = 0

	mft, err := img.Manifest.Encode()
	if err != nil {
		return fmt.Errorf("tender: re-encoding manifest: %w", err)
	}

	copy(t.mem[manifestAddr:], mft)

	info := hypercall.BootInfo{
		MemSize:      memSize,
		KernelEnd:    img.End,
		CPUCycleFreq: tscFreqHz,
		Cmdline:      hypercall.GuestAddr(cmdlineAddr),
		Mft:          hypercall.GuestAddr(manifestAddr),
	}

	return hypercall.Encode(memory{t.mem}, bootInfoAddr, &info)
}

func buildCmdline(args []string) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}

		s += a
	}

	return s
}

// trace returns a vcpu.OnTrace callback that logs one disassembled
// instruction every skip+1 single-step traps, the same
// "how many instructions to skip between trace prints" semantics the
// teacher's -T flag documents.
func (t *Tender) trace(skip int) func() {
	count := 0

	return func() {
		count++
		if count <= skip {
			return
		}

		count = 0

		inst, regs, err := t.vcpu.Decode()
		if err != nil {
			log.Printf("trace: %v", err)

			return
		}

		log.Print(vcpu.TraceLine(inst, regs))
	}
}

func (t *Tender) onHalt(code int32) error {
	log.Printf("guest halted with status %d", code)

	t.exitStatus = code

	return vcpu.ErrHalt
}

// Boot runs the guest to completion. It returns nil for a clean halt
// (status 0), and a non-nil error reporting the guest's exit status
// otherwise, mirroring solo5_exit's host-visible contract.
func (t *Tender) Boot() error {
	if t.gdb != nil {
		go func() {
			log.Printf("gdbstub: listening on %s", t.args.GDBAddr)

			if err := t.gdb.ListenAndServe(t.args.GDBAddr); err != nil {
				log.Printf("gdbstub: %v", err)
			}
		}()
	}

	err := t.vcpu.RunForever()

	t.closeDevices()

	if errors.Is(err, vcpu.ErrHalt) {
		if t.exitStatus == 255 && t.args.DumpCore {
			t.dumpCore()
		}

		if t.exitStatus != 0 {
			return fmt.Errorf("tender: guest exited with status %d", t.exitStatus)
		}

		return nil
	}

	if errors.Is(err, poll.ErrShutdownRequested) {
		log.Print("tender: shut down on signal")

		return nil
	}

	if err != nil && t.args.DumpCore {
		t.dumpCore()
	}

	return err
}

// dumpCore writes guest memory to core.hvt in the current directory, a
// crude stand-in for a real ELF core dump: enough to postmortem a trap
// with a hex dump or objdump -b binary, without teaching this tree a
// full core-file writer for a --dumpcore flag that exists mainly for
// the "Stack smash" scenario.
func (t *Tender) dumpCore() {
	const corePath = "core.hvt"

	if err := os.WriteFile(corePath, t.mem, 0o600); err != nil {
		log.Printf("dumpcore: %v", err)

		return
	}

	log.Printf("dumpcore: wrote guest memory to %s", corePath)
}

func (t *Tender) closeDevices() {
	if t.disk != nil {
		if err := t.disk.Close(); err != nil {
			log.Printf("closing disk: %v", err)
		}
	}

	if t.tap != nil {
		if err := t.tap.Close(); err != nil {
			log.Printf("closing tap: %v", err)
		}
	}
}

// memory adapts a flat guest-memory slice to hypercall.Memory.
type memory struct{ mem []byte }

func (m memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.mem) {
		return 0, fmt.Errorf("tender: read out of range at %#x", off)
	}

	return copy(p, m.mem[off:]), nil
}

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.mem) {
		return 0, fmt.Errorf("tender: write out of range at %#x", off)
	}

	return copy(m.mem[off:], p), nil
}

func (m memory) Size() uint64 { return uint64(len(m.mem)) }
