//nolint:paralleltest
package tender_test

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gokvm/flag"
	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/manifest"
	"github.com/bobuhiro11/gokvm/tender"
)

func requireRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping test: /dev/kvm not available: %v", err)
	}
}

// buildHaltKernel assembles a tiny ET_EXEC ELF64 image whose entrypoint
// issues SOLO5_HYPERCALL_HALT with the given exit status, following the
// same hand-built-ELF approach as loader_test.go since no real Solo5
// guest binary exists in this tree.
func buildHaltKernel(t *testing.T, paddr uint64, exitStatus int32) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	haltArgsOff := uint64(0x200) // offset within the single PT_LOAD segment

	var code []byte

	// mov eax, paddr+haltArgsOff ; mov dx, port ; out dx, eax ; hlt
	code = append(code, 0xb8)
	code = binary.LittleEndian.AppendUint32(code, uint32(paddr+haltArgsOff))
	code = append(code, 0x66, 0xba)
	code = binary.LittleEndian.AppendUint16(code, uint16(hypercall.PIOBase+uint64(hypercall.Halt)))
	code = append(code, 0x66, 0xef, 0xf4)

	payload := make([]byte, haltArgsOff+16)
	copy(payload, code)
	binary.LittleEndian.PutUint64(payload[haltArgsOff:], 0) // Cookie
	binary.LittleEndian.PutUint32(payload[haltArgsOff+8:], uint32(exitStatus))

	m := &manifest.Manifest{Version: manifest.Version}

	mftRaw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	notes := append(buildNote(t, 0x3154464d, mftRaw), buildNote(t, 0x31494241, []byte{1, 0, 0, 0})...)

	loadOff := uint64(ehdrSize + 2*phdrSize)
	noteOff := loadOff + uint64(len(payload))

	buf := make([]byte, noteOff+uint64(len(notes)))

	copy(buf[0:4], "\x7fELF")
	buf[4], buf[5], buf[6] = 2, 1, 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], paddr)
	le.PutUint64(buf[32:], ehdrSize)
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 2)

	putPhdr := func(idx int, typ elf.ProgType, off, segAddr, filesz uint64) {
		base := ehdrSize + idx*phdrSize
		le.PutUint32(buf[base:], uint32(typ))
		le.PutUint64(buf[base+8:], off)
		le.PutUint64(buf[base+16:], segAddr)
		le.PutUint64(buf[base+24:], segAddr)
		le.PutUint64(buf[base+32:], filesz)
		le.PutUint64(buf[base+40:], filesz)
		le.PutUint64(buf[base+48:], 0x1000)
	}

	putPhdr(0, elf.PT_LOAD, loadOff, paddr, uint64(len(payload)))
	copy(buf[loadOff:], payload)

	putPhdr(1, elf.PT_NOTE, noteOff, 0, uint64(len(notes)))
	copy(buf[noteOff:], notes)

	return buf
}

func buildNote(t *testing.T, typ uint32, desc []byte) []byte {
	t.Helper()

	name := []byte("Solo5\x00")
	namePadded := (len(name) + 3) &^ 3
	descPadded := (len(desc) + 3) &^ 3

	buf := make([]byte, 12+namePadded+descPadded)

	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(len(name)))
	le.PutUint32(buf[4:], uint32(len(desc)))
	le.PutUint32(buf[8:], typ)
	copy(buf[12:], name)
	copy(buf[12+namePadded:], desc)

	return buf
}

func TestBootRunsToCleanHalt(t *testing.T) {
	requireRoot(t)

	const paddr = 0x100000 // cpu.GuestMinBase

	kernelPath := filepath.Join(t.TempDir(), "halt.hvt")

	if err := os.WriteFile(kernelPath, buildHaltKernel(t, paddr, 0), 0o644); err != nil {
		t.Fatal(err)
	}

	args := &flag.Args{Kernel: kernelPath, MemSize: 16 << 20, NCPUs: 1}

	td, err := tender.New(args, "/dev/kvm")
	if err != nil {
		t.Fatal(err)
	}

	if err := td.Setup(); err != nil {
		t.Fatal(err)
	}

	if err := td.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
}

func TestBootReportsNonZeroExitStatus(t *testing.T) {
	requireRoot(t)

	const paddr = 0x100000

	kernelPath := filepath.Join(t.TempDir(), "halt.hvt")

	if err := os.WriteFile(kernelPath, buildHaltKernel(t, paddr, 7), 0o644); err != nil {
		t.Fatal(err)
	}

	args := &flag.Args{Kernel: kernelPath, MemSize: 16 << 20, NCPUs: 1}

	td, err := tender.New(args, "/dev/kvm")
	if err != nil {
		t.Fatal(err)
	}

	if err := td.Setup(); err != nil {
		t.Fatal(err)
	}

	if err := td.Boot(); err == nil {
		t.Fatal("Boot: want error for non-zero guest exit status")
	}
}
