package loader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/gokvm/cpu"
	"github.com/bobuhiro11/gokvm/loader"
	"github.com/bobuhiro11/gokvm/manifest"
)

// buildELF assembles a minimal little-endian ELF64 ET_EXEC image with one
// PT_LOAD segment (payload at vaddr/paddr) and one PT_NOTE segment
// carrying the given Solo5 notes, entry point set to entry.
func buildELF(t *testing.T, paddr uint64, payload []byte, entry uint64, notes []byte) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	loadOff := uint64(ehdrSize + 2*phdrSize)
	noteOff := loadOff + uint64(len(payload))

	buf := make([]byte, noteOff+uint64(len(notes)))

	// e_ident
	copy(buf[0:4], "\x7fELF")
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:], 1) // e_version
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehdrSize) // e_phoff
	le.PutUint64(buf[40:], 0)        // e_shoff
	le.PutUint32(buf[48:], 0)        // e_flags
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 2) // e_phnum

	putPhdr := func(idx int, typ elf.ProgType, off, vaddr, paddr, filesz, memsz uint64) {
		base := ehdrSize + idx*phdrSize
		le.PutUint32(buf[base:], uint32(typ))
		le.PutUint32(buf[base+4:], 0) // flags
		le.PutUint64(buf[base+8:], off)
		le.PutUint64(buf[base+16:], vaddr)
		le.PutUint64(buf[base+24:], paddr)
		le.PutUint64(buf[base+32:], filesz)
		le.PutUint64(buf[base+40:], memsz)
		le.PutUint64(buf[base+48:], 0x1000)
	}

	putPhdr(0, elf.PT_LOAD, loadOff, paddr, paddr, uint64(len(payload)), uint64(len(payload)))
	copy(buf[loadOff:], payload)

	putPhdr(1, elf.PT_NOTE, noteOff, 0, 0, uint64(len(notes)), uint64(len(notes)))
	copy(buf[noteOff:], notes)

	return buf
}

func buildNote(typ uint32, desc []byte) []byte {
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

func testManifest(t *testing.T) ([]byte, *manifest.Manifest) {
	t.Helper()

	m := &manifest.Manifest{Version: manifest.Version, E: []manifest.Entry{
		{Name: "disk", Kind: manifest.KindBlockBasic, Block: manifest.BlockInfo{Capacity: 4096, BlockSize: 512}},
	}}

	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	return raw, m
}

func TestLoadCopiesSegmentAndParsesNotes(t *testing.T) {
	t.Parallel()

	mftRaw, wantMft := testManifest(t)

	notes := append(buildNote(0x3154464d, mftRaw), buildNote(0x31494241, []byte{1, 0, 0, 0})...)

	payload := []byte("solo5 guest payload")
	paddr := uint64(cpu.GuestMinBase)

	elfBytes := buildELF(t, paddr, payload, paddr, notes)

	mem := make([]byte, 4*cpu.PageSize)

	img, err := loader.Load(bytes.NewReader(elfBytes), mem)
	if err != nil {
		t.Fatal(err)
	}

	if img.Entry != paddr {
		t.Fatalf("entry = %#x, want %#x", img.Entry, paddr)
	}

	if !bytes.Equal(mem[paddr:paddr+uint64(len(payload))], payload) {
		t.Fatal("payload not copied into guest memory")
	}

	if img.ABIVersion != 1 {
		t.Fatalf("ABIVersion = %d, want 1", img.ABIVersion)
	}

	if len(img.Manifest.E) != len(wantMft.E) || img.Manifest.E[0].Name != wantMft.E[0].Name {
		t.Fatalf("manifest mismatch: got %+v", img.Manifest)
	}
}

func TestLoadRejectsSegmentBelowGuestMinBase(t *testing.T) {
	t.Parallel()

	mftRaw, _ := testManifest(t)
	notes := append(buildNote(0x3154464d, mftRaw), buildNote(0x31494241, []byte{1, 0, 0, 0})...)

	elfBytes := buildELF(t, 0x1000, []byte("x"), 0x1000, notes)
	mem := make([]byte, 4*cpu.PageSize)

	_, err := loader.Load(bytes.NewReader(elfBytes), mem)
	if !errors.Is(err, loader.ErrSegmentOutOfRange) {
		t.Fatalf("got %v, want ErrSegmentOutOfRange", err)
	}
}

func TestLoadRejectsMissingManifestNote(t *testing.T) {
	t.Parallel()

	notes := buildNote(0x31494241, []byte{1, 0, 0, 0})
	elfBytes := buildELF(t, uint64(cpu.GuestMinBase), []byte("x"), uint64(cpu.GuestMinBase), notes)
	mem := make([]byte, 4*cpu.PageSize)

	_, err := loader.Load(bytes.NewReader(elfBytes), mem)
	if !errors.Is(err, loader.ErrNoManifest) {
		t.Fatalf("got %v, want ErrNoManifest", err)
	}
}

func TestLoadRejectsNon64BitClass(t *testing.T) {
	t.Parallel()

	// A truncated/garbage header is neither valid ELF32 nor ELF64; Load
	// must surface ErrNotELF rather than panicking.
	garbage := []byte("not an elf file at all")

	_, err := loader.Load(bytes.NewReader(garbage), make([]byte, 0x1000))
	if !errors.Is(err, loader.ErrNotELF) {
		t.Fatalf("got %v, want ErrNotELF", err)
	}
}
