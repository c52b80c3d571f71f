// Package loader loads a Solo5 module ELF binary into guest memory: it
// copies PT_LOAD segments, tracks the highest mapped address, and
// extracts the module's embedded manifest and ABI version from its ELF
// notes.
//
// The segment-copy loop is the same shape as the teacher's bzImage/ELF
// loader (debug/elf, ReadAt into a pre-sized guest memory slice,
// io.EOF treated as a normal end of a short final segment).
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/gokvm/cpu"
	"github.com/bobuhiro11/gokvm/manifest"
)

// noteName is the ELF note owner string every Solo5 note is stamped
// with.
const noteName = "Solo5"

// Note types, matching SOLO5_NOTE_MANIFEST/SOLO5_NOTE_ABI_VERSION.
const (
	noteManifest   = 0x3154464d // "MFT1"
	noteABIVersion = 0x31494241 // "ABI1"
)

var (
	// ErrNotELF is returned when the kernel image is not a valid ELF file.
	ErrNotELF = errors.New("loader: not an ELF file")

	// ErrNot64Bit is returned when the ELF image is not ELFCLASS64; hvt
	// only boots 64-bit guests.
	ErrNot64Bit = errors.New("loader: not a 64-bit ELF file")

	// ErrZeroSizeKernel is returned when no PT_LOAD segment produced any
	// bytes, indicating a malformed or empty image.
	ErrZeroSizeKernel = errors.New("loader: kernel image has no loadable segments")

	// ErrSegmentOutOfRange is returned when a PT_LOAD segment would
	// write outside of guest memory.
	ErrSegmentOutOfRange = errors.New("loader: segment outside of guest memory")

	// ErrNoManifest is returned when the image carries no MFT1 note.
	ErrNoManifest = errors.New("loader: no manifest note found")

	// ErrNoABIVersion is returned when the image carries no ABI1 note.
	ErrNoABIVersion = errors.New("loader: no ABI version note found")

	// ErrABIMismatch is returned when the image's ABI version note does
	// not match the ABI version this tender implements.
	ErrABIMismatch = errors.New("loader: ABI version mismatch")
)

// Image describes a module ELF after loading.
type Image struct {
	Entry      uint64
	End        uint64 // highest guest-physical address written, rounded up
	Manifest   *manifest.Manifest
	ABIVersion uint32
}

// Load reads kernel, an ELF64 Solo5 module, copies its PT_LOAD segments
// into mem starting at cpu.GuestMinBase, and parses its manifest and
// ABI notes.
func Load(kernel io.ReaderAt, mem []byte) (*Image, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotELF, err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, ErrNot64Bit
	}

	img := &Image{Entry: f.Entry}

	var loadedBytes int

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Paddr < cpu.GuestMinBase {
			return nil, fmt.Errorf("%w: segment %d at %#x below guest minimum base %#x",
				ErrSegmentOutOfRange, i, p.Paddr, uint64(cpu.GuestMinBase))
		}

		end := p.Paddr + p.Memsz
		if end < p.Paddr || end > uint64(len(mem)) {
			return nil, fmt.Errorf("%w: segment %d [%#x, %#x)", ErrSegmentOutOfRange, i, p.Paddr, end)
		}

		n, err := p.ReadAt(mem[p.Paddr:end], 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("loader: segment %d@%#x: %d/%d bytes: %w", i, p.Paddr, n, p.Filesz, err)
		}

		loadedBytes += n

		if end > img.End {
			img.End = end
		}
	}

	if loadedBytes == 0 {
		return nil, ErrZeroSizeKernel
	}

	mft, abi, err := parseNotes(f)
	if err != nil {
		return nil, err
	}

	img.Manifest = mft
	img.ABIVersion = abi

	return img, nil
}

// parseNotes walks every PT_NOTE (and, for sections, SHT_NOTE) entry
// looking for the Solo5 manifest and ABI version notes.
func parseNotes(f *elf.File) (*manifest.Manifest, uint32, error) {
	var (
		mft     *manifest.Manifest
		abi     uint32
		haveMft bool
		haveABI bool
	)

	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}

		raw := make([]byte, p.Filesz)
		if _, err := p.ReadAt(raw, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("loader: reading notes: %w", err)
		}

		for len(raw) > 0 {
			name, typ, desc, rest, err := nextNote(raw)
			if err != nil {
				return nil, 0, err
			}

			raw = rest

			if name != noteName {
				continue
			}

			switch typ {
			case noteManifest:
				m, err := manifest.Decode(desc)
				if err != nil {
					return nil, 0, fmt.Errorf("loader: decoding manifest note: %w", err)
				}

				mft = m
				haveMft = true
			case noteABIVersion:
				if len(desc) < 4 {
					return nil, 0, fmt.Errorf("loader: ABI note too short (%d bytes)", len(desc))
				}

				abi = binary.LittleEndian.Uint32(desc)
				haveABI = true
			}
		}
	}

	if !haveMft {
		return nil, 0, ErrNoManifest
	}

	if !haveABI {
		return nil, 0, ErrNoABIVersion
	}

	return mft, abi, nil
}

// nextNote decodes one Elf64_Nhdr-style note (namesz, descsz, type,
// name padded to 4 bytes, desc padded to 4 bytes) from the front of
// raw, returning the remainder.
func nextNote(raw []byte) (name string, typ uint32, desc []byte, rest []byte, err error) {
	const hdrSize = 12

	if len(raw) < hdrSize {
		return "", 0, nil, nil, fmt.Errorf("loader: truncated note header (%d bytes)", len(raw))
	}

	namesz := binary.LittleEndian.Uint32(raw[0:4])
	descsz := binary.LittleEndian.Uint32(raw[4:8])
	typ = binary.LittleEndian.Uint32(raw[8:12])

	off := hdrSize
	namePadded := align4(int(namesz))

	if len(raw) < off+namePadded {
		return "", 0, nil, nil, fmt.Errorf("loader: truncated note name (want %d bytes)", namePadded)
	}

	rawName := raw[off : off+int(namesz)]
	name = trimNUL(rawName)
	off += namePadded

	descPadded := align4(int(descsz))
	if len(raw) < off+descPadded {
		return "", 0, nil, nil, fmt.Errorf("loader: truncated note desc (want %d bytes)", descPadded)
	}

	desc = raw[off : off+int(descsz)]
	off += descPadded

	return name, typ, desc, raw[off:], nil
}

func align4(n int) int { return (n + 3) &^ 3 }

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
