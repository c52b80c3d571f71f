// Package manifest implements the static application manifest: the
// fixed-size table of named devices a module declares at link time and
// the tender validates before boot.
//
// The wire layout mirrors struct mft from Solo5's mft_abi.h byte for
// byte: a tender never trusts a guest-supplied manifest beyond that
// struct's bounds.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only manifest ABI version this tender understands.
const Version = 1

// MaxEntries bounds the number of devices a manifest may declare.
const MaxEntries = 64

// NameSize is the fixed width, including the NUL terminator, of an
// entry's name field.
const NameSize = 32

// Kind distinguishes the union member valid in an Entry.
type Kind uint32

const (
	KindBlockBasic Kind = iota
	KindNetBasic
)

func (k Kind) String() string {
	switch k {
	case KindBlockBasic:
		return "BLOCK_BASIC"
	case KindNetBasic:
		return "NET_BASIC"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// BlockInfo is the union payload for KindBlockBasic.
type BlockInfo struct {
	Capacity  uint64
	BlockSize uint16
}

// NetInfo is the union payload for KindNetBasic.
type NetInfo struct {
	MAC [6]byte
	MTU uint16
}

// Entry is one named device slot in the manifest.
type Entry struct {
	Name   string
	Kind   Kind
	Block  BlockInfo
	Net    NetInfo
	HostFD int
	OK     bool
}

// Manifest is the validated, in-memory form of a module's device table.
type Manifest struct {
	Version uint32
	E       []Entry
}

var (
	// ErrVersion is returned when the manifest's version field does not
	// match Version.
	ErrVersion = errors.New("manifest: unsupported version")

	// ErrTooManyEntries is returned when a manifest declares more than
	// MaxEntries devices.
	ErrTooManyEntries = errors.New("manifest: too many entries")

	// ErrSizeMismatch is returned when the encoded manifest's declared
	// entry count does not match the number of bytes actually present.
	ErrSizeMismatch = errors.New("manifest: size does not match entry count")

	// ErrTruncated is returned when fewer bytes are available than the
	// fixed header requires.
	ErrTruncated = errors.New("manifest: truncated")

	// ErrNotFound is returned by FindByName/FindByIndex.
	ErrNotFound = errors.New("manifest: entry not found")
)

// Layout of a wire-format mft_entry, matching the C struct's natural
// alignment: name[32], a 4-byte enum, 4 bytes of padding so the union
// (which holds a uint64) lands on an 8-byte boundary, the 16-byte union
// itself, a 4-byte hostfd, a 1-byte bool, and 3 bytes of trailing
// padding to bring the whole struct back to an 8-byte multiple.
const (
	headerSize = 8 // version + entries, both uint32

	entryKindOff   = NameSize
	entryUnionOff  = entryKindOff + 4 + 4 // kind + alignment padding
	entryUnionSize = 16
	entryHostFDOff = entryUnionOff + entryUnionSize
	entryOKOff     = entryHostFDOff + 4
	entrySize      = entryOKOff + 1 + 3 // + trailing struct padding
)

// Decode parses a wire-format manifest (as embedded in a module's MFT1
// ELF note) out of raw. It validates Version and the entry count before
// touching any entry payload, matching mft_validate's "size must match
// entries before we read names or unions" discipline.
func Decode(raw []byte) (*Manifest, error) {
	if len(raw) < headerSize {
		return nil, ErrTruncated
	}

	version := binary.LittleEndian.Uint32(raw[0:4])
	entries := binary.LittleEndian.Uint32(raw[4:8])

	if version != Version {
		return nil, fmt.Errorf("%w: got %d", ErrVersion, version)
	}

	if entries > MaxEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, entries, MaxEntries)
	}

	want := headerSize + int(entries)*entrySize
	if len(raw) != want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrSizeMismatch, len(raw), want)
	}

	m := &Manifest{Version: version, E: make([]Entry, entries)}

	off := headerSize
	for i := range m.E {
		e, err := decodeEntry(raw[off : off+entrySize])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		m.E[i] = e
		off += entrySize
	}

	return m, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	name := raw[0:NameSize]

	nul := NameSize - 1
	for i, b := range name {
		if b == 0 {
			nul = i

			break
		}
	}

	e := Entry{
		Name:   string(name[:nul]),
		Kind:   Kind(binary.LittleEndian.Uint32(raw[entryKindOff : entryKindOff+4])),
		HostFD: int(int32(binary.LittleEndian.Uint32(raw[entryHostFDOff : entryHostFDOff+4]))),
		OK:     raw[entryOKOff] != 0,
	}

	union := raw[entryUnionOff : entryUnionOff+entryUnionSize]

	switch e.Kind {
	case KindBlockBasic:
		e.Block.Capacity = binary.LittleEndian.Uint64(union[0:8])
		e.Block.BlockSize = binary.LittleEndian.Uint16(union[8:10])
	case KindNetBasic:
		copy(e.Net.MAC[:], union[0:6])
		e.Net.MTU = binary.LittleEndian.Uint16(union[6:8])
	default:
		return Entry{}, fmt.Errorf("%w: %s", errors.New("unknown manifest entry kind"), e.Kind)
	}

	return e, nil
}

// FindByName returns the entry with the given name and kind, or
// ErrNotFound. The kind filter matches solo5_block_acquire and
// solo5_net_acquire, which only ever look up a device of a specific
// type and silently ignore name collisions across kinds.
func (m *Manifest) FindByName(name string, kind Kind) (*Entry, error) {
	for i := range m.E {
		if m.E[i].Name == name && m.E[i].Kind == kind {
			return &m.E[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// FindByIndex returns the entry at position idx, or ErrNotFound if idx
// is out of range.
func (m *Manifest) FindByIndex(idx int) (*Entry, error) {
	if idx < 0 || idx >= len(m.E) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, idx)
	}

	return &m.E[idx], nil
}

// Encode serializes m back to wire format. The tender uses it to copy the
// manifest into guest memory, and tests use it to build MFT1 notes.
func (m *Manifest) Encode() ([]byte, error) {
	if len(m.E) > MaxEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(m.E), MaxEntries)
	}

	raw := make([]byte, headerSize+len(m.E)*entrySize)
	binary.LittleEndian.PutUint32(raw[0:4], m.Version)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(m.E)))

	off := headerSize

	for _, e := range m.E {
		if len(e.Name) > NameSize-1 {
			return nil, fmt.Errorf("manifest: entry name %q longer than %d bytes", e.Name, NameSize-1)
		}

		entry := raw[off : off+entrySize]
		copy(entry[0:NameSize], e.Name)
		binary.LittleEndian.PutUint32(entry[entryKindOff:entryKindOff+4], uint32(e.Kind))
		binary.LittleEndian.PutUint32(entry[entryHostFDOff:entryHostFDOff+4], uint32(e.HostFD))

		if e.OK {
			entry[entryOKOff] = 1
		}

		union := entry[entryUnionOff : entryUnionOff+entryUnionSize]

		switch e.Kind {
		case KindBlockBasic:
			binary.LittleEndian.PutUint64(union[0:8], e.Block.Capacity)
			binary.LittleEndian.PutUint16(union[8:10], e.Block.BlockSize)
		case KindNetBasic:
			copy(union[0:6], e.Net.MAC[:])
			binary.LittleEndian.PutUint16(union[6:8], e.Net.MTU)
		default:
			return nil, fmt.Errorf("manifest: entry %q has unknown kind %s", e.Name, e.Kind)
		}

		off += entrySize
	}

	return raw, nil
}

// String renders the manifest for --dumpmanifest-style diagnostics.
func (m *Manifest) String() string {
	s := fmt.Sprintf("manifest: version=%d entries=%d\n", m.Version, len(m.E))

	for i, e := range m.E {
		s += fmt.Sprintf("  [%d] %q kind=%s hostfd=%d ok=%v\n", i, e.Name, e.Kind, e.HostFD, e.OK)
	}

	return s
}
