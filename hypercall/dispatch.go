package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOutOfRange is returned when a guest-supplied address or length
// would read or write outside of guest memory.
var ErrOutOfRange = errors.New("hypercall: guest address out of range")

// Decode reads the argument struct for a hypercall out of guest memory
// at addr into v, which must be a pointer to one of the *Args types (or
// BootInfo) in this package.
func Decode(mem Memory, addr GuestAddr, v interface{}) error {
	sz := int64(binary.Size(v))
	if sz < 0 {
		return fmt.Errorf("hypercall: cannot determine size of %T", v)
	}

	if err := checkRange(mem, addr, uint64(sz)); err != nil {
		return err
	}

	return binary.Read(io.NewSectionReader(mem, int64(addr), sz), binary.LittleEndian, v)
}

// Encode writes v back to guest memory at addr. Handlers call this
// after populating the OUT fields of an argument struct.
func Encode(mem Memory, addr GuestAddr, v interface{}) error {
	sz := int64(binary.Size(v))
	if sz < 0 {
		return fmt.Errorf("hypercall: cannot determine size of %T", v)
	}

	if err := checkRange(mem, addr, uint64(sz)); err != nil {
		return err
	}

	buf := make([]byte, 0, sz)
	w := &sliceWriter{buf: buf}

	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return err
	}

	_, err := mem.WriteAt(w.buf, int64(addr))

	return err
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)

	return len(p), nil
}

// checkRange verifies that [addr, addr+size) lies within guest memory,
// rejecting both out-of-range and overflowing addresses.
func checkRange(mem Memory, addr GuestAddr, size uint64) error {
	end := uint64(addr) + size
	if end < uint64(addr) || end > mem.Size() {
		return fmt.Errorf("%w: addr=%#x size=%d mem=%d", ErrOutOfRange, addr, size, mem.Size())
	}

	return nil
}

// Buffer returns a copy of the size bytes of guest memory starting at
// addr, for handlers that need to pass a guest buffer to a device.
// Changes to the returned slice do not reach guest memory.
func Buffer(mem Memory, addr GuestAddr, size uint64) ([]byte, error) {
	if err := checkRange(mem, addr, size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil && err != io.EOF {
		return nil, err
	}

	return buf, nil
}

// Handler services one hypercall. mem is guest memory, argAddr is the
// guest physical address of the call's argument struct (the value the
// guest wrote to the PIO/MMIO hypercall port).
type Handler func(mem Memory, argAddr GuestAddr) error

// Table is a dispatch table indexed by Number, generalizing the
// registered-io-port-handler pattern to hypercall numbers instead of
// raw port addresses.
type Table [Max]Handler

// Dispatch invokes the handler registered for n, or returns an error if
// none is registered.
func (t *Table) Dispatch(n Number, mem Memory, argAddr GuestAddr) error {
	if n >= Max || t[n] == nil {
		return fmt.Errorf("hypercall: no handler registered for %s", n)
	}

	return t[n](mem, argAddr)
}
