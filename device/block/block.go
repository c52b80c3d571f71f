// Package block implements the BlockWrite/BlockRead hypercalls against
// an os.File-backed disk image, one per manifest entry of kind
// KindBlockBasic. A device is addressed by its hypercall handle, which
// is simply its index into the validated manifest's entry table --
// mirroring how solo5_block_acquire resolves a name to a handle once,
// at startup, and every I/O hypercall afterward carries only that
// integer.
package block

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/manifest"
)

// ErrBadHandle is returned when a hypercall names a handle with no
// backing device.
var ErrBadHandle = errors.New("block: unknown device handle")

// ErrOutOfBounds is returned when an I/O request falls outside the
// device's declared capacity.
var ErrOutOfBounds = errors.New("block: request out of bounds")

// ErrMisaligned is returned when an I/O request's size isn't exactly
// one block or its offset isn't block-aligned.
var ErrMisaligned = errors.New("block: request not block-aligned")

// Device is one open backing file.
type Device struct {
	Name      string
	File      *os.File
	Capacity  uint64
	BlockSize uint16
}

// Open opens path read-write, takes an exclusive advisory lock on it so
// a second tender can't attach the same backing file out from under a
// running guest, and stats it to populate Capacity.
func Open(name, path string, blockSize uint16) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("block: flock %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}

	return &Device{Name: name, File: f, Capacity: uint64(info.Size()), BlockSize: blockSize}, nil
}

// Info returns the manifest union payload describing this device,
// installed into the entry the tender hands back to the guest.
func (d *Device) Info() manifest.BlockInfo {
	return manifest.BlockInfo{Capacity: d.Capacity, BlockSize: d.BlockSize}
}

// Close closes the backing file.
func (d *Device) Close() error { return d.File.Close() }

// Table maps a manifest entry's index (the hypercall handle) to its
// open Device.
type Table map[uint64]*Device

// Register installs BlockWrite/BlockRead handlers backed by t into
// table.
func (t Table) Register(table *hypercall.Table) {
	table[hypercall.BlockWrite] = t.write
	table[hypercall.BlockRead] = t.read
}

func (t Table) lookup(handle uint64) (*Device, error) {
	d, ok := t[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}

	return d, nil
}

// checkBounds enforces the block-device contract: a request's size must
// be exactly one block, its offset must be block-aligned, and the
// request must fall within the device's capacity.
func checkBounds(d *Device, offset, length uint64) error {
	if length != uint64(d.BlockSize) || offset%uint64(d.BlockSize) != 0 {
		return fmt.Errorf("%w: offset=%d len=%d block_size=%d", ErrMisaligned, offset, length, d.BlockSize)
	}

	if offset+length > d.Capacity {
		return fmt.Errorf("%w: offset=%d len=%d capacity=%d", ErrOutOfBounds, offset, length, d.Capacity)
	}

	return nil
}

func (t Table) write(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.BlockWriteArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("block: decoding write args: %w", err)
	}

	d, err := t.lookup(args.Handle)
	if err != nil {
		args.Ret = hypercall.RetEInval

		return encodeOrErr(mem, argAddr, &args, err)
	}

	if err := checkBounds(d, args.Offset, args.Len); err != nil {
		args.Ret = hypercall.RetEInval

		return encodeOrErr(mem, argAddr, &args, err)
	}

	buf, err := hypercall.Buffer(mem, args.Data, args.Len)
	if err != nil {
		return fmt.Errorf("block: reading write buffer: %w", err)
	}

	if _, err := d.File.WriteAt(buf, int64(args.Offset)); err != nil {
		args.Ret = hypercall.RetEUnspec

		return encodeOrErr(mem, argAddr, &args, fmt.Errorf("block: write: %w", err))
	}

	args.Ret = hypercall.RetOK

	return hypercall.Encode(mem, argAddr, &args)
}

func (t Table) read(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.BlockReadArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("block: decoding read args: %w", err)
	}

	d, err := t.lookup(args.Handle)
	if err != nil {
		args.Ret = hypercall.RetEInval

		return encodeOrErr(mem, argAddr, &args, err)
	}

	if err := checkBounds(d, args.Offset, args.Len); err != nil {
		args.Ret = hypercall.RetEInval

		return encodeOrErr(mem, argAddr, &args, err)
	}

	buf := make([]byte, args.Len)

	if _, err := d.File.ReadAt(buf, int64(args.Offset)); err != nil {
		args.Ret = hypercall.RetEUnspec

		return encodeOrErr(mem, argAddr, &args, fmt.Errorf("block: read: %w", err))
	}

	if err := hypercall.Encode(mem, args.Data, buf); err != nil {
		return fmt.Errorf("block: writing read buffer back to guest: %w", err)
	}

	args.Ret = hypercall.RetOK

	return hypercall.Encode(mem, argAddr, &args)
}

// encodeOrErr writes args (carrying a failure Ret code) back to the
// guest so it observes the error through the ABI's return value, while
// still surfacing cause to the tender's own logs.
func encodeOrErr(mem hypercall.Memory, argAddr hypercall.GuestAddr, args interface{}, cause error) error {
	if err := hypercall.Encode(mem, argAddr, args); err != nil {
		return fmt.Errorf("block: %w (while handling %w)", err, cause)
	}

	return nil
}
