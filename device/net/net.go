// Package net implements the NetWrite/NetRead hypercalls against a
// tap.Tap interface, one per manifest entry of kind KindNetBasic. The
// tap device is opened non-blocking (see tap.New), so a read with
// nothing queued surfaces as EAGAIN, which this package reports as
// hypercall.RetAgain rather than an error: the guest is expected to
// solo5_yield and retry, exactly as it does for an empty poll result.
package net

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/bobuhiro11/gokvm/hypercall"
	"github.com/bobuhiro11/gokvm/manifest"
)

// ErrBadHandle is returned when a hypercall names a handle with no
// backing device.
var ErrBadHandle = errors.New("net: unknown device handle")

// ethernetHeaderSize is the size of an untagged Ethernet II header
// (dst MAC + src MAC + ethertype), the same bound
// solo5_net_write's ABI contract is defined against.
const ethernetHeaderSize = 14

// Iface is the minimal tap.Tap surface this package needs.
type Iface interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// Device is one open tap interface and the manifest info the guest
// acquired it with.
type Device struct {
	Name string
	Tap  Iface
	Info manifest.NetInfo
}

// Table maps a manifest entry's index (the hypercall handle) to its
// open Device.
type Table map[uint64]*Device

// Register installs NetWrite/NetRead handlers backed by t into table.
func (t Table) Register(table *hypercall.Table) {
	table[hypercall.NetWrite] = t.write
	table[hypercall.NetRead] = t.read
}

func (t Table) lookup(handle uint64) (*Device, error) {
	d, ok := t[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}

	return d, nil
}

func (t Table) write(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.NetWriteArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("net: decoding write args: %w", err)
	}

	d, err := t.lookup(args.Handle)
	if err != nil {
		args.Ret = hypercall.RetEInval

		return hypercall.Encode(mem, argAddr, &args)
	}

	if limit := uint64(d.Info.MTU) + ethernetHeaderSize; args.Len > limit {
		args.Ret = hypercall.RetEInval

		return hypercall.Encode(mem, argAddr, &args)
	}

	buf, err := hypercall.Buffer(mem, args.Data, args.Len)
	if err != nil {
		return fmt.Errorf("net: reading write buffer: %w", err)
	}

	if _, err := d.Tap.Write(buf); err != nil {
		args.Ret = hypercall.RetEUnspec

		if encErr := hypercall.Encode(mem, argAddr, &args); encErr != nil {
			return fmt.Errorf("net: %w", encErr)
		}

		return fmt.Errorf("net: write: %w", err)
	}

	args.Ret = hypercall.RetOK

	return hypercall.Encode(mem, argAddr, &args)
}

func (t Table) read(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.NetReadArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("net: decoding read args: %w", err)
	}

	d, err := t.lookup(args.Handle)
	if err != nil {
		args.Ret = hypercall.RetEInval

		return hypercall.Encode(mem, argAddr, &args)
	}

	buf := make([]byte, args.Len)

	n, err := d.Tap.Read(buf)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			args.Ret = hypercall.RetAgain

			return hypercall.Encode(mem, argAddr, &args)
		}

		args.Ret = hypercall.RetEUnspec

		if encErr := hypercall.Encode(mem, argAddr, &args); encErr != nil {
			return fmt.Errorf("net: %w", encErr)
		}

		return fmt.Errorf("net: read: %w", err)
	}

	if err := hypercall.Encode(mem, args.Data, buf[:n]); err != nil {
		return fmt.Errorf("net: writing read buffer back to guest: %w", err)
	}

	args.Len = uint64(n)
	args.Ret = hypercall.RetOK

	return hypercall.Encode(mem, argAddr, &args)
}
