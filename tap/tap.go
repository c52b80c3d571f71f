// Package tap opens a Linux TAP interface the way
// original_source/tenders/common/tap_attach.c's tap_attach/tap_attach_genmac
// do: TUNSETIFF against /dev/net/tun, non-blocking fcntl, and (when the
// guest's manifest entry carries the zero MAC solo5 uses to mean
// "generate one for me") a locally-administered random MAC.
package tap

import (
	"crypto/rand"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// Tap is one open, non-blocking TAP file descriptor.
type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// New opens the named TAP interface (creating it if the host's tuntap
// driver allows) and puts it into non-blocking mode so device/net's
// read handler can report EAGAIN to a guest that polls faster than
// packets arrive, instead of blocking the whole tender.
func New(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	t := &Tap{fd: fd}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if err := ioctl(t.fd, unix.TUNSETIFF, &ifr); err != nil {
		unix.Close(t.fd)

		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, err)
	}

	if err := unix.SetNonblock(t.fd, true); err != nil {
		unix.Close(t.fd)

		return nil, fmt.Errorf("tap: set non-blocking: %w", err)
	}

	return t, nil
}

// ioctl issues op against fd with a pointer argument, the thin layer
// x/sys/unix leaves for ioctls it doesn't wrap with a typed helper
// (TUNSETIFF takes a struct ifreq*, not an int).
func ioctl(fd int, op uintptr, arg *ifReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(unsafe.Pointer(arg))) //nolint:gosec

	if errno != 0 {
		return errno
	}

	return nil
}

// GenMAC returns a random locally-administered Ethernet MAC, mirroring
// tap_attach_genmac's use of a host entropy source (there, /dev/urandom;
// here, crypto/rand) to fill every octet but the two low bits of the
// first, which mark the address as locally-administered and unicast.
func GenMAC() ([6]byte, error) {
	var mac [6]byte
	if _, err := rand.Read(mac[:]); err != nil {
		return mac, fmt.Errorf("tap: generating MAC: %w", err)
	}

	mac[0] = (mac[0] &^ 0x01) | 0x02

	return mac, nil
}

// Close closes the underlying file descriptor.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

// Write sends a raw Ethernet frame to the interface.
func (t Tap) Write(buf []byte) (n int, err error) {
	return unix.Write(t.fd, buf)
}

// Read receives one raw Ethernet frame from the interface, returning
// EAGAIN when nothing is queued (the fd is opened non-blocking).
func (t Tap) Read(buf []byte) (n int, err error) {
	return unix.Read(t.fd, buf)
}

// Fd returns the tap device's raw file descriptor, for use in a
// poll/select set awaiting readability.
func (t Tap) Fd() int {
	return t.fd
}
