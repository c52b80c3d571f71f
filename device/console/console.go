// Package console implements SOLO5_HYPERCALL_PUTS: the guest hands the
// tender a guest-physical buffer and length, and the tender writes it
// verbatim to its standard output. Unlike the legacy 16550 UART a
// full-platform VMM emulates, this is not a device with
// in/out ports or an IRQ line: one hypercall, one write.
package console

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gokvm/hypercall"
)

// Console writes guest console output to an underlying writer.
type Console struct {
	out io.Writer
}

// New creates a Console writing to out.
func New(out io.Writer) *Console {
	return &Console{out: out}
}

// Puts implements the Puts hypercall handler: it copies Len bytes from
// the guest-supplied Data address and writes them to the console.
func (c *Console) Puts(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.PutsArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("console: decoding puts args: %w", err)
	}

	buf, err := hypercall.Buffer(mem, args.Data, args.Len)
	if err != nil {
		return fmt.Errorf("console: reading puts buffer: %w", err)
	}

	// Best effort: a failed host write is not reported to the guest.
	_, _ = c.out.Write(buf)

	return nil
}

// Register installs Puts into table at the Puts slot.
func (c *Console) Register(table *hypercall.Table) {
	table[hypercall.Puts] = c.Puts
}
