// Package gdbstub implements enough of the GDB Remote Serial Protocol
// to attach gdb to a running guest: register and memory inspection,
// single-step/continue, and software breakpoints via 0xCC patching.
// Hardware single-stepping rides on kvm.SingleStep/SetGuestDebug, the
// same debug-register plumbing the kvm package exposes for its own
// EXITDEBUG smoke test.
package gdbstub

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// readPacket reads one RSP packet ($...#cc) from r, replying with '+'
// to acknowledge it, and returns the packet payload.
func readPacket(r *bufio.Reader, w io.Writer) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}

		switch b {
		case '$':
			payload, err := r.ReadString('#')
			if err != nil {
				return "", err
			}

			payload = payload[:len(payload)-1]

			var checksum [2]byte
			if _, err := io.ReadFull(r, checksum[:]); err != nil {
				return "", err
			}

			if _, err := w.Write([]byte{'+'}); err != nil {
				return "", err
			}

			return payload, nil
		case 0x03: // Ctrl-C: async interrupt request
			return "\x03", nil
		default:
			// Stray ack/nak or noise between packets; ignore.
			continue
		}
	}
}

// writePacket frames payload as an RSP packet and writes it to w.
func writePacket(w io.Writer, payload string) error {
	sum := checksum(payload)

	_, err := fmt.Fprintf(w, "$%s#%02x", payload, sum)

	return err
}

func checksum(s string) byte {
	var sum byte

	for i := 0; i < len(s); i++ {
		sum += s[i]
	}

	return sum
}

// encodeHex renders b as a lowercase hex string, as used by the 'm' and
// 'g' replies.
func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// decodeHex is the inverse of encodeHex.
func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// splitCommaArgs splits an "addr,length" style argument list.
func splitCommaArgs(s string) []string {
	return strings.Split(s, ",")
}
