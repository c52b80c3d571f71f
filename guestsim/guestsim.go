// Package guestsim is a Go-native stand-in for the guest-side hypercall
// bindings (bindings/hvt/*.c's solo5_* functions): it drives a
// hypercall.Table exactly as a real guest would, marshalling argument
// structs into guest memory and reading the results back, but calling
// Table.Dispatch directly instead of trapping through a PIO `out`
// instruction. It exists so the tender's device and dispatch code can
// be exercised end to end without booting a real ELF guest under KVM.
package guestsim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/bobuhiro11/gokvm/hypercall"
)

// Guest drives a hypercall table against a block of guest memory,
// allocating argument structs from a scratch region the real guest
// would normally reserve on its own stack.
type Guest struct {
	mem     hypercall.Memory
	table   *hypercall.Table
	scratch hypercall.GuestAddr
	bufs    hypercall.GuestAddr
}

// New creates a Guest issuing hypercalls against table, using mem as
// guest memory. argAddr is where argument structs are marshalled;
// bufAddr is where data buffers (console/block/net payloads) are
// staged. The two regions must not overlap and must each be large
// enough for the largest call the guest will make.
func New(mem hypercall.Memory, table *hypercall.Table, argAddr, bufAddr hypercall.GuestAddr) *Guest {
	return &Guest{mem: mem, table: table, scratch: argAddr, bufs: bufAddr}
}

func (g *Guest) call(n hypercall.Number, args interface{}) error {
	if err := hypercall.Encode(g.mem, g.scratch, args); err != nil {
		return fmt.Errorf("guestsim: encoding %s args: %w", n, err)
	}

	if err := g.table.Dispatch(n, g.mem, g.scratch); err != nil {
		return fmt.Errorf("guestsim: dispatching %s: %w", n, err)
	}

	return hypercall.Decode(g.mem, g.scratch, args)
}

// Walltime mirrors solo5_clock_wall.
func (g *Guest) Walltime() (uint64, error) {
	var args hypercall.WalltimeArgs
	if err := g.call(hypercall.Walltime, &args); err != nil {
		return 0, err
	}

	return args.Nsecs, nil
}

// Puts mirrors solo5_console_write.
func (g *Guest) Puts(s string) error {
	if _, err := g.mem.WriteAt([]byte(s), int64(g.bufs)); err != nil {
		return fmt.Errorf("guestsim: staging puts buffer: %w", err)
	}

	args := hypercall.PutsArgs{Data: g.bufs, Len: uint64(len(s))}

	return g.call(hypercall.Puts, &args)
}

// Poll mirrors solo5_yield.
func (g *Guest) Poll(timeoutNsecs uint64) (readySet uint64, err error) {
	args := hypercall.PollArgs{TimeoutNsecs: timeoutNsecs}
	if err := g.call(hypercall.Poll, &args); err != nil {
		return 0, err
	}

	if args.Ret != hypercall.RetOK {
		return 0, fmt.Errorf("guestsim: poll returned %d", args.Ret)
	}

	return args.ReadySet, nil
}

// BlockWrite mirrors solo5_block_write.
func (g *Guest) BlockWrite(handle, offset uint64, data []byte) (int32, error) {
	if _, err := g.mem.WriteAt(data, int64(g.bufs)); err != nil {
		return 0, fmt.Errorf("guestsim: staging block write buffer: %w", err)
	}

	args := hypercall.BlockWriteArgs{Handle: handle, Offset: offset, Data: g.bufs, Len: uint64(len(data))}
	if err := g.call(hypercall.BlockWrite, &args); err != nil {
		return 0, err
	}

	return args.Ret, nil
}

// BlockRead mirrors solo5_block_read.
func (g *Guest) BlockRead(handle, offset uint64, size uint64) ([]byte, int32, error) {
	args := hypercall.BlockReadArgs{Handle: handle, Offset: offset, Data: g.bufs, Len: size}
	if err := g.call(hypercall.BlockRead, &args); err != nil {
		return nil, 0, err
	}

	if args.Ret != hypercall.RetOK {
		return nil, args.Ret, nil
	}

	buf, err := hypercall.Buffer(g.mem, g.bufs, size)

	return buf, args.Ret, err
}

// NetWrite mirrors solo5_net_write.
func (g *Guest) NetWrite(handle uint64, frame []byte) (int32, error) {
	if _, err := g.mem.WriteAt(frame, int64(g.bufs)); err != nil {
		return 0, fmt.Errorf("guestsim: staging net write buffer: %w", err)
	}

	args := hypercall.NetWriteArgs{Handle: handle, Data: g.bufs, Len: uint64(len(frame))}
	if err := g.call(hypercall.NetWrite, &args); err != nil {
		return 0, err
	}

	return args.Ret, nil
}

// NetRead mirrors solo5_net_read.
func (g *Guest) NetRead(handle uint64, maxLen uint64) ([]byte, int32, error) {
	args := hypercall.NetReadArgs{Handle: handle, Data: g.bufs, Len: maxLen}
	if err := g.call(hypercall.NetRead, &args); err != nil {
		return nil, 0, err
	}

	if args.Ret != hypercall.RetOK {
		return nil, args.Ret, nil
	}

	buf, err := hypercall.Buffer(g.mem, g.bufs, args.Len)

	return buf, args.Ret, err
}

// Halt mirrors solo5_exit: it is expected to terminate the tender's
// vCPU loop, so callers should not expect Table.Dispatch to return
// normally for a well-behaved Halt handler.
func (g *Guest) Halt(exitStatus int32) error {
	args := hypercall.HaltArgs{ExitStatus: exitStatus}

	return g.call(hypercall.Halt, &args)
}

// LogLevel is the guest's solo5:-prefixed logging verbosity, parsed
// from the front of the command line at Boot, mirroring
// bindings/boot.c's argument split.
type LogLevel int

const (
	LogWarn LogLevel = iota
	LogQuiet
	LogError
	LogInfo
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogQuiet:
		return "quiet"
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	default:
		return "unknown"
	}
}

var logFlags = map[string]LogLevel{
	"--solo5:quiet": LogQuiet,
	"--solo5:error": LogError,
	"--solo5:warn":  LogWarn,
	"--solo5:info":  LogInfo,
	"--solo5:debug": LogDebug,
}

// StartInfo is what Boot returns: the parsed log level plus whatever
// remains of the guest command line once solo5: directives are
// stripped off its front.
type StartInfo struct {
	LogLevel LogLevel
	Cmdline  string
}

// Boot parses the --solo5:quiet/--solo5:error/--solo5:warn/
// --solo5:info/--solo5:debug directives off the front of cmdline,
// the way bindings/boot.c splits them from the application's own
// arguments before handing off to main. Only one directive is
// expected; the last one seen wins, matching a simple left-to-right
// scan of the original's argv loop.
func Boot(cmdline string) StartInfo {
	level := LogWarn
	rest := cmdline

	for {
		trimmed := strings.TrimLeft(rest, " ")

		word, tail, _ := strings.Cut(trimmed, " ")
		if lvl, ok := logFlags[word]; ok {
			level = lvl
			rest = tail

			continue
		}

		rest = trimmed

		break
	}

	return StartInfo{LogLevel: level, Cmdline: rest}
}

// Abort mirrors bindings/abort.c: it writes diagnostic to stderr,
// stages an optional cookie into guest memory, and issues the halt
// hypercall with ExitStatus 255, the tender-side exit code spec.md §7
// reserves for an aborted guest.
func (g *Guest) Abort(diagnostic string, cookie []byte) error {
	fmt.Fprintf(os.Stderr, "guestsim: %s\n", diagnostic)

	var cookieAddr hypercall.GuestAddr

	if len(cookie) > 0 {
		cookieAddr = g.bufs

		if _, err := g.mem.WriteAt(cookie, int64(g.bufs)); err != nil {
			return fmt.Errorf("guestsim: staging abort cookie: %w", err)
		}
	}

	args := hypercall.HaltArgs{Cookie: cookieAddr, ExitStatus: 255}

	return g.call(hypercall.Halt, &args)
}

// CanaryGuard simulates a compiler-emitted stack-canary check: a
// random value seeded once at boot, compared against its live value
// on every Check call. It exists to drive the "Stack smash" scenario
// (spec.md §8) without a real compiler-emitted prologue/epilogue
// check.
type CanaryGuard struct {
	want uint64
}

// NewCanaryGuard seeds a guard with a random canary value, mirroring
// __stack_chk_guard's early-init randomization from a host entropy
// source.
func NewCanaryGuard() (*CanaryGuard, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("guestsim: seeding canary: %w", err)
	}

	return &CanaryGuard{want: binary.LittleEndian.Uint64(b[:])}, nil
}

// Canary returns the seeded value a test can smash.
func (c *CanaryGuard) Canary() uint64 { return c.want }

// Check reports whether got still matches the seeded canary. A
// mismatch is what a stack-smashing write into the canary slot would
// produce; the caller is expected to Abort with a "Stack corruption
// detected" diagnostic when Check returns false.
func (c *CanaryGuard) Check(got uint64) bool { return got == c.want }
