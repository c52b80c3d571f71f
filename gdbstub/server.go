package gdbstub

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/bobuhiro11/gokvm/kvm"
)

// ErrDetached is returned by Serve when the remote debugger sent 'D'
// (detach) or closed the connection.
var ErrDetached = errors.New("gdbstub: debugger detached")

// Target is the vCPU surface a debug session controls. vcpu.VCPU
// satisfies it directly.
type Target interface {
	FD() uintptr
}

// Memory is bounds-checked guest memory access for the 'm'/'M' packets.
type Memory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// rspRegOrder is the x86_64 GDB register order for 'g'/'G': rax, rbx,
// rcx, rdx, rsi, rdi, rbp, rsp, r8-r15, rip, eflags, cs, ss, ds, es, fs,
// gs.
var rspRegOrder = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
}

// breakpoint remembers the original byte patched out to install a
// software breakpoint (0xCC) at an address.
type breakpoint struct {
	addr uint64
	orig byte
}

// Server serves one GDB remote-serial debug session against a vCPU and
// its guest memory.
type Server struct {
	target Target
	mem    Memory

	breakpoints map[uint64]breakpoint
}

// NewServer creates a Server for target/mem.
func NewServer(target Target, mem Memory) *Server {
	return &Server{target: target, mem: mem, breakpoints: map[uint64]breakpoint{}}
}

// ListenAndServe listens on addr (e.g. "localhost:1234") and serves a
// single debug session to completion.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gdbstub: listen: %w", err)
	}

	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("gdbstub: accept: %w", err)
	}

	defer conn.Close()

	return s.Serve(conn)
}

// Serve drives the RSP session over rw until the debugger detaches or
// the connection errors out.
func (s *Server) Serve(rw net.Conn) error {
	r := bufio.NewReader(rw)

	for {
		pkt, err := readPacket(r, rw)
		if errors.Is(err, io.EOF) {
			return ErrDetached
		}

		if err != nil {
			return fmt.Errorf("gdbstub: reading packet: %w", err)
		}

		if pkt == "" {
			continue
		}

		reply, detach, err := s.dispatch(pkt)
		if err != nil {
			return fmt.Errorf("gdbstub: handling %q: %w", pkt, err)
		}

		if reply != "" {
			if err := writePacket(rw, reply); err != nil {
				return fmt.Errorf("gdbstub: writing reply: %w", err)
			}
		}

		if detach {
			return ErrDetached
		}
	}
}

func (s *Server) dispatch(pkt string) (reply string, detach bool, err error) {
	switch {
	case pkt == "?":
		return "S05", false, nil // SIGTRAP: we're always stopped when replying
	case pkt == "g":
		reply, err := s.readRegs()

		return reply, false, err
	case strings.HasPrefix(pkt, "G"):
		err := s.writeRegs(pkt[1:])

		return "OK", false, err
	case strings.HasPrefix(pkt, "m"):
		reply, err := s.readMem(pkt[1:])

		return reply, false, err
	case strings.HasPrefix(pkt, "M"):
		err := s.writeMem(pkt[1:])
		if err != nil {
			return "E01", false, nil
		}

		return "OK", false, nil
	case pkt == "c" || pkt == "s":
		if err := kvm.SingleStep(s.target.FD(), pkt == "s"); err != nil {
			return "", false, fmt.Errorf("SingleStep: %w", err)
		}

		return "", false, nil
	case strings.HasPrefix(pkt, "Z0,") || strings.HasPrefix(pkt, "Z1,"):
		err := s.setBreakpoint(pkt)

		return ackOrErr(err)
	case strings.HasPrefix(pkt, "z0,") || strings.HasPrefix(pkt, "z1,"):
		err := s.clearBreakpoint(pkt)

		return ackOrErr(err)
	case pkt == "D":
		return "OK", true, nil
	case pkt == "\x03":
		return "S05", false, nil
	default:
		return "", false, nil // empty reply: unsupported packet
	}
}

func ackOrErr(err error) (string, bool, error) {
	if err != nil {
		return "E01", false, nil
	}

	return "OK", false, nil
}

func (s *Server) readRegs() (string, error) {
	regs, err := kvm.GetRegs(s.target.FD())
	if err != nil {
		return "", fmt.Errorf("GetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(s.target.FD())
	if err != nil {
		return "", fmt.Errorf("GetSregs: %w", err)
	}

	vals := map[string]uint64{
		"rax": regs.RAX, "rbx": regs.RBX, "rcx": regs.RCX, "rdx": regs.RDX,
		"rsi": regs.RSI, "rdi": regs.RDI, "rbp": regs.RBP, "rsp": regs.RSP,
		"r8": regs.R8, "r9": regs.R9, "r10": regs.R10, "r11": regs.R11,
		"r12": regs.R12, "r13": regs.R13, "r14": regs.R14, "r15": regs.R15,
		"rip": regs.RIP, "eflags": regs.RFLAGS,
		"cs": uint64(sregs.CS.Selector), "ss": uint64(sregs.SS.Selector),
		"ds": uint64(sregs.DS.Selector), "es": uint64(sregs.ES.Selector),
		"fs": uint64(sregs.FS.Selector), "gs": uint64(sregs.GS.Selector),
	}

	var out []byte

	for _, name := range rspRegOrder {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, vals[name])
		out = append(out, buf...)
	}

	return encodeHex(out), nil
}

func (s *Server) writeRegs(hexData string) error {
	raw, err := decodeHex(hexData)
	if err != nil {
		return fmt.Errorf("decoding G payload: %w", err)
	}

	regs, err := kvm.GetRegs(s.target.FD())
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	targets := map[string]*uint64{
		"rax": &regs.RAX, "rbx": &regs.RBX, "rcx": &regs.RCX, "rdx": &regs.RDX,
		"rsi": &regs.RSI, "rdi": &regs.RDI, "rbp": &regs.RBP, "rsp": &regs.RSP,
		"r8": &regs.R8, "r9": &regs.R9, "r10": &regs.R10, "r11": &regs.R11,
		"r12": &regs.R12, "r13": &regs.R13, "r14": &regs.R14, "r15": &regs.R15,
		"rip": &regs.RIP, "eflags": &regs.RFLAGS,
	}

	for i, name := range rspRegOrder {
		if i*8+8 > len(raw) {
			break
		}

		if t, ok := targets[name]; ok {
			*t = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
		}
	}

	return kvm.SetRegs(s.target.FD(), regs)
}

func (s *Server) readMem(arg string) (string, error) {
	parts := splitCommaArgs(arg)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed m packet %q", arg)
	}

	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return "", fmt.Errorf("parsing addr: %w", err)
	}

	length, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return "", fmt.Errorf("parsing length: %w", err)
	}

	buf := make([]byte, length)
	if _, err := s.mem.ReadAt(buf, int64(addr)); err != nil {
		return "", fmt.Errorf("reading guest memory at %#x: %w", addr, err)
	}

	return encodeHex(buf), nil
}

func (s *Server) writeMem(arg string) error {
	head, hexData, ok := strings.Cut(arg, ":")
	if !ok {
		return fmt.Errorf("malformed M packet %q", arg)
	}

	parts := splitCommaArgs(head)
	if len(parts) != 2 {
		return fmt.Errorf("malformed M packet %q", arg)
	}

	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return fmt.Errorf("parsing addr: %w", err)
	}

	buf, err := decodeHex(hexData)
	if err != nil {
		return fmt.Errorf("decoding M payload: %w", err)
	}

	_, err = s.mem.WriteAt(buf, int64(addr))

	return err
}

// setBreakpoint patches 0xCC over the instruction byte at addr,
// remembering the original byte to restore on clear.
func (s *Server) setBreakpoint(pkt string) error {
	addr, _, err := parseZPacket(pkt)
	if err != nil {
		return err
	}

	var orig [1]byte
	if _, err := s.mem.ReadAt(orig[:], int64(addr)); err != nil {
		return fmt.Errorf("reading byte at %#x: %w", addr, err)
	}

	if _, err := s.mem.WriteAt([]byte{0xcc}, int64(addr)); err != nil {
		return fmt.Errorf("patching breakpoint at %#x: %w", addr, err)
	}

	s.breakpoints[addr] = breakpoint{addr: addr, orig: orig[0]}

	return nil
}

// clearBreakpoint restores the original byte at addr.
func (s *Server) clearBreakpoint(pkt string) error {
	addr, _, err := parseZPacket(pkt)
	if err != nil {
		return err
	}

	bp, ok := s.breakpoints[addr]
	if !ok {
		return nil
	}

	delete(s.breakpoints, addr)

	_, err = s.mem.WriteAt([]byte{bp.orig}, int64(addr))

	return err
}

// parseZPacket parses "Z0,addr,kind" / "z0,addr,kind" into addr and kind.
func parseZPacket(pkt string) (addr, kind uint64, err error) {
	parts := splitCommaArgs(pkt[3:])
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed breakpoint packet %q", pkt)
	}

	addr, err = strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing addr: %w", err)
	}

	kind, err = strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing kind: %w", err)
	}

	return addr, kind, nil
}
