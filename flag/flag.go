// Package flag parses the tender's command line. Unlike the teacher's
// boot/probe subcommand split, the tender only ever does one thing
// (load and run a kernel), so the shape is a single flat flag set
// followed by the kernel path and its own argv: "tender [OPTIONS] --
// KERNEL [ARGS...]".
package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoKernel   = errors.New("flag: no kernel image given")
	errBadMemory  = errors.New("flag: --mem must be num[gGmMkK]")
	errBadProfile = errors.New("flag: --profile must be cpu or mem")
)

// Args is the parsed tender command line.
type Args struct {
	Kernel     string
	KernelArgs []string
	Disk       string
	Net        string
	MemSize    int
	NCPUs      int
	GDB        bool
	GDBAddr    string
	DumpCore   bool
	TraceCount int
	Help       bool
	Probe      bool
	Profile    string
	PprofAddr  string
}

// Parse parses args (conventionally os.Args, argv[0] included and
// discarded). Everything after the flags is KERNEL followed by its own
// argv, passed through to the guest unexamined.
func Parse(args []string) (*Args, error) {
	fs := flag.NewFlagSet("hvt", flag.ContinueOnError)

	c := &Args{NCPUs: 1}

	fs.StringVar(&c.Disk, "disk", "", "path of disk file backing the guest's first block device")
	fs.StringVar(&c.Net, "net", "", "name of tap interface backing the guest's first network device")
	fs.IntVar(&c.NCPUs, "cpus", 1, "number of vCPUs (clamped to 1; multi-VCPU is a non-goal)")
	fs.BoolVar(&c.DumpCore, "dumpcore", false, "write a core dump on guest abort/trap")
	fs.BoolVar(&c.Help, "help", false, "print usage and exit")
	fs.BoolVar(&c.Probe, "probe", false, "print the host's KVM-supported CPUID leaves and exit")
	fs.StringVar(&c.Profile, "profile", "", "write a pprof profile on exit: cpu or mem")
	fs.StringVar(&c.PprofAddr, "pprof-addr", "", "serve an fgprof wall-clock profile at this address's /debug/fgprof")

	msize := fs.String("mem", "64M", "guest memory size: num[gGmMkK], defaults to M")
	gdb := &gdbFlag{}
	fs.Var(gdb, "gdb", "enable the GDB stub; optional :PORT (default 1234)")
	tc := fs.String("trace", "0", "instructions to skip between trace prints; 0 disables tracing")

	if len(args) < 1 {
		args = []string{"hvt"}
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "gdb" {
			c.GDB = true
		}
	})

	if c.GDB {
		c.GDBAddr = gdbAddr(gdb.port)
	}

	if c.Help || c.Probe {
		return c, nil
	}

	var err error
	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadMemory, err)
	}

	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	if c.Profile != "" && c.Profile != "cpu" && c.Profile != "mem" {
		return nil, fmt.Errorf("%w: got %q", errBadProfile, c.Profile)
	}

	c.NCPUs = 1 // multi-VCPU is a non-goal; accepted above for compatibility, clamped here

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, ErrNoKernel
	}

	c.Kernel = rest[0]
	c.KernelArgs = rest[1:]

	return c, nil
}

// gdbAddr turns the --gdb flag value into a listen address, defaulting
// the port to 1234 (gdbserver's traditional default) when omitted.
func gdbAddr(v string) string {
	v = strings.TrimPrefix(v, ":")
	if v == "" {
		return "localhost:1234"
	}

	return "localhost:" + v
}

// gdbFlag lets --gdb appear alone (default port) or as --gdb=:PORT,
// without consuming the following argument as its value.
type gdbFlag struct{ port string }

func (g *gdbFlag) String() string   { return g.port }
func (g *gdbFlag) IsBoolFlag() bool { return true }

func (g *gdbFlag) Set(v string) error {
	if v == "true" {
		v = ""
	}

	g.port = v

	return nil
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if absent, the unit passed in is used. The number can be
// any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
