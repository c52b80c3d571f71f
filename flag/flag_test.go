package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/bobuhiro11/gokvm/flag"
)

func TestParsesize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit \"\"", m: "1", unit: "", amt: 1, err: nil},
		{name: "8192m", m: "8192m", amt: 8192 << 20, err: nil},
		{name: "bogusgarbage", m: "123411;3413234134", amt: -1, err: strconv.ErrSyntax},
		{name: "bogusgarbagemsuffix", m: "123411;3413234134m", amt: -1, err: strconv.ErrSyntax},
		{name: "bogustoobig", m: "0xfffffffffffffffffffffff", amt: -1, err: strconv.ErrRange},
	} {
		amt, err := flag.ParseSize(tt.m, tt.unit)
		if !errors.Is(err, tt.err) || amt != tt.amt {
			t.Errorf("%s:parseMemSize(%s): got (%d, %v), want (%d, %v)", tt.name, tt.m, amt, err, tt.amt, tt.err)
		}
	}
}

func TestParseRequiresKernel(t *testing.T) {
	t.Parallel()

	if _, err := flag.Parse([]string{"hvt", "--mem=128M"}); !errors.Is(err, flag.ErrNoKernel) {
		t.Fatalf("got %v, want ErrNoKernel", err)
	}
}

func TestParseFullCommandLine(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{
		"hvt",
		"--disk=/tmp/disk.img",
		"--net=tap0",
		"--mem=256M",
		"--gdb=:1235",
		"--dumpcore",
		"kernel.hvt",
		"-v", "extra",
	})
	if err != nil {
		t.Fatal(err)
	}

	if c.Disk != "/tmp/disk.img" || c.Net != "tap0" {
		t.Fatalf("got disk=%q net=%q", c.Disk, c.Net)
	}

	if c.MemSize != 256<<20 {
		t.Fatalf("got MemSize=%d", c.MemSize)
	}

	if !c.GDB || c.GDBAddr != "localhost:1235" {
		t.Fatalf("got GDB=%v GDBAddr=%q", c.GDB, c.GDBAddr)
	}

	if !c.DumpCore {
		t.Fatal("DumpCore not set")
	}

	if c.Kernel != "kernel.hvt" || len(c.KernelArgs) != 2 || c.KernelArgs[0] != "-v" {
		t.Fatalf("got Kernel=%q KernelArgs=%v", c.Kernel, c.KernelArgs)
	}
}

func TestParseGDBDefaultPort(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"hvt", "--gdb", "kernel.hvt"})
	if err != nil {
		t.Fatal(err)
	}

	if c.GDBAddr != "localhost:1234" {
		t.Fatalf("got %q", c.GDBAddr)
	}
}

func TestParseClampsCPUsToOne(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"hvt", "--cpus=4", "kernel.hvt"})
	if err != nil {
		t.Fatal(err)
	}

	if c.NCPUs != 1 {
		t.Fatalf("got NCPUs=%d, want 1", c.NCPUs)
	}
}

func TestParseHelpSkipsValidation(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"hvt", "--help"})
	if err != nil {
		t.Fatal(err)
	}

	if !c.Help {
		t.Fatal("Help not set")
	}
}

func TestParseProbeSkipsValidation(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"hvt", "--probe"})
	if err != nil {
		t.Fatal(err)
	}

	if !c.Probe {
		t.Fatal("Probe not set")
	}
}

func TestParseProfileFlags(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"hvt", "--profile=cpu", "--pprof-addr=localhost:6060", "kernel.hvt"})
	if err != nil {
		t.Fatal(err)
	}

	if c.Profile != "cpu" || c.PprofAddr != "localhost:6060" {
		t.Fatalf("got Profile=%q PprofAddr=%q", c.Profile, c.PprofAddr)
	}
}

func TestParseRejectsUnknownProfileKind(t *testing.T) {
	t.Parallel()

	if _, err := flag.Parse([]string{"hvt", "--profile=bogus", "kernel.hvt"}); err == nil {
		t.Fatal("expected an error for an unrecognized --profile value")
	}
}
