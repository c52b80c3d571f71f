// Command hvt is the tender: it loads a Solo5 hvt-format kernel, sets
// up a KVM guest for it, and runs it to completion.
package main

import (
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/bobuhiro11/gokvm/flag"
	"github.com/bobuhiro11/gokvm/probe"
	"github.com/bobuhiro11/gokvm/tender"
	"github.com/felixge/fgprof"
	gopprof "github.com/pkg/profile"
)

const kvmDevice = "/dev/kvm"

func main() {
	log.SetFlags(0)

	args, err := flag.Parse(os.Args)
	if err != nil {
		if errors.Is(err, flag.ErrNoKernel) {
			printUsage()
		}

		log.Fatalf("hvt: %v", err)
	}

	if args.Help {
		printUsage()

		return
	}

	if args.Probe {
		if err := probe.CPUID(); err != nil {
			log.Fatalf("hvt: --probe: %v", err)
		}

		return
	}

	if stop := startProfile(args.Profile); stop != nil {
		defer stop()
	}

	if args.PprofAddr != "" {
		go serveFgprof(args.PprofAddr)
	}

	t, err := tender.New(args, kvmDevice)
	if err != nil {
		log.Fatalf("hvt: %v", err)
	}

	if err := t.Setup(); err != nil {
		log.Fatalf("hvt: %v", err)
	}

	if err := t.Boot(); err != nil {
		log.Fatalf("hvt: %v", err)
	}
}

// startProfile begins a pkg/profile session for "cpu" or "mem" (the
// only values flag.Parse accepts), returning its Stop func for main to
// defer; kind == "" disables profiling entirely.
func startProfile(kind string) func() {
	switch kind {
	case "cpu":
		return gopprof.Start(gopprof.CPUProfile, gopprof.NoShutdownHook).Stop
	case "mem":
		return gopprof.Start(gopprof.MemProfile, gopprof.NoShutdownHook).Stop
	default:
		return nil
	}
}

// serveFgprof exposes an fgprof wall-clock profile at /debug/fgprof,
// catching time the process spends blocked in KVM_RUN or select(2) that
// a CPU-only profile would miss entirely.
func serveFgprof(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)

	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Printf("pprof-addr: %v", err)
	}
}

func printUsage() {
	log.Print("usage: hvt [--disk=PATH] [--net=IFACE] [--mem=SIZE] [--gdb[=PORT]] " +
		"[--dumpcore] [--profile=cpu|mem] [--pprof-addr=ADDR] KERNEL [ARGS...]")
}
