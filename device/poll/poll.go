// Package poll implements the Walltime and Poll hypercalls: reading the
// tender's wall clock, and blocking the calling thread until one of a
// set of network handles becomes readable or a deadline passes.
//
// solo5_yield's ready_set is a bitmask indexed by hypercall handle (the
// guest never sees an fd), so Poller keeps its own handle->fd table and
// translates to/from syscall.Select's fd_set on every call.
package poll

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/bobuhiro11/gokvm/clock"
	"github.com/bobuhiro11/gokvm/hypercall"
)

// ErrShutdownRequested is returned by the Poll hypercall handler when
// shutdown fires mid-wait, letting the tender unwind through its
// normal device teardown instead of surfacing the interruption to the
// guest as a device error.
var ErrShutdownRequested = errors.New("poll: shutdown requested")

// pollSlice bounds how long a single select(2) call blocks, so a
// shutdown request is noticed within one slice instead of only after
// the guest's full requested deadline elapses.
const pollSlice = 200 * time.Millisecond

// Fd reports the underlying readability fd for the device registered at
// a given hypercall handle.
type Fd interface {
	Fd() int
}

// Poller answers Walltime and Poll hypercalls.
type Poller struct {
	clock    *clock.Clock
	fds      map[uint64]Fd
	shutdown <-chan struct{}
}

// New creates a Poller reading time from c and polling the fds in fds,
// keyed by hypercall handle. shutdown, if non-nil, is checked between
// select slices; closing it makes the next (or in-flight) Poll return
// ErrShutdownRequested instead of blocking for the guest's full
// requested deadline.
func New(c *clock.Clock, fds map[uint64]Fd, shutdown <-chan struct{}) *Poller {
	return &Poller{clock: c, fds: fds, shutdown: shutdown}
}

// Register installs Walltime and Poll handlers into table.
func (p *Poller) Register(table *hypercall.Table) {
	table[hypercall.Walltime] = p.walltime
	table[hypercall.Poll] = p.poll
}

func (p *Poller) walltime(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	args := hypercall.WalltimeArgs{Nsecs: uint64(p.clock.Wall())}

	return hypercall.Encode(mem, argAddr, &args)
}

func (p *Poller) poll(mem hypercall.Memory, argAddr hypercall.GuestAddr) error {
	var args hypercall.PollArgs
	if err := hypercall.Decode(mem, argAddr, &args); err != nil {
		return fmt.Errorf("poll: decoding args: %w", err)
	}

	ready, err := p.wait(args.TimeoutNsecs)
	if err != nil {
		if errors.Is(err, ErrShutdownRequested) {
			return err
		}

		args.Ret = hypercall.RetEUnspec

		if encErr := hypercall.Encode(mem, argAddr, &args); encErr != nil {
			return fmt.Errorf("poll: %w", encErr)
		}

		return fmt.Errorf("poll: %w", err)
	}

	args.ReadySet = ready
	args.Ret = hypercall.RetOK

	return hypercall.Encode(mem, argAddr, &args)
}

// shutdownRequested reports whether p.shutdown has fired, without
// blocking when it hasn't (or is nil).
func (p *Poller) shutdownRequested() bool {
	if p.shutdown == nil {
		return false
	}

	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// wait blocks via select(2) on every registered fd until one is
// readable or timeoutNsecs elapses, and returns the bitmask of ready
// handles. The wait is chunked into pollSlice-sized pieces so that a
// shutdown request is noticed within one slice instead of only after
// the guest's full requested deadline elapses.
func (p *Poller) wait(timeoutNsecs uint64) (uint64, error) {
	if timeoutNsecs == 0 {
		if p.shutdownRequested() {
			return 0, ErrShutdownRequested
		}

		ready, _, err := p.waitOnce(0)

		return ready, err
	}

	remaining := time.Duration(timeoutNsecs)

	for remaining > 0 {
		if p.shutdownRequested() {
			return 0, ErrShutdownRequested
		}

		slice := remaining
		if slice > pollSlice {
			slice = pollSlice
		}

		ready, n, err := p.waitOnce(uint64(slice))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}

			return 0, err
		}

		if n > 0 {
			return ready, nil
		}

		remaining -= slice
	}

	return 0, nil
}

// waitOnce runs a single bounded select(2) (or sleep, when there are no
// fds to watch) and reports how many fds were ready.
func (p *Poller) waitOnce(timeoutNsecs uint64) (ready uint64, n int, err error) {
	if len(p.fds) == 0 {
		sleep(timeoutNsecs)

		return 0, 0, nil
	}

	var set syscall.FdSet

	maxFd := 0

	for _, fd := range p.fds {
		addFd(&set, fd.Fd())

		if fd.Fd() > maxFd {
			maxFd = fd.Fd()
		}
	}

	tv := syscall.NsecToTimeval(int64(timeoutNsecs))

	n, err = syscall.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil {
		return 0, 0, err
	}

	if n == 0 {
		return 0, 0, nil
	}

	for handle, fd := range p.fds {
		if fdIsSet(&set, fd.Fd()) {
			ready |= 1 << handle
		}
	}

	return ready, n, nil
}
