package poll_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm/clock"
	"github.com/bobuhiro11/gokvm/device/poll"
	"github.com/bobuhiro11/gokvm/hypercall"
)

type fakeMemory []byte

func (m fakeMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m[off:]), nil }
func (m fakeMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m[off:], p), nil }
func (m fakeMemory) Size() uint64                             { return uint64(len(m)) }

type fdWrapper struct{ fd int }

func (w fdWrapper) Fd() int { return w.fd }

func TestWalltimeReportsClockValue(t *testing.T) {
	t.Parallel()

	c := clock.New(1_000_000_000, func() uint64 { return 0 }, time.Unix(1000, 0))
	p := poll.New(c, nil, nil)

	var ht hypercall.Table

	p.Register(&ht)

	mem := make(fakeMemory, 0x1000)

	if err := ht.Dispatch(hypercall.Walltime, mem, 0x100); err != nil {
		t.Fatal(err)
	}

	var got hypercall.WalltimeArgs
	if err := hypercall.Decode(mem, 0x100, &got); err != nil {
		t.Fatal(err)
	}

	if int64(got.Nsecs) != c.Wall() {
		t.Fatalf("got %d, want %d", got.Nsecs, c.Wall())
	}
}

func TestPollReturnsReadyHandleWhenFdReadable(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { r.Close(); w.Close() })

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	c := clock.New(1_000_000_000, func() uint64 { return 0 }, time.Unix(0, 0))
	p := poll.New(c, map[uint64]poll.Fd{5: fdWrapper{fd: int(r.Fd())}}, nil)

	var ht hypercall.Table

	p.Register(&ht)

	mem := make(fakeMemory, 0x1000)

	args := hypercall.PollArgs{TimeoutNsecs: uint64(time.Second)}
	if err := hypercall.Encode(mem, 0x100, &args); err != nil {
		t.Fatal(err)
	}

	if err := ht.Dispatch(hypercall.Poll, mem, 0x100); err != nil {
		t.Fatal(err)
	}

	var got hypercall.PollArgs
	if err := hypercall.Decode(mem, 0x100, &got); err != nil {
		t.Fatal(err)
	}

	if got.Ret != hypercall.RetOK {
		t.Fatalf("Ret = %d, want RetOK", got.Ret)
	}

	if got.ReadySet != 1<<5 {
		t.Fatalf("ReadySet = %#x, want %#x", got.ReadySet, uint64(1<<5))
	}
}

func TestPollTimesOutWithNoFds(t *testing.T) {
	t.Parallel()

	c := clock.New(1_000_000_000, func() uint64 { return 0 }, time.Unix(0, 0))
	p := poll.New(c, nil, nil)

	var ht hypercall.Table

	p.Register(&ht)

	mem := make(fakeMemory, 0x1000)

	args := hypercall.PollArgs{TimeoutNsecs: uint64(time.Millisecond)}
	if err := hypercall.Encode(mem, 0x100, &args); err != nil {
		t.Fatal(err)
	}

	if err := ht.Dispatch(hypercall.Poll, mem, 0x100); err != nil {
		t.Fatal(err)
	}

	var got hypercall.PollArgs
	if err := hypercall.Decode(mem, 0x100, &got); err != nil {
		t.Fatal(err)
	}

	if got.Ret != hypercall.RetOK || got.ReadySet != 0 {
		t.Fatalf("got %+v", got)
	}
}

// TestPollReturnsShutdownRequestedWhenSignalled exercises the orderly
// shutdown path: a closed shutdown channel makes an in-flight Poll
// with a long deadline return promptly, rather than block for the
// full requested timeout.
func TestPollReturnsShutdownRequestedWhenSignalled(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	close(shutdown)

	c := clock.New(1_000_000_000, func() uint64 { return 0 }, time.Unix(0, 0))
	p := poll.New(c, nil, shutdown)

	var ht hypercall.Table

	p.Register(&ht)

	mem := make(fakeMemory, 0x1000)

	args := hypercall.PollArgs{TimeoutNsecs: uint64(time.Hour)}
	if err := hypercall.Encode(mem, 0x100, &args); err != nil {
		t.Fatal(err)
	}

	err := ht.Dispatch(hypercall.Poll, mem, 0x100)
	if !errors.Is(err, poll.ErrShutdownRequested) {
		t.Fatalf("Dispatch error = %v, want ErrShutdownRequested", err)
	}
}
