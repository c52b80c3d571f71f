package poll

import (
	"syscall"
	"time"
)

// fd_set bit manipulation; syscall.FdSet.Bits is always a fixed array
// of word-sized limbs regardless of GOARCH.
const fdSetWordBits = 64

func addFd(set *syscall.FdSet, fd int) {
	set.Bits[fd/fdSetWordBits] |= 1 << (uint(fd) % fdSetWordBits)
}

func fdIsSet(set *syscall.FdSet, fd int) bool {
	return set.Bits[fd/fdSetWordBits]&(1<<(uint(fd)%fdSetWordBits)) != 0
}

func sleep(nsecs uint64) {
	time.Sleep(time.Duration(nsecs))
}
