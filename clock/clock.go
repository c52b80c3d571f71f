// Package clock implements the tender-side half of the TSC-derived
// monotonic clock: calibrating a fixed-point scale factor against a
// known cycle counter frequency, and converting ticks to nanoseconds
// the same way the guest binding does.
//
// Both tender and guest must compute wall/monotonic time identically,
// so this is a direct, field-for-field port of the calibration loop in
// the guest's tscclock binding rather than a reimplementation.
package clock

import "time"

const nsecPerSec = 1_000_000_000

// TickSource returns the current value of a monotonically increasing
// hardware counter (RDTSC on x86_64, CNTVCT_EL0 on aarch64). Production
// code uses ReadTSC; tests inject a deterministic fake.
type TickSource func() uint64

// Clock converts raw counter ticks to nanoseconds using a fixed-point
// multiplier/shift pair, exactly as tscclock_monotonic does.
type Clock struct {
	ticks TickSource

	tscBase  uint64
	timeBase uint64
	mult     uint32
	shift    uint8

	wallOffset int64 // wall-clock nsecs at the moment monotonic time began
}

// New calibrates a Clock for a counter running at freqHz, using ticks
// as the tick source. now is the wall-clock time to anchor at the first
// tick sample (normally time.Now(), fixed here for reproducibility).
func New(freqHz uint64, ticks TickSource, now time.Time) *Clock {
	mult, shift := calibrate(freqHz)

	base := ticks()
	timeBase := mul64_32(base, mult, shift)

	return &Clock{
		ticks:      ticks,
		tscBase:    base,
		timeBase:   timeBase,
		mult:       mult,
		shift:      shift,
		wallOffset: now.UnixNano() - int64(timeBase),
	}
}

// calibrate computes the largest shift (<=32, >0) for which the
// resulting multiplier fits in a uint32, following tscclock_init
// exactly: start at shift 32, compute tmp=(NSEC_PER_SEC<<shift)/freqHz,
// and back off one bit at a time until it fits or shift reaches 0.
func calibrate(freqHz uint64) (mult uint32, shift uint8) {
	shift = 32

	for {
		tmp := (uint64(nsecPerSec) << shift) / freqHz
		if tmp&0xFFFFFFFF00000000 == 0 {
			mult = uint32(tmp)
		} else {
			shift--
		}

		if shift == 0 || mult != 0 {
			break
		}
	}

	return mult, shift
}

func mul64_32(a uint64, b uint32, s uint8) uint64 { //nolint:revive,stylecheck
	return (a * uint64(b)) >> s
}

// Monotonic returns the tick source's count converted to nanoseconds
// (the time base starts from the counter value sampled at New, not from
// zero), updating the internal TSC/time base exactly as tscclock_monotonic
// does on every call.
func (c *Clock) Monotonic() uint64 {
	now := c.ticks()
	delta := now - c.tscBase
	c.timeBase += mul64_32(delta, c.mult, c.shift)
	c.tscBase = now

	return c.timeBase
}

// Wall returns the current wall-clock time in nanoseconds since the
// Unix epoch, derived from Monotonic plus the offset captured at New.
func (c *Clock) Wall() int64 {
	return c.wallOffset + int64(c.Monotonic())
}
