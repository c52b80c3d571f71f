//go:build !amd64

package clock

import "time"

// ReadTSC on non-amd64 hosts falls back to the runtime's monotonic
// clock. aarch64 has its own cycle counter (CNTVCT_EL0) but the hvt
// backend for that architecture is not implemented in this tree; see
// the cpu package's build-tag stub for the same limitation.
var ReadTSC TickSource = func() uint64 { return uint64(time.Now().UnixNano()) }
