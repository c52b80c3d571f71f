package clock

// readTSC is implemented in tsc_amd64.s: it executes RDTSC directly and
// returns the 64-bit cycle count. This is the same counter the guest
// binding reads with its own inline RDTSC, so tender and guest stay in
// sync without any IPC.
func readTSC() uint64

// ReadTSC is the production TickSource on amd64.
var ReadTSC TickSource = readTSC
