package native

// watchpoint tracks one hardware write watchpoint bound to a debug
// register, grounded on original_source/t86/debugger/Watchpoint.h.
type watchpoint struct {
	Address uint64
	Kind    WatchpointKind
	HWIndex int
}

// WatchpointInfo is a read-only snapshot of a watchpoint, returned by
// Controller.ListWatchpoints.
type WatchpointInfo struct {
	Address uint64
	Kind    WatchpointKind
	HWIndex int
}
