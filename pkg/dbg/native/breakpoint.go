package native

// softwareBreakpoint tracks one planted opcode-patch breakpoint: the
// text it overwrote (so disabling it restores exactly what was there,
// including any caller write that happened while it was planted - see
// Controller.WriteText) and whether it is currently patched into the VM's
// text.
type softwareBreakpoint struct {
	Address uint64
	Saved   string
	Enabled bool
}

// BreakpointInfo is a read-only snapshot of a software breakpoint,
// returned by Controller.ListBreakpoints.
type BreakpointInfo struct {
	Address uint64
	Enabled bool
}
