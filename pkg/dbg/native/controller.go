package native

import (
	"log/slog"

	"golang.org/x/exp/slices"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/dbg/wire"
	"github.com/Manu343726/t86dbg/pkg/utils"
)

// Controller is the Native controller (spec.md component E). It owns the
// software breakpoint table, the hardware watchpoint pool and the
// stepping algorithms, driving a single VM process through a
// vmproc.Process. Exactly one Controller should exist per live VM
// process: it is not safe for concurrent use, matching the module's
// concurrency model of strict request/response alternation.
type Controller struct {
	proc vmproc.Process
	arch Arch
	log  *slog.Logger

	softwareBreakpoints map[uint64]*softwareBreakpoint
	watchpoints         map[uint64]*watchpoint
	usedHWRegisters     []bool

	cachedEvent *Event
	active      bool
}

// NewController creates a Controller bound to proc. log may be nil, in
// which case slog.Default() is used.
func NewController(proc vmproc.Process, arch Arch, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		proc:                proc,
		arch:                arch,
		log:                 log,
		softwareBreakpoints: make(map[uint64]*softwareBreakpoint),
		watchpoints:         make(map[uint64]*watchpoint),
		usedHWRegisters:     make([]bool, arch.DebugRegisterCount),
		active:              true,
	}
}

// Active reports whether the underlying VM process is still controllable.
func (c *Controller) Active() bool { return c.active }

// --- software breakpoints ---

// SetBreakpoint plants a software breakpoint at address: it reads the
// instruction there, patches in the architecture's breakpoint opcode, and
// verifies the patch stuck, mirroring Native.cpp's
// CreateSoftwareBreakpoint.
func (c *Controller) SetBreakpoint(address uint64) error {
	if _, exists := c.softwareBreakpoints[address]; exists {
		return dbgerr.New(dbgerr.StateConflict, "breakpoint already set at %#x", address)
	}
	saved, err := c.proc.ReadText(address, 1)
	if err != nil {
		return err
	}
	if err := c.proc.WriteText(address, []string{c.arch.BreakpointOpcode}); err != nil {
		return err
	}
	verify, err := c.proc.ReadText(address, 1)
	if err != nil {
		return err
	}
	if len(verify) != 1 || verify[0] != c.arch.BreakpointOpcode {
		return dbgerr.New(dbgerr.ProtocolError, "breakpoint write at %#x did not take effect", address)
	}
	c.softwareBreakpoints[address] = &softwareBreakpoint{Address: address, Saved: saved[0], Enabled: true}
	return nil
}

// UnsetBreakpoint disables and forgets the breakpoint at address.
func (c *Controller) UnsetBreakpoint(address uint64) error {
	if _, exists := c.softwareBreakpoints[address]; !exists {
		return dbgerr.New(dbgerr.StateConflict, "no breakpoint set at %#x", address)
	}
	if err := c.DisableBreakpoint(address); err != nil {
		return err
	}
	delete(c.softwareBreakpoints, address)
	return nil
}

// EnableBreakpoint re-patches the breakpoint opcode at address. It is a
// no-op if the breakpoint is already enabled.
func (c *Controller) EnableBreakpoint(address uint64) error {
	bp, exists := c.softwareBreakpoints[address]
	if !exists {
		return dbgerr.New(dbgerr.StateConflict, "no breakpoint set at %#x", address)
	}
	if bp.Enabled {
		return nil
	}
	if err := c.proc.WriteText(address, []string{c.arch.BreakpointOpcode}); err != nil {
		return err
	}
	verify, err := c.proc.ReadText(address, 1)
	if err != nil {
		return err
	}
	if len(verify) != 1 || verify[0] != c.arch.BreakpointOpcode {
		return dbgerr.New(dbgerr.ProtocolError, "breakpoint write at %#x did not take effect", address)
	}
	bp.Enabled = true
	return nil
}

// DisableBreakpoint restores the saved instruction at address. It is a
// no-op if the breakpoint is already disabled.
func (c *Controller) DisableBreakpoint(address uint64) error {
	bp, exists := c.softwareBreakpoints[address]
	if !exists {
		return dbgerr.New(dbgerr.StateConflict, "no breakpoint set at %#x", address)
	}
	if !bp.Enabled {
		return nil
	}
	if err := c.proc.WriteText(address, []string{bp.Saved}); err != nil {
		return err
	}
	bp.Enabled = false
	return nil
}

// ListBreakpoints returns every breakpoint, sorted by address.
func (c *Controller) ListBreakpoints() []BreakpointInfo {
	infos := make([]BreakpointInfo, 0, len(c.softwareBreakpoints))
	for _, bp := range c.softwareBreakpoints {
		infos = append(infos, BreakpointInfo{Address: bp.Address, Enabled: bp.Enabled})
	}
	slices.SortFunc(infos, func(a, b BreakpointInfo) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return infos
}

// ReadText reads amount instructions' text starting at address, with
// breakpoint opcodes transparently substituted for the original saved
// text, so callers never observe the debugger's own instrumentation
// (spec.md invariant #2).
func (c *Controller) ReadText(address uint64, amount int) ([]string, error) {
	raw, err := c.proc.ReadText(address, amount)
	if err != nil {
		return nil, err
	}
	for i := 0; i < amount; i++ {
		addr := address + uint64(i)
		if bp, ok := c.softwareBreakpoints[addr]; ok && bp.Enabled {
			raw[i] = bp.Saved
		}
	}
	return raw, nil
}

// WriteText overwrites instructions starting at address. Writes that land
// on a planted breakpoint update the breakpoint's saved text instead of
// the live opcode, so the caller's write becomes visible the moment the
// breakpoint is disabled or removed, and the opcode stays planted in the
// meantime (the symmetric counterpart of ReadText's transparency, per
// SPEC_FULL.md §3).
func (c *Controller) WriteText(address uint64, data []string) error {
	out := make([]string, len(data))
	copy(out, data)
	for i := range data {
		addr := address + uint64(i)
		if bp, ok := c.softwareBreakpoints[addr]; ok {
			bp.Saved = data[i]
			if bp.Enabled {
				out[i] = c.arch.BreakpointOpcode
			}
		}
	}
	return c.proc.WriteText(address, out)
}

// TextSize returns the size of the VM's text segment.
func (c *Controller) TextSize() (uint64, error) {
	return c.proc.TextSize()
}

// --- hardware watchpoints ---

func (c *Controller) freeDebugRegister() (int, bool) {
	for i, used := range c.usedHWRegisters {
		if !used {
			return i, true
		}
	}
	return 0, false
}

// SetWatchpointWrite arms a hardware write watchpoint at address, binding
// it to the first free debug register, mirroring Native.cpp's
// SetWatchpointWrite / GetFreeDebugRegister.
func (c *Controller) SetWatchpointWrite(address uint64) error {
	if _, exists := c.watchpoints[address]; exists {
		return dbgerr.New(dbgerr.StateConflict, "watchpoint already set at %#x", address)
	}
	idx, ok := c.freeDebugRegister()
	if !ok {
		return dbgerr.New(dbgerr.ResourceExhausted, "no free hardware watchpoint registers (max %d)", c.arch.DebugRegisterCount)
	}
	regs, err := c.proc.DebugRegisters()
	if err != nil {
		return err
	}
	regs[debugRegisterName(idx)] = address
	ctrlName := c.arch.controlRegisterName()
	ctrl := regs[ctrlName]
	utils.CreateBitView(&ctrl).SetBit(idx)
	regs[ctrlName] = ctrl
	if err := c.proc.SetDebugRegisters(regs); err != nil {
		return err
	}
	c.watchpoints[address] = &watchpoint{Address: address, Kind: WatchWrite, HWIndex: idx}
	c.usedHWRegisters[idx] = true
	return nil
}

// RemoveWatchpoint disarms and forgets the watchpoint at address.
func (c *Controller) RemoveWatchpoint(address uint64) error {
	wp, exists := c.watchpoints[address]
	if !exists {
		return dbgerr.New(dbgerr.StateConflict, "no watchpoint set at %#x", address)
	}
	regs, err := c.proc.DebugRegisters()
	if err != nil {
		return err
	}
	ctrlName := c.arch.controlRegisterName()
	ctrl := regs[ctrlName]
	utils.CreateBitView(&ctrl).ClearBit(wp.HWIndex)
	regs[ctrlName] = ctrl
	if err := c.proc.SetDebugRegisters(regs); err != nil {
		return err
	}
	delete(c.watchpoints, address)
	c.usedHWRegisters[wp.HWIndex] = false
	return nil
}

// ListWatchpoints returns every watchpoint, sorted by address.
func (c *Controller) ListWatchpoints() []WatchpointInfo {
	infos := make([]WatchpointInfo, 0, len(c.watchpoints))
	for _, wp := range c.watchpoints {
		infos = append(infos, WatchpointInfo{Address: wp.Address, Kind: wp.Kind, HWIndex: wp.HWIndex})
	}
	slices.SortFunc(infos, func(a, b WatchpointInfo) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return infos
}

// ReinstallAll re-applies every enabled breakpoint's opcode patch and
// every watchpoint's hardware register binding, for reattaching to a
// restarted VM process without losing a session's breakpoints (spec.md
// §4.E.6, grounded on Native.cpp's SetAllBreakpoints/SetAllWatchpoints).
func (c *Controller) ReinstallAll() error {
	addrs := make([]uint64, 0, len(c.softwareBreakpoints))
	for addr := range c.softwareBreakpoints {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for _, addr := range addrs {
		bp := c.softwareBreakpoints[addr]
		if !bp.Enabled {
			continue
		}
		if err := c.proc.WriteText(addr, []string{c.arch.BreakpointOpcode}); err != nil {
			return err
		}
	}

	if len(c.watchpoints) == 0 {
		return nil
	}
	regs, err := c.proc.DebugRegisters()
	if err != nil {
		return err
	}
	ctrlName := c.arch.controlRegisterName()
	ctrl := regs[ctrlName]
	view := utils.CreateBitView(&ctrl)
	for _, wp := range c.watchpoints {
		regs[debugRegisterName(wp.HWIndex)] = wp.Address
		view.SetBit(wp.HWIndex)
	}
	regs[ctrlName] = ctrl
	return c.proc.SetDebugRegisters(regs)
}

// --- registers ---

// GetIP returns the live instruction pointer.
func (c *Controller) GetIP() (uint64, error) {
	regs, err := c.proc.Registers()
	if err != nil {
		return 0, err
	}
	v, ok := regs["IP"]
	if !ok {
		return 0, dbgerr.New(dbgerr.ProtocolError, "VM registers have no IP")
	}
	return uint64(v), nil
}

// SetIP overwrites the live instruction pointer.
func (c *Controller) SetIP(value uint64) error {
	regs, err := c.proc.Registers()
	if err != nil {
		return err
	}
	regs["IP"] = int64(value)
	return c.proc.SetRegisters(regs)
}

func (c *Controller) Registers() (map[string]int64, error)       { return c.proc.Registers() }
func (c *Controller) SetRegisters(r map[string]int64) error      { return c.proc.SetRegisters(r) }
func (c *Controller) FloatRegisters() (map[string]float64, error) { return c.proc.FloatRegisters() }
func (c *Controller) SetFloatRegisters(r map[string]float64) error {
	return c.proc.SetFloatRegisters(r)
}

func (c *Controller) GetRegister(name string) (int64, error) {
	regs, err := c.proc.Registers()
	if err != nil {
		return 0, err
	}
	v, ok := regs[name]
	if !ok {
		return 0, dbgerr.New(dbgerr.InvalidOperand, "unknown register %q", name)
	}
	return v, nil
}

func (c *Controller) SetRegister(name string, value int64) error {
	regs, err := c.proc.Registers()
	if err != nil {
		return err
	}
	if _, ok := regs[name]; !ok {
		return dbgerr.New(dbgerr.InvalidOperand, "unknown register %q", name)
	}
	regs[name] = value
	return c.proc.SetRegisters(regs)
}

// ReadMemory/WriteMemory pass straight through to the VM process proxy;
// unlike text, data memory has no breakpoint-transparency concern.
func (c *Controller) ReadMemory(address uint64, amount int) ([]int64, error) {
	return c.proc.ReadMemory(address, amount)
}

func (c *Controller) WriteMemory(address uint64, data []int64) error {
	return c.proc.WriteMemory(address, data)
}

// Terminate ends the VM process and marks the controller inactive.
func (c *Controller) Terminate() error {
	c.active = false
	return c.proc.Terminate()
}

// --- events & stepping ---

// mapReasonToEvent mirrors Native.cpp's MapReasonToEvent.
func (c *Controller) mapReasonToEvent(reason wire.StopReason) (Event, error) {
	switch reason {
	case wire.StopSoftwareBreakpoint:
		ip, err := c.GetIP()
		if err != nil {
			return Event{}, err
		}
		return breakpointHit(Software, ip-1), nil
	case wire.StopHardwareBreakpoint:
		debugRegs, err := c.proc.DebugRegisters()
		if err != nil {
			return Event{}, err
		}
		idx, ok := c.arch.ResponsibleRegister(debugRegs)
		if !ok {
			return Event{}, dbgerr.New(dbgerr.ProtocolError, "hardware breakpoint trapped but no debug register reported it")
		}
		// The triggering bit is sticky until explicitly cleared, so the
		// next trap would otherwise still see this one's bit set on top
		// of its own; clear it once consumed, mirroring a real debug
		// status register being acknowledged on read.
		ctrlName := c.arch.controlRegisterName()
		ctrl := debugRegs[ctrlName]
		utils.CreateBitView(&ctrl).ClearBit(triggerBitBase + idx)
		debugRegs[ctrlName] = ctrl
		if err := c.proc.SetDebugRegisters(debugRegs); err != nil {
			return Event{}, err
		}
		for _, wp := range c.watchpoints {
			if wp.HWIndex == idx {
				return watchpointTrigger(wp.Kind, wp.Address), nil
			}
		}
		return Event{}, dbgerr.New(dbgerr.ProtocolError, "hardware breakpoint trapped on register %d with no bound watchpoint", idx)
	case wire.StopSingleStep:
		return singlestepEvent(), nil
	case wire.StopStart:
		return executionBeginEvent(), nil
	case wire.StopHalt:
		return executionEndEvent(), nil
	case wire.StopCPUError:
		ip, err := c.GetIP()
		if err != nil {
			return Event{}, err
		}
		return cpuErrorEvent(ip), nil
	default:
		return Event{}, dbgerr.New(dbgerr.ProtocolError, "unrecognised stop reason %v", reason)
	}
}

// WaitForDebugEvent blocks until the VM reports a stop and returns the
// mapped event, draining any event ContinueExecution cached instead of
// discarding it. On a BreakpointHit it also repositions the live IP back
// onto the breakpoint instruction itself, per spec.md §4.E.4 ("position at
// the breakpoint instruction, not past it").
func (c *Controller) WaitForDebugEvent() (Event, error) {
	if c.cachedEvent != nil {
		ev := *c.cachedEvent
		c.cachedEvent = nil
		return ev, nil
	}

	if err := c.proc.Wait(); err != nil {
		return Event{}, err
	}
	reason, err := c.proc.Reason()
	if err != nil {
		return Event{}, err
	}
	ev, err := c.mapReasonToEvent(reason)
	if err != nil {
		return Event{}, err
	}
	if ev.Kind == EventBreakpointHit {
		ip, err := c.GetIP()
		if err != nil {
			return Event{}, err
		}
		if err := c.SetIP(ip - 1); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// ContinueExecution resumes the VM without waiting for it to stop again.
// If the live IP sits on an enabled breakpoint, it first steps over that
// breakpoint (disable, single step, re-enable); if stepping over it
// itself produces a non-Singlestep event (another breakpoint inside a
// call, say), that event is cached and returned by the next
// WaitForDebugEvent instead of being silently lost, and the VM is left
// stopped rather than resumed (spec.md §4.E.5).
func (c *Controller) ContinueExecution() error {
	ip, err := c.GetIP()
	if err != nil {
		return err
	}
	if bp, ok := c.softwareBreakpoints[ip]; !ok || !bp.Enabled {
		return c.proc.Resume()
	}

	ev, err := c.stepOverBreakpointAt(ip)
	if err != nil {
		return err
	}
	if ev.Kind != EventSinglestep {
		c.cachedEvent = &ev
		return nil
	}
	return c.proc.Resume()
}

// stepOverBreakpointAt disables the breakpoint at ip, performs a raw
// single step, re-enables it, and returns the resulting event. The
// caller must ensure ip has an enabled breakpoint.
func (c *Controller) stepOverBreakpointAt(ip uint64) (Event, error) {
	if err := c.DisableBreakpoint(ip); err != nil {
		return Event{}, err
	}
	ev, err := c.doRawSingleStep()
	if err != nil {
		return Event{}, err
	}
	if err := c.EnableBreakpoint(ip); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (c *Controller) doRawSingleStep() (Event, error) {
	if err := c.proc.SingleStep(); err != nil {
		return Event{}, err
	}
	return c.WaitForDebugEvent()
}

// SingleStep executes exactly one instruction, stepping over a planted
// breakpoint at the current IP if necessary, mirroring Native.cpp's
// PerformSingleStep.
func (c *Controller) SingleStep() (Event, error) {
	if !c.arch.HardwareSingleStep {
		return Event{}, dbgerr.New(dbgerr.InvalidOperand, "target architecture does not support single-stepping")
	}
	ip, err := c.GetIP()
	if err != nil {
		return Event{}, err
	}
	if bp, ok := c.softwareBreakpoints[ip]; ok && bp.Enabled {
		return c.stepOverBreakpointAt(ip)
	}
	return c.doRawSingleStep()
}

// StepOver executes the instruction at the current IP, running through an
// entire call without stopping inside it: if that instruction is a call,
// a temporary breakpoint is planted at the return address first. If
// skipBreakpoints is true and IP is not a call, the step goes through
// SingleStep (transparently stepping over any breakpoint at IP); if
// false, a raw single step is used instead. Mirrors Native.cpp's
// PerformStepOver.
func (c *Controller) StepOver(skipBreakpoints bool) (Event, error) {
	ip, err := c.GetIP()
	if err != nil {
		return Event{}, err
	}
	text, err := c.ReadText(ip, 1)
	if err != nil {
		return Event{}, err
	}

	if !c.arch.IsCallInstruction(text[0]) {
		if skipBreakpoints {
			return c.SingleStep()
		}
		return c.doRawSingleStep()
	}

	returnAddress := ip + 1
	_, alreadyPlanted := c.softwareBreakpoints[returnAddress]
	if !alreadyPlanted {
		if err := c.SetBreakpoint(returnAddress); err != nil {
			return Event{}, err
		}
	}

	if skipBreakpoints {
		if _, err := c.SingleStep(); err != nil {
			return Event{}, err
		}
	}

	if err := c.ContinueExecution(); err != nil {
		return Event{}, err
	}
	ev, err := c.WaitForDebugEvent()
	if err != nil {
		return Event{}, err
	}

	if !alreadyPlanted {
		if err := c.UnsetBreakpoint(returnAddress); err != nil {
			return Event{}, err
		}
	}

	newIP, err := c.GetIP()
	if err != nil {
		return Event{}, err
	}
	if newIP == returnAddress {
		return singlestepEvent(), nil
	}
	return ev, nil
}

// StepOut runs until the current function returns: it repeats StepOver
// until the instruction at IP is a return instruction, then performs one
// final single step to execute it, per SPEC_FULL.md §3's supplement to
// spec.md §4.E.3 (the distillation states step_out's effect but not this
// algorithm, taken from the shape of Native.cpp's step_over building
// blocks). A breakpoint or watchpoint hit before returning aborts the
// loop and is reported as-is.
func (c *Controller) StepOut() (Event, error) {
	for {
		ip, err := c.GetIP()
		if err != nil {
			return Event{}, err
		}
		text, err := c.ReadText(ip, 1)
		if err != nil {
			return Event{}, err
		}
		if c.arch.IsReturnInstruction(text[0]) {
			return c.SingleStep()
		}
		ev, err := c.StepOver(true)
		if err != nil {
			return Event{}, err
		}
		if ev.Kind != EventSinglestep {
			return ev, nil
		}
	}
}
