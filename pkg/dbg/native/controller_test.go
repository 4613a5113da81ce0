package native_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmstub"
)

// session wires a native.Controller to an in-memory VM over an in-process
// Pipe pair, the same shape spec.md §4.A describes for the in-process
// Messenger implementation, with vmstub.Stub+vmstub.InMemoryMachine
// standing in for a real T86 VM process.
type session struct {
	t          *testing.T
	controller *native.Controller
	done       chan error
}

func newSession(t *testing.T, program []string, gpCount int, dataSize uint64, arch native.Arch) *session {
	t.Helper()
	driverSide, vmSide := messenger.NewPipePair(4)
	machine := vmstub.NewInMemoryMachine(program, gpCount, 0, arch.DebugRegisterCount, dataSize)
	stub := vmstub.New(vmSide, machine, nil)

	done := make(chan error, 1)
	go func() { done <- stub.Serve() }()

	proc := vmproc.New(driverSide, gpCount, 0, arch.TotalDebugRegisters(), nil)
	controller := native.NewController(proc, arch, nil)

	s := &session{t: t, controller: controller, done: done}
	t.Cleanup(func() {
		_ = driverSide.Close()
	})
	return s
}

func testArch() native.Arch {
	a := native.DefaultT86Arch
	a.DebugRegisterCount = 2
	return a
}

// s1Program is spec.md §8 S1/S2/S3/S4's base program, adjusted per
// scenario: MOV R0,1; MOV R1,2; ADD R0,R1; MOV R2,R0; HALT.
func s1Program() []string {
	return []string{
		"MOV R0,1",
		"MOV R1,2",
		"ADD R0,R1",
		"MOV R2,R0",
		"HALT",
	}
}

func (s *session) waitBegin() {
	s.t.Helper()
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(s.t, err)
	require.Equal(s.t, native.EventExecutionBegin, ev.Kind)
}

func TestScenarioS1_PlainRunToCompletion(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionEnd, ev.Kind)

	regs, err := s.controller.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 3, regs["R0"])
	require.EqualValues(t, 2, regs["R1"])
	require.EqualValues(t, 3, regs["R2"])
}

func TestScenarioS2_BreakpointThenContinue(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetBreakpoint(2))
	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventBreakpointHit, ev.Kind)
	require.EqualValues(t, 2, ev.Address)

	ip, err := s.controller.GetIP()
	require.NoError(t, err)
	require.EqualValues(t, 2, ip)
	regs, err := s.controller.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 1, regs["R0"])
	require.EqualValues(t, 2, regs["R1"])

	require.NoError(t, s.controller.ContinueExecution())
	ev, err = s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionEnd, ev.Kind)
	regs, err = s.controller.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 3, regs["R2"])
}

func TestScenarioS3_BreakpointAtHaltThenSingleStep(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetBreakpoint(4))
	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventBreakpointHit, ev.Kind)
	require.EqualValues(t, 4, ev.Address)

	ev, err = s.controller.SingleStep()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionEnd, ev.Kind)
}

func TestScenarioS6_WriteWatchpoints(t *testing.T) {
	program := []string{
		"MOV R0,1",
		"MOV [R0],2",
		"MOV [5],3",
		"HALT",
	}
	s := newSession(t, program, 1, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetWatchpointWrite(1))
	require.NoError(t, s.controller.SetWatchpointWrite(5))

	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventWatchpointTrigger, ev.Kind)
	require.EqualValues(t, 1, ev.Address)

	require.NoError(t, s.controller.ContinueExecution())
	ev, err = s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventWatchpointTrigger, ev.Kind)
	require.EqualValues(t, 5, ev.Address)

	require.NoError(t, s.controller.ContinueExecution())
	ev, err = s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionEnd, ev.Kind)
}

// TestBreakpointTextInvariant is spec.md §8's second invariant: ReadText
// at a planted, enabled breakpoint's address returns the original saved
// text, never the BKPT opcode.
func TestBreakpointTextInvariant(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetBreakpoint(2))
	text, err := s.controller.ReadText(2, 1)
	require.NoError(t, err)
	require.Equal(t, "ADD R0,R1", text[0])
}

// TestSetUnsetBreakpointRoundTrip is spec.md §8's round-trip property:
// set then unset restores the text byte-for-byte.
func TestSetUnsetBreakpointRoundTrip(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	before, err := s.controller.ReadText(2, 1)
	require.NoError(t, err)

	require.NoError(t, s.controller.SetBreakpoint(2))
	require.NoError(t, s.controller.UnsetBreakpoint(2))

	after, err := s.controller.ReadText(2, 1)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// TestWatchpointResourceExhausted is spec.md §8's boundary behaviour: the
// (N+1)-th watchpoint fails ResourceExhausted.
func TestWatchpointResourceExhausted(t *testing.T) {
	s := newSession(t, s1Program(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetWatchpointWrite(10))
	require.NoError(t, s.controller.SetWatchpointWrite(20))
	err := s.controller.SetWatchpointWrite(30)
	require.Error(t, err)
}

// TestWatchpointRemoveThenReuseRoundTrip is spec.md §8's disable/enable
// round trip: removing a watchpoint frees its hardware register for a
// later SetWatchpointWrite, and the re-armed watchpoint traps on every
// write to its address.
func TestWatchpointRemoveThenReuseRoundTrip(t *testing.T) {
	program := []string{
		"MOV R0,1",
		"MOV [R0],2",
		"MOV [R0],3",
		"HALT",
	}
	s := newSession(t, program, 1, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetWatchpointWrite(1))
	require.NoError(t, s.controller.RemoveWatchpoint(1))
	require.Len(t, s.controller.ListWatchpoints(), 0)

	require.NoError(t, s.controller.SetWatchpointWrite(1))
	require.Len(t, s.controller.ListWatchpoints(), 1)

	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventWatchpointTrigger, ev.Kind)
	require.EqualValues(t, 1, ev.Address)

	require.NoError(t, s.controller.ContinueExecution())
	ev, err = s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventWatchpointTrigger, ev.Kind)
	require.EqualValues(t, 1, ev.Address)
}

// loopProgram is spec.md §8 S4's loop: R0 walks the odd numbers 1, 3, 5,
// 7, 9 (one value per iteration) while R1 accumulates their sum, so a
// breakpoint planted on the loop body is hit exactly 5 times, observing
// R0 ∈ {1,3,5,7,9} in turn, before execution ends with R1=25.
func loopProgram() []string {
	return []string{
		"MOV R0,1",
		"MOV R1,0",
		"MOV R2,5",
		"ADD R1,R0",
		"ADD R0,2",
		"ADD R2,-1",
		"JNZ R2,3",
		"HALT",
	}
}

func TestScenarioS4_LoopBreakpointHitFiveTimes(t *testing.T) {
	s := newSession(t, loopProgram(), 3, 1024, testArch())
	s.waitBegin()

	require.NoError(t, s.controller.SetBreakpoint(3))
	wantR0 := []int64{1, 3, 5, 7, 9}
	for i, want := range wantR0 {
		require.NoError(t, s.controller.ContinueExecution())
		ev, err := s.controller.WaitForDebugEvent()
		require.NoError(t, err)
		require.Equalf(t, native.EventBreakpointHit, ev.Kind, "iteration %d", i)
		require.EqualValuesf(t, 3, ev.Address, "iteration %d", i)

		regs, err := s.controller.Registers()
		require.NoError(t, err)
		require.EqualValuesf(t, want, regs["R0"], "iteration %d", i)
	}

	require.NoError(t, s.controller.ContinueExecution())
	ev, err := s.controller.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionEnd, ev.Kind)

	regs, err := s.controller.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 25, regs["R1"])
}

// callProgram is spec.md §8 S5's call graph: a single CALL/RET pair
// bracketing one instruction, used to exercise StepOver stepping through
// (not into) the call.
func callProgram() []string {
	return []string{
		"CALL 3",
		"MOV R0,99",
		"HALT",
		"MOV R1,1",
		"RET",
	}
}

func TestScenarioS5_StepOverSkipsCallBody(t *testing.T) {
	s := newSession(t, callProgram(), 2, 1024, testArch())
	s.waitBegin()

	ev, err := s.controller.StepOver(true)
	require.NoError(t, err)
	require.Equal(t, native.EventSinglestep, ev.Kind)

	ip, err := s.controller.GetIP()
	require.NoError(t, err)
	require.EqualValues(t, 1, ip)

	regs, err := s.controller.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 1, regs["R1"])
}
