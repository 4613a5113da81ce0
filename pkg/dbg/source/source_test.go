package source_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/debuginfo"
	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
	"github.com/Manu343726/t86dbg/pkg/dbg/source"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmstub"
)

// program is the same straight-line sequence spec.md §8's S1 scenario
// runs: MOV R0,1; MOV R1,2; ADD R0,R1; MOV R2,R0; HALT, each instruction
// mapped to its own source line so stepping and line lookups have
// something to exercise.
func program() []string {
	return []string{
		"MOV R0,1",
		"MOV R1,2",
		"ADD R0,R1",
		"MOV R2,R0",
		"HALT",
	}
}

func compileUnit() *debuginfo.CompileUnit {
	cu := debuginfo.New("unit", "t86dbg-test")
	for i, line := range []int{10, 11, 12, 13, 14} {
		cu.AddLineMapping(uint64(i), "main.t86s", line)
	}
	root := &debuginfo.Scope{
		StartAddress: 0,
		EndAddress:   5,
		Variables: []*debuginfo.Variable{
			{Name: "x", Location: locvm.Program{locvm.PushRegister("R0")}},
		},
	}
	fn := &debuginfo.Function{Name: "main", StartAddress: 0, EndAddress: 5, Root: root}
	cu.Functions = append(cu.Functions, fn)
	return cu
}

// newController wires a source.Controller to an in-memory VM over an
// in-process Pipe pair, the same harness native's own tests use, one
// layer further up the stack.
func newController(t *testing.T, info *debuginfo.CompileUnit) *source.Controller {
	t.Helper()
	driverSide, vmSide := messenger.NewPipePair(4)
	arch := native.DefaultT86Arch
	arch.DebugRegisterCount = 2
	machine := vmstub.NewInMemoryMachine(program(), 3, 0, arch.DebugRegisterCount, 1024)
	stub := vmstub.New(vmSide, machine, nil)

	done := make(chan error, 1)
	go func() { done <- stub.Serve() }()
	t.Cleanup(func() { _ = driverSide.Close() })

	proc := vmproc.New(driverSide, 3, 0, arch.TotalDebugRegisters(), nil)
	nativeCtl := native.NewController(proc, arch, nil)

	ev, err := nativeCtl.WaitForDebugEvent()
	require.NoError(t, err)
	require.Equal(t, native.EventExecutionBegin, ev.Kind)

	return source.New(nativeCtl, info, nil)
}

func TestCurrentLine(t *testing.T) {
	src := newController(t, compileUnit())

	file, line, err := src.CurrentLine()
	require.NoError(t, err)
	require.Equal(t, "main.t86s", file)
	require.Equal(t, 10, line)
}

func TestCurrentLine_NoDebugInfo(t *testing.T) {
	src := newController(t, nil)

	_, _, err := src.CurrentLine()
	require.Error(t, err)
}

func TestLineToAddress(t *testing.T) {
	src := newController(t, compileUnit())

	addr, err := src.LineToAddress("main.t86s", 12)
	require.NoError(t, err)
	require.EqualValues(t, 2, addr)
}

func TestFunctionInfo(t *testing.T) {
	src := newController(t, compileUnit())

	info, err := src.FunctionInfo(3)
	require.NoError(t, err)
	require.Equal(t, "main", info.Name)
	require.EqualValues(t, 0, info.StartAddress)
	require.EqualValues(t, 5, info.EndAddress)
}

// TestVariablesAndReadVariable exercises live location resolution end to
// end: "x" is declared at register R0, so its resolved location tracks
// R0's current value as the program executes.
func TestVariablesAndReadVariable(t *testing.T) {
	src := newController(t, compileUnit())

	vars, err := src.Variables()
	require.NoError(t, err)
	require.Len(t, vars, 1)
	require.Equal(t, "x", vars[0].Variable.Name)
	require.Equal(t, locvm.Register, vars[0].Location.Kind)
	require.Equal(t, "R0", vars[0].Location.Register)

	v, err := src.ReadVariable("x")
	require.NoError(t, err)
	require.EqualValues(t, 0, v) // R0 hasn't been written yet

	_, err = src.Native().SingleStep() // executes MOV R0,1
	require.NoError(t, err)

	v, err = src.ReadVariable("x")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestReadVariable_UnknownName(t *testing.T) {
	src := newController(t, compileUnit())

	_, err := src.ReadVariable("nope")
	require.Error(t, err)
}

// TestStepLine is spec.md §4.F's step_line: one instruction per source
// line here, so a single StepLine moves to the very next line.
func TestStepLine(t *testing.T) {
	src := newController(t, compileUnit())

	result, err := src.StepLine()
	require.NoError(t, err)
	require.True(t, result.HasLine)
	require.Equal(t, 11, result.Line)
	require.Equal(t, native.EventSinglestep, result.Event.Kind)
}

func TestTypeToString(t *testing.T) {
	base := &debuginfo.Type{Name: "int", Kind: debuginfo.KindBase}
	ptr := &debuginfo.Type{Kind: debuginfo.KindPointer, Elem: base}
	strct := &debuginfo.Type{Name: "point", Kind: debuginfo.KindStruct}

	require.Equal(t, "int", source.TypeToString(base))
	require.Equal(t, "*int", source.TypeToString(ptr))
	require.Equal(t, "struct point", source.TypeToString(strct))
	require.Equal(t, "<unknown type>", source.TypeToString(nil))
}
