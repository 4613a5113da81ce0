package debuginfo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/debuginfo"
	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
)

func TestLineForAddress_ExactAndFloor(t *testing.T) {
	cu := debuginfo.New("unit", "t86dbg-test")
	cu.AddLineMapping(0, "main.t86s", 1)
	cu.AddLineMapping(2, "main.t86s", 2)
	cu.AddLineMapping(4, "main.t86s", 3)

	file, line, ok := cu.LineForAddress(2)
	require.True(t, ok)
	require.Equal(t, "main.t86s", file)
	require.Equal(t, 2, line)

	// address 3 has no direct mapping; it falls inside line 2's range.
	file, line, ok = cu.LineForAddress(3)
	require.True(t, ok)
	require.Equal(t, 2, line)

	_, _, ok = cu.LineForAddress(0) // exact boundary
	require.True(t, ok)
}

func TestLineForAddress_BeforeFirstMapping(t *testing.T) {
	cu := debuginfo.New("unit", "t86dbg-test")
	cu.AddLineMapping(10, "main.t86s", 1)

	_, _, ok := cu.LineForAddress(5)
	require.False(t, ok)
}

// TestAddressLineRoundTrip is spec.md §8's round-trip invariant:
// line_to_address(addr_to_line(a)) <= a, and addr_to_line applied to the
// canonical (smallest) address for a line returns that line again.
func TestAddressLineRoundTrip(t *testing.T) {
	cu := debuginfo.New("unit", "t86dbg-test")
	cu.AddLineMapping(4, "main.t86s", 5) // a line compiled to two instructions
	cu.AddLineMapping(5, "main.t86s", 5)
	cu.AddLineMapping(6, "main.t86s", 6)

	file, line, ok := cu.LineForAddress(5)
	require.True(t, ok)

	addrs := cu.AddressesForLine(file, line)
	require.Equal(t, []uint64{4, 5}, addrs)
	canonical := addrs[0]
	require.LessOrEqual(t, canonical, uint64(5))

	file2, line2, ok := cu.LineForAddress(canonical)
	require.True(t, ok)
	require.Equal(t, line, line2)
	require.Equal(t, file, file2)
}

func TestVariablesInScope_Shadowing(t *testing.T) {
	outer := &debuginfo.Variable{Name: "x", Location: locvm.Program{locvm.PushRegister("R0")}}
	inner := &debuginfo.Variable{Name: "x", Location: locvm.Program{locvm.PushRegister("R1")}}
	onlyOuter := &debuginfo.Variable{Name: "y", Location: locvm.Program{locvm.PushRegister("R2")}}

	innerScope := &debuginfo.Scope{StartAddress: 5, EndAddress: 10, Variables: []*debuginfo.Variable{inner}}
	root := &debuginfo.Scope{
		StartAddress: 0, EndAddress: 20,
		Variables: []*debuginfo.Variable{outer, onlyOuter},
		Children:  []*debuginfo.Scope{innerScope},
	}
	fn := &debuginfo.Function{Name: "f", StartAddress: 0, EndAddress: 20, Root: root}

	cu := debuginfo.New("unit", "t86dbg-test")
	cu.Functions = append(cu.Functions, fn)

	vars, err := cu.VariablesInScope(7) // inside innerScope
	require.NoError(t, err)

	byName := map[string]*debuginfo.Variable{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	require.Len(t, vars, 2) // shadowed "x" counted once
	require.Equal(t, "R1", byName["x"].Location[0].Push.Register)
	require.Equal(t, "R2", byName["y"].Location[0].Push.Register)

	outerOnly, err := cu.VariablesInScope(2) // outside innerScope
	require.NoError(t, err)
	byName = map[string]*debuginfo.Variable{}
	for _, v := range outerOnly {
		byName[v.Name] = v
	}
	require.Equal(t, "R0", byName["x"].Location[0].Push.Register)
}

func TestFunctionAt_NoMatch(t *testing.T) {
	cu := debuginfo.New("unit", "t86dbg-test")
	require.Nil(t, cu.FunctionAt(42))
}
