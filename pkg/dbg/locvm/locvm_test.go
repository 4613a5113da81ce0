package locvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
)

func TestEval_RegisterOnly(t *testing.T) {
	prog := locvm.Program{locvm.PushRegister("R0")}
	loc, err := locvm.Eval(prog, locvm.Registers{"R0": 42}, nil)
	require.NoError(t, err)
	require.Equal(t, locvm.Register, loc.Kind)
	require.Equal(t, "R0", loc.Register)
}

func TestEval_OffsetOffsetAdd(t *testing.T) {
	prog := locvm.Program{locvm.PushOffset(10), locvm.PushOffset(5), locvm.Add()}
	loc, err := locvm.Eval(prog, nil, nil)
	require.NoError(t, err)
	require.Equal(t, locvm.Offset, loc.Kind)
	require.EqualValues(t, 15, loc.Offset)
}

func TestEval_OffsetRegisterAdd(t *testing.T) {
	prog := locvm.Program{locvm.PushOffset(10), locvm.PushRegister("R1"), locvm.Add()}
	loc, err := locvm.Eval(prog, locvm.Registers{"R1": 7}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 17, loc.Offset)
}

func TestEval_RegisterOffsetAdd(t *testing.T) {
	prog := locvm.Program{locvm.PushRegister("R1"), locvm.PushOffset(10), locvm.Add()}
	loc, err := locvm.Eval(prog, locvm.Registers{"R1": 7}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 17, loc.Offset)
}

func TestEval_RegisterRegisterAdd(t *testing.T) {
	prog := locvm.Program{locvm.PushRegister("R1"), locvm.PushRegister("R2"), locvm.Add()}
	loc, err := locvm.Eval(prog, locvm.Registers{"R1": 7, "R2": 3}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 10, loc.Offset)
}

func TestEval_FrameBaseOffset(t *testing.T) {
	prog := locvm.Program{locvm.FrameBaseOffset(-8)}
	loc, err := locvm.Eval(prog, locvm.Registers{locvm.FrameBaseRegister: 100}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 92, loc.Offset)
}

func TestEval_StackUnderflow(t *testing.T) {
	prog := locvm.Program{locvm.Add()}
	_, err := locvm.Eval(prog, nil, nil)
	require.Error(t, err)
}

func TestEval_ExcessStackValues(t *testing.T) {
	prog := locvm.Program{locvm.PushOffset(1), locvm.PushOffset(2)}
	_, err := locvm.Eval(prog, nil, nil)
	require.Error(t, err)
}

func TestEval_Dereference(t *testing.T) {
	prog := locvm.Program{locvm.PushOffset(4), locvm.Dereference(1)}
	mem := func(address, size int64) (int64, error) {
		require.EqualValues(t, 4, address)
		require.EqualValues(t, 1, size)
		return 99, nil
	}
	loc, err := locvm.Eval(prog, nil, mem)
	require.NoError(t, err)
	require.Equal(t, locvm.Offset, loc.Kind)
	require.EqualValues(t, 99, loc.Offset)
}

func TestEval_DereferenceWithoutReaderFails(t *testing.T) {
	prog := locvm.Program{locvm.PushOffset(4), locvm.Dereference(1)}
	_, err := locvm.Eval(prog, nil, nil)
	require.Error(t, err)
}
