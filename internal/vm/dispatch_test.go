package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c0vm/internal/loader"
)

// runCode builds a single-function, no-argument image out of a raw
// function body and executes it.
func runCode(code []byte) (int32, *Fault) {
	img := &loader.Image{
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 8, Code: code}},
	}
	return New(img).Run()
}

func TestArithmeticAndReturn(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(3).
		op(Bipush).u8(4).
		op(Iadd).
		op(Return).
		bytes()

	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(7), result)
}

func TestDivisionByZeroFaults(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(5).
		op(Bipush).u8(0).
		op(Idiv).
		op(Return).
		bytes()

	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultArithmetic, fault.Category)
}

func TestIntMinDivByMinusOneFaults(t *testing.T) {
	// BIPUSH can't represent INT_MIN directly (it sign-extends an i8),
	// so stage INT_MIN through the int pool like ILDC would.
	img := &loader.Image{
		IntPool: []int32{math.MinInt32},
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Ildc).u16(0).
			op(Bipush).u8(0xFF). // -1 sign-extended
			op(Idiv).
			op(Return).
			bytes()}},
	}
	_, fault := New(img).Run()
	require.NotNil(t, fault)
	assert.Equal(t, FaultArithmetic, fault.Category)
}

func TestRemainderByZeroFaultsBeforeOverflowCheck(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(5).
		op(Bipush).u8(0).
		op(Irem).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultArithmetic, fault.Category)
}

func TestShiftOutOfRangeFaults(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(1).
		op(Bipush).u8(32).
		op(Ishl).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultArithmetic, fault.Category)
}

func TestTwosComplementWraparound(t *testing.T) {
	img := &loader.Image{
		IntPool: []int32{math.MaxInt32},
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Ildc).u16(0).
			op(Bipush).u8(1).
			op(Iadd).
			op(Return).
			bytes()}},
	}
	result, fault := New(img).Run()
	require.Nil(t, fault)
	assert.Equal(t, int32(math.MinInt32), result)
}

func TestConditionalBranchTaken(t *testing.T) {
	// BIPUSH 1, BIPUSH 2, IF_ICMPLT +6, BIPUSH 0, RETURN, BIPUSH 9, RETURN
	// Offsets are relative to the branch opcode's own address; compute
	// the jump target from the actual byte layout below.
	a := new(asm).
		op(Bipush).u8(1). // pc 0-1
		op(Bipush).u8(2)  // pc 2-3
	branchAt := len(a.bytes())
	a.op(IfIcmplt).i16(0) // pc 4-6, patched below
	fallthroughBody := new(asm).
		op(Bipush).u8(0).
		op(Return).
		bytes()
	takenBody := new(asm).
		op(Bipush).u8(9).
		op(Return).
		bytes()

	code := a.bytes()
	code = append(code, fallthroughBody...)
	takenTarget := len(code)
	code = append(code, takenBody...)

	offset := int16(takenTarget - branchAt)
	code[branchAt+1] = byte(offset >> 8)
	code[branchAt+2] = byte(offset)

	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(9), result)
}

func TestGotoByThreeReachesNextInstruction(t *testing.T) {
	code := new(asm).
		op(Goto).i16(3). // jumps to opcode address + 3, the very next instruction
		op(Bipush).u8(42).
		op(Return).
		bytes()
	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(42), result)
}

func TestArrayBoundsFaultsOnEqualToCount(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(3).
		op(Newarray).u8(4).
		op(Bipush).u8(3).
		op(Aadds).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultMemory, fault.Category)
}

func TestNewarrayNegativeSizeFaultsBeforeAllocation(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(0xFF). // -1
		op(Newarray).u8(4).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultMemory, fault.Category)
}

func TestAaddsNullCheckedBeforeBounds(t *testing.T) {
	code := new(asm).
		op(AconstNull).
		op(Bipush).u8(0).
		op(Aadds).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultMemory, fault.Category)
	assert.Contains(t, fault.Message, "NULL")
}

func TestNullDereferenceArraylength(t *testing.T) {
	code := new(asm).
		op(AconstNull).
		op(Arraylength).
		op(Return).
		bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultMemory, fault.Category)
}

func TestStaticCallRoundTrip(t *testing.T) {
	// Entry pushes 10 and 32, calls function 1 (num_args=2, body adds
	// its two locals), then returns the 42 that comes back.
	entry := new(asm).
		op(Bipush).u8(10).
		op(Bipush).u8(32).
		op(Invokestatic).u16(1).
		op(Return).
		bytes()
	callee := new(asm).
		op(Vload).u8(0).
		op(Vload).u8(1).
		op(Iadd).
		op(Return).
		bytes()

	img := &loader.Image{
		FunctionPool: []loader.FunctionInfo{
			{NumArgs: 0, NumVars: 0, Code: entry},
			{NumArgs: 2, NumVars: 2, Code: callee},
		},
	}
	result, fault := New(img).Run()
	require.Nil(t, fault)
	assert.Equal(t, int32(42), result)
}

func TestCallPreservesCallerLocalsAndStackDepth(t *testing.T) {
	// Caller stashes 7 in local 0 before calling, and checks it
	// survives the call/return round trip untouched.
	callee := new(asm).
		op(Bipush).u8(1).
		op(Return).
		bytes()
	entry := new(asm).
		op(Bipush).u8(7).
		op(Vstore).u8(0).
		op(Invokestatic).u16(1).
		op(Pop). // discard callee's return value
		op(Vload).u8(0).
		op(Return).
		bytes()

	img := &loader.Image{
		FunctionPool: []loader.FunctionInfo{
			{NumArgs: 0, NumVars: 1, Code: entry},
			{NumArgs: 0, NumVars: 0, Code: callee},
		},
	}
	result, fault := New(img).Run()
	require.Nil(t, fault)
	assert.Equal(t, int32(7), result)
}

func TestInvokeNativeRoundTrip(t *testing.T) {
	img := &loader.Image{
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Bipush).u8(5).
			op(Bipush).u8(6).
			op(Invokenative).u16(0).
			op(Return).
			bytes()}},
		NativePool: []loader.NativeInfo{{NumArgs: 2, FunctionTableIdx: 0}},
	}
	adder := func(_ *VM, args []Value) (Value, *Fault) {
		x, _ := args[0].AsInt()
		y, _ := args[1].AsInt()
		return IntVal(x + y), nil
	}
	machine := New(img, WithNatives(NativeTable{adder}))
	result, fault := machine.Run()
	require.Nil(t, fault)
	assert.Equal(t, int32(11), result)
}

func TestFieldAddressing(t *testing.T) {
	// Allocate a 2-field block, store 99 into field 4, load it back.
	code := new(asm).
		op(NewObj).u8(8).
		op(Dup).
		op(Aaddf).u8(4).
		op(Bipush).u8(99).
		op(Imstore).
		op(Aaddf).u8(4).
		op(Imload).
		op(Return).
		bytes()
	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(99), result)
}

func TestArrayElementStoreAndLoad(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(4).
		op(Newarray).u8(4).
		op(Dup).
		op(Bipush).u8(2).
		op(Aadds).
		op(Bipush).u8(123).
		op(Imstore).
		op(Bipush).u8(2).
		op(Aadds).
		op(Imload).
		op(Return).
		bytes()
	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(123), result)
}

func TestAssertZeroFaults(t *testing.T) {
	img := &loader.Image{
		StringPool: append([]byte("boom"), 0),
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Bipush).u8(0).
			op(Aldc).u16(0).
			op(Assert).
			op(Bipush).u8(1).
			op(Return).
			bytes()}},
	}
	_, fault := New(img).Run()
	require.NotNil(t, fault)
	assert.Equal(t, FaultAssertion, fault.Category)
	assert.Equal(t, "boom", fault.Message)
}

func TestAssertNonzeroContinues(t *testing.T) {
	img := &loader.Image{
		StringPool: append([]byte("unused"), 0),
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Bipush).u8(1).
			op(Aldc).u16(0).
			op(Assert).
			op(Bipush).u8(77).
			op(Return).
			bytes()}},
	}
	result, fault := New(img).Run()
	require.Nil(t, fault)
	assert.Equal(t, int32(77), result)
}

func TestAthrowCarriesMessage(t *testing.T) {
	img := &loader.Image{
		StringPool: append([]byte("user threw"), 0),
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Aldc).u16(0).
			op(Athrow).
			bytes()}},
	}
	_, fault := New(img).Run()
	require.NotNil(t, fault)
	assert.Equal(t, FaultUserError, fault.Category)
	assert.Equal(t, "user threw", fault.Message)
}

func TestInvalidOpcodeFaults(t *testing.T) {
	_, fault := runCode([]byte{0xFF})
	require.NotNil(t, fault)
	assert.Equal(t, FaultInvalidOpcode, fault.Category)
}

func TestStackUnderflowFaults(t *testing.T) {
	code := new(asm).op(Pop).op(Return).bytes()
	_, fault := runCode(code)
	require.NotNil(t, fault)
	assert.Equal(t, FaultStackUnderflow, fault.Category)
}

func TestIldcIndexOutOfBoundsFaults(t *testing.T) {
	img := &loader.Image{
		IntPool: []int32{1, 2, 3},
		FunctionPool: []loader.FunctionInfo{{NumArgs: 0, NumVars: 0, Code: new(asm).
			op(Ildc).u16(3). // equal to count: documented as out of bounds
			op(Return).
			bytes()}},
	}
	_, fault := New(img).Run()
	require.NotNil(t, fault)
	assert.Equal(t, FaultMemory, fault.Category)
}

func TestSwapExchangesTopTwo(t *testing.T) {
	code := new(asm).
		op(Bipush).u8(1).
		op(Bipush).u8(2).
		op(Swap).
		op(Pop). // discard the 1 that swap moved to top
		op(Return).
		bytes()
	result, fault := runCode(code)
	require.Nil(t, fault)
	assert.Equal(t, int32(2), result)
}

func TestCrossTagEqualityIsAlwaysFalse(t *testing.T) {
	// IF_CMPEQ between an Int and a Ptr must never be true, regardless
	// of bit pattern.
	code := new(asm).
		op(Bipush).u8(0).
		op(AconstNull)
	branchAt := len(code.bytes())
	code.op(IfCmpeq).i16(0)
	notEqualBody := new(asm).op(Bipush).u8(1).op(Return).bytes()
	equalBody := new(asm).op(Bipush).u8(0).op(Return).bytes()

	b := code.bytes()
	b = append(b, notEqualBody...)
	target := len(b)
	b = append(b, equalBody...)
	offset := int16(target - branchAt)
	b[branchAt+1] = byte(offset >> 8)
	b[branchAt+2] = byte(offset)

	result, fault := runCode(b)
	require.Nil(t, fault)
	assert.Equal(t, int32(1), result, "cross-tag comparison must be unequal")
}
