package vm

import "math"

// step executes exactly one instruction against the current frame. It
// returns (returnValue, true, nil) once RETURN unwinds the last frame
// on the call stack, (_, false, nil) after an ordinary instruction,
// or (_, _, fault) the instant any fault is detected — the dispatch
// loop never continues past a fault.
func (v *VM) step() (int32, bool, *Fault) {
	f := v.cur
	if f.pc < 0 || f.pc >= len(f.code) {
		return 0, false, memoryFault("program counter ran past end of code")
	}
	opAddr := f.pc
	op := Op(f.code[f.pc])
	f.pc++

	attach := func(fault *Fault) *Fault {
		if fault != nil {
			fault.PC = opAddr
		}
		return fault
	}

	switch op {
	case Nop:
		// no-op

	case Pop:
		if _, fault := f.operands.Pop(); fault != nil {
			return 0, false, attach(fault)
		}
	case Dup:
		top, fault := f.operands.Peek()
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(top)
	case Swap:
		a, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		b, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(a)
		f.operands.Push(b)

	case Iadd, Isub, Imul, Iand, Ior, Ixor:
		if fault := v.intBinOp(f, op); fault != nil {
			return 0, false, attach(fault)
		}
	case Idiv, Irem:
		if fault := v.checkedDivOp(f, op); fault != nil {
			return 0, false, attach(fault)
		}
	case Ishl, Ishr:
		if fault := v.shiftOp(f, op); fault != nil {
			return 0, false, attach(fault)
		}

	case Bipush:
		b, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(IntVal(int32(int8(b))))

	case Ildc:
		i, fault := v.fetchU16(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		// The bound is strict: an index equal to the pool length is
		// rejected, never read one-past-the-end.
		if int(i) >= len(v.image.IntPool) {
			return 0, false, attach(memoryFault("ildc: index out of bounds"))
		}
		f.operands.Push(IntVal(v.image.IntPool[i]))

	case Aldc:
		i, fault := v.fetchU16(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if int(i) >= len(v.image.StringPool) {
			return 0, false, attach(memoryFault("aldc: index out of bounds"))
		}
		f.operands.Push(PtrVal(v.heap.StringRef(i)))

	case AconstNull:
		f.operands.Push(PtrVal(Null))

	case Vload:
		i, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if int(i) >= len(f.locals) {
			return 0, false, attach(memoryFault("vload: no such local"))
		}
		f.operands.Push(f.locals[i])
	case Vstore:
		i, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if int(i) >= len(f.locals) {
			return 0, false, attach(memoryFault("vstore: no such local"))
		}
		val, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.locals[i] = val

	case Athrow:
		s, fault := v.popString(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		return 0, false, attach(userFault(s))

	case Assert:
		s, fault := v.popString(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		cond, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		x, fault := cond.AsInt()
		if fault != nil {
			return 0, false, attach(fault)
		}
		if x == 0 {
			return 0, false, attach(assertionFault(s))
		}

	case Goto:
		off, fault := v.fetchOffset(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.pc = opAddr + int(off)

	case IfCmpeq, IfCmpne:
		off, fault := v.fetchOffset(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		v2, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		v1, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		eq := v1.Equal(v2)
		taken := eq
		if op == IfCmpne {
			taken = !eq
		}
		if taken {
			f.pc = opAddr + int(off)
		} else {
			f.pc = opAddr + 3
		}

	case IfIcmplt, IfIcmpge, IfIcmpgt, IfIcmple:
		off, fault := v.fetchOffset(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		y, x, fault := v.popTwoInts(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		var taken bool
		switch op {
		case IfIcmplt:
			taken = x < y
		case IfIcmpge:
			taken = x >= y
		case IfIcmpgt:
			taken = x > y
		case IfIcmple:
			taken = x <= y
		}
		if taken {
			f.pc = opAddr + int(off)
		} else {
			f.pc = opAddr + 3
		}

	case Invokestatic:
		i, fault := v.fetchU16(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if int(i) >= len(v.image.FunctionPool) {
			return 0, false, attach(memoryFault("invokestatic: index out of bounds"))
		}
		g := v.image.FunctionPool[i]
		args := make([]Value, g.NumArgs)
		for j := int(g.NumArgs) - 1; j >= 0; j-- {
			val, fault := f.operands.Pop()
			if fault != nil {
				return 0, false, attach(fault)
			}
			args[j] = val
		}
		if fault := v.calls.push(f); fault != nil {
			return 0, false, attach(fault)
		}
		nf := newFrame(g.Code, int(g.NumVars))
		copy(nf.locals, args)
		v.cur = nf
		f = nf

	case Return:
		retval, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		caller, ok := v.calls.pop()
		if !ok {
			n, fault := retval.AsInt()
			if fault != nil {
				return 0, false, attach(fault)
			}
			return n, true, nil
		}
		caller.operands.Push(retval)
		v.cur = caller
		f = caller

	case Invokenative:
		i, fault := v.fetchU16(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if int(i) >= len(v.image.NativePool) {
			return 0, false, attach(memoryFault("invokenative: index out of bounds"))
		}
		n := v.image.NativePool[i]
		if int(n.FunctionTableIdx) >= len(v.natives) {
			return 0, false, attach(memoryFault("invokenative: no such native function"))
		}
		args := make([]Value, n.NumArgs)
		for j := int(n.NumArgs) - 1; j >= 0; j-- {
			val, fault := f.operands.Pop()
			if fault != nil {
				return 0, false, attach(fault)
			}
			args[j] = val
		}
		result, fault := v.natives[n.FunctionTableIdx](v, args)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(result)

	case NewObj:
		s, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(PtrVal(v.heap.NewBlock(int(s))))

	case Newarray:
		s, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		cnt, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		n, fault := cnt.AsInt()
		if fault != nil {
			return 0, false, attach(fault)
		}
		if n < 0 {
			return 0, false, attach(memoryFault("newarray: negative array size"))
		}
		f.operands.Push(PtrVal(v.heap.NewArray(int(s), n)))

	case Arraylength:
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		n, fault := v.heap.ArrayLength(p)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(IntVal(n))

	case Aaddf:
		fld, fault := v.fetchU8(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		res, fault := v.heap.AddField(p, fld)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(PtrVal(res))

	case Aadds:
		idx, fault := f.operands.Pop()
		if fault != nil {
			return 0, false, attach(fault)
		}
		i, fault := idx.AsInt()
		if fault != nil {
			return 0, false, attach(fault)
		}
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		res, fault := v.heap.AddElement(p, i)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(PtrVal(res))

	case Imload:
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		n, fault := v.heap.LoadInt32(p)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(IntVal(n))

	case Imstore:
		x, fault := v.popInt(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if fault := v.heap.StoreInt32(p, x); fault != nil {
			return 0, false, attach(fault)
		}

	case Amload:
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		res, fault := v.heap.LoadPtr(p)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(PtrVal(res))

	case Amstore:
		b, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		a, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if fault := v.heap.StorePtr(a, b); fault != nil {
			return 0, false, attach(fault)
		}

	case Cmload:
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		n, fault := v.heap.LoadChar(p)
		if fault != nil {
			return 0, false, attach(fault)
		}
		f.operands.Push(IntVal(n))

	case Cmstore:
		x, fault := v.popInt(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		p, fault := v.popPtr(f)
		if fault != nil {
			return 0, false, attach(fault)
		}
		if fault := v.heap.StoreChar(p, x); fault != nil {
			return 0, false, attach(fault)
		}

	default:
		return 0, false, attach(invalidOpcodeFault("unrecognized opcode"))
	}

	if v.log != nil {
		v.log.Debugw("executed", "op", op.String(), "pc", opAddr)
	}
	return 0, false, nil
}

// fetchU8 reads a one-byte immediate following the opcode and
// advances pc past it.
func (v *VM) fetchU8(f *frame) (uint8, *Fault) {
	if f.pc >= len(f.code) {
		return 0, memoryFault("truncated instruction: missing immediate byte")
	}
	b := f.code[f.pc]
	f.pc++
	return b, nil
}

// fetchU16 reads a big-endian two-byte immediate (a constant-pool or
// jump-target index) and advances pc past it.
func (v *VM) fetchU16(f *frame) (uint16, *Fault) {
	if f.pc+2 > len(f.code) {
		return 0, memoryFault("truncated instruction: missing immediate bytes")
	}
	hi, lo := f.code[f.pc], f.code[f.pc+1]
	f.pc += 2
	return uint16(hi)<<8 | uint16(lo), nil
}

// fetchOffset reads a signed 16-bit big-endian branch offset.
func (v *VM) fetchOffset(f *frame) (int16, *Fault) {
	u, fault := v.fetchU16(f)
	if fault != nil {
		return 0, fault
	}
	return int16(u), nil
}

func (v *VM) popInt(f *frame) (int32, *Fault) {
	val, fault := f.operands.Pop()
	if fault != nil {
		return 0, fault
	}
	return val.AsInt()
}

func (v *VM) popPtr(f *frame) (Ptr, *Fault) {
	val, fault := f.operands.Pop()
	if fault != nil {
		return Ptr{}, fault
	}
	return val.AsPtr()
}

func (v *VM) popTwoInts(f *frame) (y, x int32, fault *Fault) {
	y, fault = v.popInt(f)
	if fault != nil {
		return
	}
	x, fault = v.popInt(f)
	return
}

// popString resolves a string-pool pointer to its NUL-terminated Go
// string, used by ATHROW and ASSERT to recover their diagnostic text.
func (v *VM) popString(f *frame) (string, *Fault) {
	p, fault := v.popPtr(f)
	if fault != nil {
		return "", fault
	}
	return v.ReadCString(p)
}

// ReadCString resolves any heap or string-pool pointer to its
// NUL-terminated Go string. It is exported so embedder-supplied
// natives (see internal/natives) can dereference a char* argument
// without reaching into this package's unexported Heap internals.
func (v *VM) ReadCString(p Ptr) (string, *Fault) {
	if _, fault := v.heap.resolveObject(p, "string pointer"); fault != nil {
		return "", fault
	}
	buf := v.heap.backing(p)
	start := int(p.offset)
	end := start
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[start:end]), nil
}

func (v *VM) intBinOp(f *frame, op Op) *Fault {
	y, x, fault := v.popTwoInts(f)
	if fault != nil {
		return fault
	}
	var r int32
	switch op {
	case Iadd:
		r = x + y
	case Isub:
		r = x - y
	case Imul:
		r = x * y
	case Iand:
		r = x & y
	case Ior:
		r = x | y
	case Ixor:
		r = x ^ y
	}
	f.operands.Push(IntVal(r))
	return nil
}

func (v *VM) checkedDivOp(f *frame, op Op) *Fault {
	y, x, fault := v.popTwoInts(f)
	if fault != nil {
		return fault
	}
	if y == 0 {
		if op == Idiv {
			return arithmeticFault("division error: y is 0")
		}
		return arithmeticFault("modulus error: y is 0")
	}
	if x == math.MinInt32 && y == -1 {
		if op == Idiv {
			return arithmeticFault("division error")
		}
		return arithmeticFault("modulus error")
	}
	if op == Idiv {
		f.operands.Push(IntVal(x / y))
	} else {
		f.operands.Push(IntVal(x % y))
	}
	return nil
}

func (v *VM) shiftOp(f *frame, op Op) *Fault {
	y, x, fault := v.popTwoInts(f)
	if fault != nil {
		return fault
	}
	if y < 0 || y >= 32 {
		if op == Ishl {
			return arithmeticFault("left shift error")
		}
		return arithmeticFault("right shift error")
	}
	if op == Ishl {
		f.operands.Push(IntVal(x << uint32(y)))
	} else {
		f.operands.Push(IntVal(x >> uint32(y)))
	}
	return nil
}
