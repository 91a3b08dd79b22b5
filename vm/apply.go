package vm

// IsGeneric reports whether op only transforms operand-stack values, so that
// ApplyOp can execute it outside the interpreter loop.
func IsGeneric(op Opcode) bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpNot, OpAnd, OpOr,
		OpMakeArray, OpMakeDict, OpIndexGet, OpIndexSet,
		OpFieldGet, OpFieldSet, OpMakeStruct, OpMakeError,
		OpMakeOk, OpMakeErr, OpMakeSome, OpMakeNone,
		OpMakeIterator, OpIterNext, OpIterHasNext, OpSpreadArray:
		return true
	}
	return false
}

// ApplyOp executes a generic instruction of chunk against the operand stack.
// The operand kinds of arithmetic and comparisons are reported to obs when
// it is not nil. On error the stack is left without the instruction's inputs.
func (vm *VM) ApplyOp(chunk *Chunk, ins Instruction, obs TypeObserver) error {
	s := &vm.stack
	switch ins.Op {
	// ============ Arithmetic ============
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		b := s.Pop()
		a := s.Pop()
		if obs != nil {
			obs.Observe(a.kind)
			obs.Observe(b.kind)
		}
		v, err := Arith(ins.Op, a, b)
		if err != nil {
			return err
		}
		s.Push(v)

	case OpNeg:
		a := s.Pop()
		if obs != nil {
			obs.Observe(a.kind)
		}
		v, err := Negate(a)
		if err != nil {
			return err
		}
		s.Push(v)

	// ============ Comparison ============
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		b := s.Pop()
		a := s.Pop()
		if obs != nil {
			obs.Observe(a.kind)
			obs.Observe(b.kind)
		}
		v, err := Compare(ins.Op, a, b)
		if err != nil {
			return err
		}
		s.Push(v)

	// ============ Logical ============
	case OpNot:
		s.Push(Bool(!Truthy(s.Pop())))

	case OpAnd:
		b := s.Pop()
		a := s.Pop()
		s.Push(Bool(Truthy(a) && Truthy(b)))

	case OpOr:
		b := s.Pop()
		a := s.Pop()
		s.Push(Bool(Truthy(a) || Truthy(b)))

	// ============ Collections ============
	case OpMakeArray:
		s.Push(NewArray(s.PopN(ins.A)))

	case OpMakeDict:
		kv := s.PopN(2 * ins.A)
		d := NewDict()
		for i := 0; i < len(kv); i += 2 {
			if kv[i].kind != KindStr {
				return newError(ErrTypeMismatch, "dictionary keys must be Str, got %s", kv[i].Kind())
			}
			d.AsDict().Set(kv[i].AsStr(), kv[i+1])
		}
		s.Push(d)

	case OpIndexGet:
		idx := s.Pop()
		obj := s.Pop()
		v, err := indexGet(obj, idx)
		if err != nil {
			return err
		}
		s.Push(v)

	case OpIndexSet:
		v := s.Pop()
		idx := s.Pop()
		obj := s.Pop()
		return indexSet(obj, idx, v)

	case OpFieldGet:
		obj := s.Pop()
		v, err := fieldGet(obj, chunk.Names[ins.A])
		if err != nil {
			return err
		}
		s.Push(v)

	case OpFieldSet:
		v := s.Pop()
		obj := s.Pop()
		return fieldSet(obj, chunk.Names[ins.A], v)

	case OpMakeStruct:
		kv := s.PopN(2 * ins.B)
		fields := make(map[string]Value, ins.B)
		for i := 0; i < len(kv); i += 2 {
			if kv[i].kind != KindStr {
				return newError(ErrTypeMismatch, "struct field names must be Str, got %s", kv[i].Kind())
			}
			fields[kv[i].AsStr()] = kv[i+1]
		}
		s.Push(NewStruct(chunk.Names[ins.A], fields))

	case OpMakeError:
		msg := s.Pop()
		s.Push(NewError(msg.String()))

	// ============ Tagged Values ============
	case OpMakeOk:
		s.Push(Ok(s.Pop()))

	case OpMakeErr:
		s.Push(Err(s.Pop()))

	case OpMakeSome:
		s.Push(Some(s.Pop()))

	case OpMakeNone:
		s.Push(None)

	// ============ Iteration ============
	case OpMakeIterator:
		it, err := NewIterator(s.Pop())
		if err != nil {
			return err
		}
		s.Push(it)

	case OpIterNext:
		it, err := asIterator(s.Peek())
		if err != nil {
			s.Pop()
			return err
		}
		if v, ok := it.Next(); ok {
			s.Push(Some(v))
		} else {
			s.Push(None)
		}

	case OpIterHasNext:
		it, err := asIterator(s.Peek())
		if err != nil {
			s.Pop()
			return err
		}
		s.Push(Bool(it.HasNext()))

	case OpSpreadArray:
		items, err := spread(s.Pop(), ins.A)
		if err != nil {
			return err
		}
		for _, v := range items {
			s.Push(v)
		}

	default:
		return newError(ErrTypeMismatch, "%s cannot be applied generically", ins.Op)
	}
	return nil
}

func indexGet(obj, idx Value) (Value, error) {
	switch obj.kind {
	case KindArray:
		if idx.kind != KindInt {
			return Null, newError(ErrTypeMismatch, "array index must be Int, got %s", idx.Kind())
		}
		v, ok := obj.AsArray().Get(int(idx.AsInt()))
		if !ok {
			return Null, newError(ErrIndex, "index %d out of range", idx.AsInt())
		}
		return v, nil
	case KindDict:
		if idx.kind != KindStr {
			return Null, newError(ErrTypeMismatch, "dictionary key must be Str, got %s", idx.Kind())
		}
		v, ok := obj.AsDict().Get(idx.AsStr())
		if !ok {
			return Null, nil
		}
		return v, nil
	case KindStr:
		if idx.kind != KindInt {
			return Null, newError(ErrTypeMismatch, "string index must be Int, got %s", idx.Kind())
		}
		r := []rune(obj.AsStr())
		i := idx.AsInt()
		if i < 0 || i >= int64(len(r)) {
			return Null, newError(ErrIndex, "index %d out of range", i)
		}
		return Str(string(r[i])), nil
	}
	return Null, newError(ErrTypeMismatch, "cannot index %s", obj.Kind())
}

func indexSet(obj, idx, v Value) error {
	switch obj.kind {
	case KindArray:
		if idx.kind != KindInt {
			return newError(ErrTypeMismatch, "array index must be Int, got %s", idx.Kind())
		}
		if !obj.AsArray().Set(int(idx.AsInt()), v) {
			return newError(ErrIndex, "index %d out of range", idx.AsInt())
		}
		return nil
	case KindDict:
		if idx.kind != KindStr {
			return newError(ErrTypeMismatch, "dictionary key must be Str, got %s", idx.Kind())
		}
		obj.AsDict().Set(idx.AsStr(), v)
		return nil
	}
	return newError(ErrTypeMismatch, "cannot assign into %s", obj.Kind())
}

func fieldGet(obj Value, name string) (Value, error) {
	switch obj.kind {
	case KindStruct:
		if v, ok := obj.AsStruct().Fields[name]; ok {
			return v, nil
		}
		return Null, newError(ErrField, "%s has no field %s", obj.AsStruct().Name, name)
	case KindDict:
		v, _ := obj.AsDict().Get(name)
		return v, nil
	case KindError:
		if name == "message" {
			return Str(obj.AsError().Message), nil
		}
		if name == "kind" {
			return Str(obj.AsError().Kind.String()), nil
		}
	}
	return Null, newError(ErrField, "%s has no field %s", obj.Kind(), name)
}

func fieldSet(obj Value, name string, v Value) error {
	switch obj.kind {
	case KindStruct:
		s := obj.AsStruct()
		if _, ok := s.Fields[name]; !ok {
			return newError(ErrField, "%s has no field %s", s.Name, name)
		}
		s.Fields[name] = v
		return nil
	case KindDict:
		obj.AsDict().Set(name, v)
		return nil
	}
	return newError(ErrField, "cannot set field %s on %s", name, obj.Kind())
}
