package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Library registration
// ---------------------------------------------------------------------------

// Library opens a library in g and returns its value, usually a table.
type Library func(g *State) Value

var loadedLibs = []struct {
	name string
	open Library
}{
	{"_G", openBase},
	{"coroutine", openCoroutine},
}

const (
	loadedKey  = String("_LOADED")
	preloadKey = String("_PRELOAD")
)

// OpenLibraries opens the standard libraries into g's globals and records
// them as loaded modules.
func OpenLibraries(g *State) {
	loaded := g.subTable(loadedKey)
	for _, lib := range loadedLibs {
		v := lib.open(g)
		loaded.SetStr(String(lib.name), v)
		if lib.name != "_G" {
			g.SetGlobal(lib.name, v)
		}
	}
}

// Preload registers open as the loader of module name. require calls it the
// first time the module is required.
func (g *State) Preload(name string, open Library) {
	g.subTable(preloadKey).SetStr(String(name), NewGoFunction(name, func(t *Thread, args []Value) ([]Value, error) {
		return []Value{open(t.g)}, nil
	}))
}

func (g *State) subTable(key String) *Table {
	if tbl, ok := g.registry.GetStr(key).(*Table); ok {
		return tbl
	}
	tbl := NewTable(0, 4)
	g.registry.SetStr(key, tbl)
	return tbl
}

// ---------------------------------------------------------------------------
// Base library
// ---------------------------------------------------------------------------

func openBase(g *State) Value {
	for name, fn := range map[string]GoFunc{
		"assert":         baseAssert,
		"collectgarbage": baseCollectGarbage,
		"error":          baseError,
		"getmetatable":   baseGetMetatable,
		"ipairs":         baseIPairs,
		"next":           baseNext,
		"pairs":          basePairs,
		"pcall":          basePCall,
		"print":          basePrint,
		"rawequal":       baseRawEqual,
		"rawget":         baseRawGet,
		"rawlen":         baseRawLen,
		"rawset":         baseRawSet,
		"require":        baseRequire,
		"select":         baseSelect,
		"setmetatable":   baseSetMetatable,
		"tonumber":       baseToNumber,
		"tostring":       baseToString,
		"type":           baseType,
		"xpcall":         baseXPCall,
	} {
		g.Register(name, fn)
	}
	g.SetGlobal("_G", g.globals)
	g.SetGlobal("_VERSION", String("Lua 5.4"))
	return g.globals
}

func basePrint(t *Thread, args []Value) ([]Value, error) {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(t.tostring(a))
	}
	b.WriteByte('\n')
	_, err := fmt.Fprint(t.g.opts.Stdout, b.String())
	return nil, err
}

func baseType(t *Thread, args []Value) ([]Value, error) {
	v, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	return []Value{String(TypeOf(v).String())}, nil
}

func baseToString(t *Thread, args []Value) ([]Value, error) {
	v, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	return []Value{String(t.tostring(v))}, nil
}

func baseToNumber(t *Thread, args []Value) ([]Value, error) {
	if len(args) < 2 || args[1] == nil {
		v, err := t.CheckAny(args, 1)
		if err != nil {
			return nil, err
		}
		if n, ok := ToNumber(v); ok {
			return []Value{n}, nil
		}
		return []Value{nil}, nil
	}
	base, err := t.CheckInteger(args, 2)
	if err != nil {
		return nil, err
	}
	s, ok := args[0].(String)
	if !ok {
		return nil, t.typeArgError(args, 1, "string")
	}
	if base < 2 || base > 36 {
		return nil, t.ArgError(2, "base out of range")
	}
	if n, ok := parseBase(string(s), int(base)); ok {
		return []Value{Int(n)}, nil
	}
	return []Value{nil}, nil
}

// parseBase converts an integer numeral in the given base, with optional
// surrounding whitespace and a leading minus. Overflow wraps around.
func parseBase(s string, base int) (int64, bool) {
	s = strings.TrimFunc(s, func(r rune) bool { return r < 0x80 && isSpace(byte(r)) })
	neg := false
	if strings.HasPrefix(s, "-") {
		neg, s = true, s[1:]
	}
	if s == "" {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'z':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'Z':
			d = int(c-'A') + 10
		default:
			return 0, false
		}
		if d >= base {
			return 0, false
		}
		n = n*uint64(base) + uint64(d)
	}
	if neg {
		n = -n
	}
	return int64(n), true
}

func baseRawEqual(t *Thread, args []Value) ([]Value, error) {
	if len(args) < 2 {
		return nil, t.ArgError(len(args)+1, "value expected")
	}
	return []Value{Bool(RawEqual(args[0], args[1]))}, nil
}

func baseRawLen(t *Thread, args []Value) ([]Value, error) {
	if len(args) > 0 {
		switch v := args[0].(type) {
		case *Table:
			return []Value{Int(v.Length())}, nil
		case String:
			return []Value{Int(len(v))}, nil
		}
	}
	return nil, t.ArgError(1, "table or string expected")
}

func baseRawGet(t *Thread, args []Value) ([]Value, error) {
	tbl, err := t.CheckTable(args, 1)
	if err != nil {
		return nil, err
	}
	key, err := t.CheckAny(args, 2)
	if err != nil {
		return nil, err
	}
	return []Value{tbl.Get(key)}, nil
}

func baseRawSet(t *Thread, args []Value) ([]Value, error) {
	tbl, err := t.CheckTable(args, 1)
	if err != nil {
		return nil, err
	}
	if len(args) < 3 {
		return nil, t.ArgError(len(args)+1, "value expected")
	}
	t.rawSet(tbl, args[1], args[2])
	return []Value{tbl}, nil
}

func baseGetMetatable(t *Thread, args []Value) ([]Value, error) {
	v, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	mt := t.g.Metatable(v)
	if mt == nil {
		return []Value{nil}, nil
	}
	if protected := mt.GetStr("__metatable"); protected != nil {
		return []Value{protected}, nil
	}
	return []Value{mt}, nil
}

func baseSetMetatable(t *Thread, args []Value) ([]Value, error) {
	tbl, err := t.CheckTable(args, 1)
	if err != nil {
		return nil, err
	}
	var mt *Table
	if len(args) >= 2 {
		switch m := args[1].(type) {
		case nil:
		case *Table:
			mt = m
		default:
			return nil, t.typeArgError(args, 2, "nil or table")
		}
	} else {
		return nil, t.typeArgError(args, 2, "nil or table")
	}
	if tbl.meta != nil && tbl.meta.GetStr("__metatable") != nil {
		return nil, t.Errorf("cannot change a protected metatable")
	}
	tbl.SetMetatable(mt)
	if mt != nil {
		t.g.gc.BarrierBack(tbl)
	}
	return []Value{tbl}, nil
}

func baseNext(t *Thread, args []Value) ([]Value, error) {
	tbl, err := t.CheckTable(args, 1)
	if err != nil {
		return nil, err
	}
	var key Value
	if len(args) > 1 {
		key = args[1]
	}
	k, v, err := tbl.Next(key)
	if err != nil {
		if errors.Is(err, ErrInvalidNextKey) {
			return nil, t.Errorf("invalid key to 'next'")
		}
		return nil, err
	}
	if k == nil {
		return []Value{nil}, nil
	}
	return []Value{k, v}, nil
}

var nextFunction = NewGoFunction("next", baseNext)

func basePairs(t *Thread, args []Value) ([]Value, error) {
	v, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	if mt := t.g.Metatable(v); mt != nil {
		if tm := mt.GetStr("__pairs"); tm != nil {
			return t.invoke(tm, 3, v), nil
		}
	}
	return []Value{nextFunction, v, nil}, nil
}

var ipairsIterator = NewGoFunction("ipairs_iterator", func(t *Thread, args []Value) ([]Value, error) {
	i, err := t.CheckInteger(args, 2)
	if err != nil {
		return nil, err
	}
	i++
	v := t.index(args[0], Int(i), noOperand)
	if v == nil {
		return []Value{nil}, nil
	}
	return []Value{Int(i), v}, nil
})

func baseIPairs(t *Thread, args []Value) ([]Value, error) {
	v, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	return []Value{ipairsIterator, v, Int(0)}, nil
}

func baseSelect(t *Thread, args []Value) ([]Value, error) {
	n := len(args) - 1
	if len(args) > 0 {
		if s, ok := args[0].(String); ok && s == "#" {
			return []Value{Int(n)}, nil
		}
	}
	i, err := t.CheckInteger(args, 1)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		i = int64(n) + i
	} else if i > int64(n) {
		i = int64(n)
	} else {
		i--
	}
	if i < 0 {
		return nil, t.ArgError(1, "index out of range")
	}
	return args[1+i:], nil
}

func baseError(t *Thread, args []Value) ([]Value, error) {
	var v Value
	if len(args) > 0 {
		v = args[0]
	}
	level, err := t.OptInteger(args, 2, 1)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(String); ok && level > 0 {
		v = String(t.where(int(level))) + s
	}
	return nil, &Error{Kind: KindRuntime, Value: v}
}

func baseAssert(t *Thread, args []Value) ([]Value, error) {
	if len(args) == 0 {
		return nil, t.ArgError(1, "value expected")
	}
	if !IsFalse(args[0]) {
		return args, nil
	}
	if len(args) < 2 {
		return nil, &Error{Kind: KindRuntime, Value: String("assertion failed!")}
	}
	return nil, &Error{Kind: KindRuntime, Value: args[1]}
}

// finishPCall turns the outcome of a protected call into pcall's results.
// Interrupts are not catchable by scripts and keep propagating.
func finishPCall(results []Value, err error) ([]Value, error) {
	if err != nil {
		e, ok := AsError(err)
		if !ok || e.Kind == KindInterrupt {
			return nil, err
		}
		return []Value{Bool(false), e.Value}, nil
	}
	return append([]Value{Bool(true)}, results...), nil
}

func basePCall(t *Thread, args []Value) ([]Value, error) {
	fn, err := t.CheckAny(args, 1)
	if err != nil {
		return nil, err
	}
	return finishPCall(t.PCall(fn, nil, args[1:]...))
}

func baseXPCall(t *Thread, args []Value) ([]Value, error) {
	if len(args) < 2 {
		return nil, t.ArgError(2, "value expected")
	}
	return finishPCall(t.PCall(args[0], args[1], args[2:]...))
}

func baseCollectGarbage(t *Thread, args []Value) ([]Value, error) {
	opt := "collect"
	if len(args) > 0 && args[0] != nil {
		s, err := t.CheckString(args, 1)
		if err != nil {
			return nil, err
		}
		opt = s
	}
	stepper, _ := t.g.gc.(Stepper)
	switch opt {
	case "collect":
		if stepper != nil {
			stepper.FullCycle(t)
		}
		return []Value{Int(0)}, nil
	case "step":
		done := false
		if stepper != nil {
			done = stepper.Step(t)
		}
		return []Value{Bool(done)}, nil
	case "count":
		return []Value{Float(float64(MemoryInUse()) / 1024)}, nil
	case "isrunning":
		return []Value{Bool(true)}, nil
	case "incremental", "generational":
		return []Value{String("incremental")}, nil
	case "stop", "restart":
		return []Value{Int(0)}, nil
	}
	return nil, t.ArgError(1, fmt.Sprintf("invalid option '%s'", opt))
}

func baseRequire(t *Thread, args []Value) ([]Value, error) {
	name, err := t.CheckString(args, 1)
	if err != nil {
		return nil, err
	}
	loaded := t.g.subTable(loadedKey)
	if v := loaded.GetStr(String(name)); v != nil {
		return []Value{v}, nil
	}
	loader := t.g.subTable(preloadKey).GetStr(String(name))
	if loader == nil {
		return nil, t.Errorf("module '%s' not found:\n\tno field package.preload['%s']", name, name)
	}
	res := t.invoke(loader, 1, String(name), String(":preload:"))
	v := res[0]
	if v == nil {
		v = Bool(true)
	}
	loaded.SetStr(String(name), v)
	return []Value{v, String(":preload:")}, nil
}
