package scripting

import (
	"fmt"
	"math"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Formula variables: d dollars, b blue chips, r red chips, g green chips.
var formulaVars = map[string]bool{
	"d": true,
	"b": true,
	"r": true,
	"g": true,
}

// Helper functions available inside a formula.
var formulaFuncs = map[string]bool{
	"abs":   true,
	"float": true,
	"int":   true,
	"max":   true,
	"min":   true,
	"pow":   true,
	"round": true,
}

// Formula is one compiled scoring expression. Identifiers are checked at
// compile time against the variable and helper whitelists, so a bad formula
// fails when the parameter file loads, not in round twelve.
type Formula struct {
	src string

	mu sync.Mutex // the Lua state is not goroutine safe
	vm *lua.LState
	fn *lua.LFunction
}

// CompileFormula parses src as a single Lua expression over d, b, r, g and
// the arithmetic helpers, and compiles it into a sandboxed state with no
// standard libraries loaded.
func CompileFormula(src string) (*Formula, error) {
	chunk, err := parse.Parse(strings.NewReader("return "+src), "formula")
	if err != nil {
		return nil, fmt.Errorf("scripting: parse formula %q: %w", src, err)
	}
	if len(chunk) != 1 {
		return nil, fmt.Errorf("scripting: formula %q must be a single expression", src)
	}
	ret, ok := chunk[0].(*ast.ReturnStmt)
	if !ok || len(ret.Exprs) != 1 {
		return nil, fmt.Errorf("scripting: formula %q must be a single expression", src)
	}
	if err := checkExpr(ret.Exprs[0]); err != nil {
		return nil, fmt.Errorf("scripting: formula %q: %w", src, err)
	}

	proto, err := lua.Compile(chunk, "formula")
	if err != nil {
		return nil, fmt.Errorf("scripting: compile formula %q: %w", src, err)
	}

	vm := lua.NewState(lua.Options{SkipOpenLibs: true})
	registerHelpers(vm)

	return &Formula{
		src: src,
		vm:  vm,
		fn:  vm.NewFunctionFromProto(proto),
	}, nil
}

func (f *Formula) Source() string { return f.src }

// Eval computes the formula for one seat's holdings.
func (f *Formula) Eval(d float64, b, r, g int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vm.SetGlobal("d", lua.LNumber(d))
	f.vm.SetGlobal("b", lua.LNumber(b))
	f.vm.SetGlobal("r", lua.LNumber(r))
	f.vm.SetGlobal("g", lua.LNumber(g))

	if err := f.vm.CallByParam(lua.P{
		Fn:      f.fn,
		NRet:    1,
		Protect: true,
	}); err != nil {
		return 0, fmt.Errorf("scripting: eval formula %q: %w", f.src, err)
	}

	ret := f.vm.Get(-1)
	f.vm.Pop(1)
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("scripting: formula %q returned %s, want number", f.src, ret.Type())
	}
	return float64(n), nil
}

func (f *Formula) Close() {
	f.vm.Close()
}

// checkExpr walks the expression tree and rejects anything outside plain
// arithmetic over the whitelisted names.
func checkExpr(e ast.Expr) error {
	switch x := e.(type) {
	case *ast.NumberExpr, *ast.TrueExpr, *ast.FalseExpr, *ast.NilExpr:
		return nil
	case *ast.IdentExpr:
		if !formulaVars[x.Value] && !formulaFuncs[x.Value] {
			return fmt.Errorf("unknown identifier %q", x.Value)
		}
		return nil
	case *ast.ArithmeticOpExpr:
		if err := checkExpr(x.Lhs); err != nil {
			return err
		}
		return checkExpr(x.Rhs)
	case *ast.RelationalOpExpr:
		if err := checkExpr(x.Lhs); err != nil {
			return err
		}
		return checkExpr(x.Rhs)
	case *ast.LogicalOpExpr:
		if err := checkExpr(x.Lhs); err != nil {
			return err
		}
		return checkExpr(x.Rhs)
	case *ast.UnaryMinusOpExpr:
		return checkExpr(x.Expr)
	case *ast.UnaryNotOpExpr:
		return checkExpr(x.Expr)
	case *ast.FuncCallExpr:
		if x.Method != "" || x.Receiver != nil {
			return fmt.Errorf("method calls are not allowed")
		}
		ident, ok := x.Func.(*ast.IdentExpr)
		if !ok {
			return fmt.Errorf("only named helper calls are allowed")
		}
		if !formulaFuncs[ident.Value] {
			return fmt.Errorf("unknown function %q", ident.Value)
		}
		for _, arg := range x.Args {
			if err := checkExpr(arg); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("construct %T is not allowed in a formula", e)
	}
}

func registerHelpers(vm *lua.LState) {
	unary := func(f func(float64) float64) *lua.LFunction {
		return vm.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LNumber(f(float64(L.CheckNumber(1)))))
			return 1
		})
	}

	vm.SetGlobal("abs", unary(math.Abs))
	vm.SetGlobal("float", unary(func(v float64) float64 { return v }))
	vm.SetGlobal("int", unary(math.Trunc))
	vm.SetGlobal("round", unary(math.Round))

	vm.SetGlobal("pow", vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(math.Pow(float64(L.CheckNumber(1)), float64(L.CheckNumber(2)))))
		return 1
	}))
	vm.SetGlobal("max", vm.NewFunction(func(L *lua.LState) int {
		v := float64(L.CheckNumber(1))
		for i := 2; i <= L.GetTop(); i++ {
			v = math.Max(v, float64(L.CheckNumber(i)))
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	vm.SetGlobal("min", vm.NewFunction(func(L *lua.LState) int {
		v := float64(L.CheckNumber(1))
		for i := 2; i <= L.GetTop(); i++ {
			v = math.Min(v, float64(L.CheckNumber(i)))
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
}
