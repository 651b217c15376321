package builtin

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// evaluator computes precepts and update expressions. Expressions are CEL
// programs that see the whole item as `item` and every top-level field
// whose name is a valid identifier as a variable of its own.
type evaluator struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
	now      func() time.Time
}

func newEvaluator() *evaluator {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("item", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create expression environment: %v", err))
	}
	return &evaluator{env: env, now: time.Now}
}

// splitPrecept splits "field=expr" on its assignment
func splitPrecept(precept string) (string, string, error) {
	for i := 0; i < len(precept); i++ {
		if precept[i] != '=' {
			continue
		}
		if i+1 < len(precept) && precept[i+1] == '=' {
			i++
			continue
		}
		if i > 0 && strings.ContainsRune("!<>", rune(precept[i-1])) {
			continue
		}
		field := strings.TrimSpace(precept[:i])
		expr := strings.TrimSpace(precept[i+1:])
		if field == "" || expr == "" {
			break
		}
		return field, expr, nil
	}
	return "", "", api.Errorf(api.ErrParams, "Invalid precept '%s', expected 'field=expression'", precept)
}

// applyPrecepts evaluates each precept against the item and stores the
// result in it. Serial counters advance as they are used.
func (ev *evaluator) applyPrecepts(counters map[string]int64, item core.Item, precepts []string) ([]string, error) {
	var serials []string
	for _, precept := range precepts {
		field, expr, err := splitPrecept(precept)
		if err != nil {
			return nil, err
		}

		switch fn := strings.ToLower(strings.ReplaceAll(expr, " ", "")); {
		case fn == "serial()":
			counters[field]++
			setField(item, field, counters[field])
			if !slices.Contains(serials, field) {
				serials = append(serials, field)
			}
		case strings.HasPrefix(fn, "now(") && strings.HasSuffix(fn, ")"):
			v, err := ev.timestamp(strings.TrimSuffix(strings.TrimPrefix(fn, "now("), ")"))
			if err != nil {
				return nil, err
			}
			setField(item, field, v)
		default:
			v, err := ev.eval(expr, item)
			if err != nil {
				return nil, err
			}
			setField(item, field, v)
		}
	}
	return serials, nil
}

func (ev *evaluator) timestamp(unit string) (int64, error) {
	now := ev.now()
	switch unit {
	case "", "sec":
		return now.Unix(), nil
	case "msec":
		return now.UnixMilli(), nil
	case "usec":
		return now.UnixMicro(), nil
	case "nsec":
		return now.UnixNano(), nil
	}
	return 0, api.Errorf(api.ErrParams, "Unknown time unit '%s' in now()", unit)
}

// eval runs a CEL expression against an item
func (ev *evaluator) eval(expr string, item core.Item) (any, error) {
	vars := map[string]any{"item": celValue(map[string]any(item))}
	var names []string
	for k, v := range item {
		if k != "item" && isIdentifier(k) {
			vars[k] = celValue(v)
			names = append(names, k)
		}
	}
	slices.Sort(names)

	prg, err := ev.program(expr, names)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, api.Errorf(api.ErrParams, "Failed to evaluate '%s': %v", expr, err)
	}
	return nativeValue(out)
}

func (ev *evaluator) program(expr string, names []string) (cel.Program, error) {
	key := strings.Join(names, ",") + "|" + expr
	if val, ok := ev.prgCache.Load(key); ok {
		return val.(cel.Program), nil
	}

	env := ev.env
	if len(names) > 0 {
		vars := make([]cel.EnvOption, 0, len(names))
		for _, name := range names {
			vars = append(vars, cel.Variable(name, cel.DynType))
		}
		extended, err := env.Extend(vars...)
		if err != nil {
			return nil, api.Errorf(api.ErrParams, "Failed to declare fields for '%s': %v", expr, err)
		}
		env = extended
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, api.Errorf(api.ErrParseDSL, "Failed to compile '%s': %s", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, api.Errorf(api.ErrParseDSL, "Failed to build program for '%s': %v", expr, err)
	}
	ev.prgCache.Store(key, prg)
	return prg, nil
}

// celValue converts decoded JSON into values CEL can operate on: integral
// numbers become int64 and the rest float64.
func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = celValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = celValue(e)
		}
		return out
	case int:
		return int64(t)
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	}
	return v
}

func nativeValue(v ref.Val) (any, error) {
	switch v.Type() {
	case types.NullType:
		return nil, nil
	case types.ListType:
		return v.ConvertToNative(reflect.TypeOf([]any{}))
	case types.MapType:
		return v.ConvertToNative(reflect.TypeOf(map[string]any{}))
	}
	return v.Value(), nil
}

var reservedWords = []string{
	"true", "false", "null", "in", "as", "break", "const", "continue", "else",
	"for", "function", "if", "import", "let", "loop", "package", "namespace",
	"return", "var", "void", "while",
}

func isIdentifier(name string) bool {
	if name == "" || slices.Contains(reservedWords, name) {
		return false
	}
	for i, r := range name {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}
