package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// outputEnv is the CEL environment for worker output filters. Expressions see
// a single map variable:
//   - output.stream (string, always "stdout")
//   - output.data   (string, the raw line)
//   - output.json   (map, the decoded object or {} when the line is not one)
var outputEnv *cel.Env

func init() {
	var err error
	outputEnv, err = cel.NewEnv(
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("filter: failed to create CEL output environment: %v", err))
	}
}

// OutputFilter decides which stdout lines of a worker are broadcast.
// A nil *OutputFilter passes everything.
type OutputFilter struct {
	expr string
	prog cel.Program
}

// CompileOutputFilter compiles expr. An empty expression yields a nil filter.
func CompileOutputFilter(expr string) (*OutputFilter, error) {
	if expr == "" {
		return nil, nil
	}
	ast, issues := outputEnv.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("filter compile error: %w", issues.Err())
	}
	switch t := ast.OutputType().String(); t {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", t)
	}
	prog, err := outputEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter program error: %w", err)
	}
	return &OutputFilter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f *OutputFilter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Allow evaluates the filter against one decoded stdout line.
func (f *OutputFilter) Allow(line Decoded[json.RawMessage]) (bool, error) {
	if f == nil {
		return true, nil
	}
	obj := map[string]any{}
	if line.OK {
		var parsed map[string]any
		if json.Unmarshal(line.Value, &parsed) == nil && parsed != nil {
			obj = parsed
		}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"output": map[string]any{
			"stream": "stdout",
			"data":   line.Raw,
			"json":   obj,
		},
	})
	if err != nil {
		return false, fmt.Errorf("filter eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("filter did not evaluate to bool (got %T)", out.Value())
	}
	return ok, nil
}
