package admission

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Rule budget.
const (
	MaxExpressionBytes = 4096
	MaxEvaluationCost  = 10_000
)

// Forbidden in rules: evaluation must depend only on the record.
var nondeterministic = []string{"now(", "timestamp(", "duration("}

var ruleEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("kapsule", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("admission: CEL environment: %v", err))
	}
	return env
}

// Rule is a compiled admission expression over the kapsule variable:
//
//	kapsule.id, kapsule.type, kapsule.version (string, may be empty)
//	kapsule.size (int, bytecode bytes)
//	kapsule.author (hex public key), kapsule.fingerprint
//	kapsule.scheme, kapsule.cid
//
// The expression must be boolean.
type Rule struct {
	expr string
	prg  cel.Program
}

// Compile parses and type checks expr.
func Compile(expr string) (*Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("admission: empty rule")
	}
	if len(expr) > MaxExpressionBytes {
		return nil, fmt.Errorf("admission: rule exceeds %d bytes", MaxExpressionBytes)
	}
	for _, p := range nondeterministic {
		if strings.Contains(expr, p) {
			return nil, fmt.Errorf("admission: rule uses %s)", p)
		}
	}
	ast, issues := ruleEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("admission: compile %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("admission: rule %q has type %s, want bool", expr, ast.OutputType())
	}
	prg, err := ruleEnv.Program(ast,
		cel.CostLimit(MaxEvaluationCost),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("admission: program %q: %w", expr, err)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

// MustCompile is Compile for static rules; it panics on error.
func MustCompile(expr string) *Rule {
	r, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) String() string { return r.expr }

// Eval runs the rule against facts.
func (r *Rule) Eval(facts map[string]any) (bool, error) {
	val, _, err := r.prg.Eval(map[string]any{"kapsule": facts})
	if err != nil {
		return false, err
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("rule returned %T", val.Value())
	}
	return ok, nil
}
