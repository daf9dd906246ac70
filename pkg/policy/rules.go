package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// guardRule is a compiled CEL expression that must evaluate to true for a commit.
type guardRule struct {
	expr string
	prg  cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("gamma", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("cost_estimate", cel.DoubleType),
		cel.Variable("cost_ceiling", cel.DoubleType),
	)
}

func compileRules(exprs []string) ([]guardRule, []error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, []error{fmt.Errorf("create CEL environment: %w", err)}
	}

	var (
		rules []guardRule
		errs  []error
	)
	for _, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			errs = append(errs, fmt.Errorf("compile %q: %w", expr, iss.Err()))
			continue
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			errs = append(errs, fmt.Errorf("rule %q must return bool, got %s", expr, ast.OutputType()))
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			errs = append(errs, fmt.Errorf("program %q: %w", expr, err))
			continue
		}
		rules = append(rules, guardRule{expr: expr, prg: prg})
	}
	return rules, errs
}

// eval fails closed: any evaluation error is reported as false.
func (r guardRule) eval(vars map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned %T", r.expr, out.Value())
	}
	return b, nil
}
