package schema

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Validator checks a single normalized, non-nil attribute value.
type Validator interface {
	Validate(attribute string, value interface{}) error
}

type ValidatorFunc func(attribute string, value interface{}) error

func (f ValidatorFunc) Validate(attribute string, value interface{}) error {
	return f(attribute, value)
}

// OneOf accepts only the listed string values.
func OneOf(allowed ...string) Validator {
	return ValidatorFunc(func(attr string, v interface{}) error {
		s, _ := v.(string)
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return violation(attr, "%s must be one of [%s], got %q", attr, strings.Join(allowed, ", "), s)
	})
}

// IntRange accepts INT values in [min, max].
func IntRange(min, max int64) Validator {
	return ValidatorFunc(func(attr string, v interface{}) error {
		n, _ := v.(int64)
		if n < min || n > max {
			return violation(attr, "%s must be in [%d, %d], got %d", attr, min, max, n)
		}
		return nil
	})
}

// celRule is a compiled boolean CEL expression over the variable "self".
type celRule struct {
	expr    string
	message string
	program cel.Program
}

// CELRule compiles expr, which must evaluate to bool with the value bound to "self".
// message is reported when the rule evaluates to false.
func CELRule(expr, message string) (Validator, error) {
	env, err := cel.NewEnv(cel.Variable("self", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &celRule{expr: expr, message: message, program: prg}, nil
}

func MustCELRule(expr, message string) Validator {
	v, err := CELRule(expr, message)
	if err != nil {
		panic(err)
	}
	return v
}

func (r *celRule) Validate(attr string, v interface{}) error {
	out, _, err := r.program.Eval(map[string]interface{}{"self": v})
	if err != nil {
		return violation(attr, "%s: evaluating %q: %v", attr, r.expr, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return violation(attr, "%s: rule %q did not return bool", attr, r.expr)
	}
	if !ok {
		msg := r.message
		if msg == "" {
			msg = "failed rule " + r.expr
		}
		return violation(attr, "%s: %s", attr, msg)
	}
	return nil
}
