package deterministic

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

// ConditionFunc evaluates a condition expression against the run context.
// Implementations must be side-effect free.
type ConditionFunc func(ctx context.Context, expression string, ec *execution.Context) (bool, error)

// defaultConditionFunc is a small structural evaluator over the run's
// semantic state and inputs. Supported forms:
//
//	""             always true
//	"key"          truthy lookup of key
//	"!key"         negated lookup
//	"key==value"   string equality against the looked-up value
//	"key!=value"   string inequality
//
// Lookup tries the semantic state first, then the run inputs. Richer
// expression languages plug in via WithConditionFunc.
func defaultConditionFunc(_ context.Context, expression string, ec *execution.Context) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return true, nil
	}

	if key, value, found := strings.Cut(expr, "=="); found {
		return lookupString(ec, strings.TrimSpace(key)) == strings.TrimSpace(value), nil
	}
	if key, value, found := strings.Cut(expr, "!="); found {
		return lookupString(ec, strings.TrimSpace(key)) != strings.TrimSpace(value), nil
	}
	if negated, ok := strings.CutPrefix(expr, "!"); ok {
		return !truthy(lookup(ec, strings.TrimSpace(negated))), nil
	}
	return truthy(lookup(ec, expr)), nil
}

func lookup(ec *execution.Context, key string) any {
	if v, ok := ec.SemanticValue(key); ok {
		return v
	}
	if v, ok := ec.Input(key); ok {
		return v
	}
	return nil
}

func lookupString(ec *execution.Context, key string) string {
	v := lookup(ec, key)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
