package event

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FilterOperator names a comparison applied by a subscription filter.
type FilterOperator string

const (
	OpEquals   FilterOperator = "equals"
	OpContains FilterOperator = "contains"
	OpMatches  FilterOperator = "matches"
	OpGT       FilterOperator = "gt"
	OpLT       FilterOperator = "lt"
	OpGTE      FilterOperator = "gte"
	OpLTE      FilterOperator = "lte"
	OpIn       FilterOperator = "in"
	OpNotIn    FilterOperator = "not_in"
)

// Filter is a single field predicate. A subscription's filters are
// AND-combined: every filter must pass for the event to be delivered.
type Filter struct {
	// Field is a dot path into the event, e.g. "type", "metadata.version"
	// or "payload.order.total".
	Field string `json:"field"`

	Operator FilterOperator `json:"operator"`

	Value any `json:"value"`
}

// Evaluate applies the filter to the event. Unknown fields and unsupported
// operators evaluate to false rather than erroring; a filter that cannot be
// resolved must not deliver.
func (f Filter) Evaluate(ev *Event) bool {
	val, ok := fieldValue(ev, f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEquals:
		return equalValues(val, f.Value)
	case OpContains:
		return strings.Contains(stringify(val), stringify(f.Value))
	case OpMatches:
		re, err := regexp.Compile(stringify(f.Value))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(val))
	case OpGT, OpLT, OpGTE, OpLTE:
		a, aok := toFloat(val)
		b, bok := toFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Operator {
		case OpGT:
			return a > b
		case OpLT:
			return a < b
		case OpGTE:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		return memberOf(val, f.Value)
	case OpNotIn:
		return !memberOf(val, f.Value)
	default:
		return false
	}
}

// fieldValue resolves a dot path against the event. Top-level names map to
// the event's fields; "metadata.*" addresses metadata; "payload.*" walks the
// payload map.
func fieldValue(ev *Event, path string) (any, bool) {
	segments := strings.Split(path, ".")
	switch segments[0] {
	case "id":
		return ev.ID, true
	case "type":
		return ev.Type, true
	case "source":
		return ev.Source, true
	case "target":
		return ev.Target, true
	case "context":
		return ev.Context, true
	case "intent":
		return ev.Intent, true
	case "priority":
		return ev.Priority.String(), true
	case "correlationId", "correlation_id":
		return ev.CorrelationID, true
	case "causationId", "causation_id":
		return ev.CausationID, true
	case "timestamp":
		return ev.Timestamp, true
	case "metadata":
		if len(segments) != 2 {
			return nil, false
		}
		switch segments[1] {
		case "version":
			return ev.Metadata.Version, true
		case "format":
			return ev.Metadata.Format, true
		case "classification":
			return ev.Metadata.Classification, true
		case "tags":
			return ev.Metadata.Tags, true
		}
		return nil, false
	case "payload":
		return walkMap(ev.Payload, segments[1:])
	default:
		return nil, false
	}
}

func walkMap(m map[string]any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return m, m != nil
	}
	cur := any(m)
	for _, seg := range segments {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func memberOf(val, set any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if equalValues(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if equalValues(val, item) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case []string:
		return strings.Join(s, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}
