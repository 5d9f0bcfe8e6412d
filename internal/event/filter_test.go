package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func filterEvent() *Event {
	return &Event{
		ID:        "e1",
		Type:      "order.created",
		Source:    "Actor:A1",
		Context:   "Context:billing",
		Priority:  PriorityHigh,
		Timestamp: time.Now(),
		Metadata:  Metadata{Version: "1.2.0", Classification: "internal"},
		Payload: map[string]any{
			"total":  250.5,
			"region": "eu-west",
			"order": map[string]any{
				"lines": 3,
			},
		},
	}
}

func TestFilterEvaluate(t *testing.T) {
	ev := filterEvent()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"equals type", Filter{Field: "type", Operator: OpEquals, Value: "order.created"}, true},
		{"equals mismatch", Filter{Field: "type", Operator: OpEquals, Value: "order.updated"}, false},
		{"contains", Filter{Field: "payload.region", Operator: OpContains, Value: "west"}, true},
		{"matches regex", Filter{Field: "metadata.version", Operator: OpMatches, Value: `^1\.\d+\.\d+$`}, true},
		{"matches bad regex", Filter{Field: "metadata.version", Operator: OpMatches, Value: `([`}, false},
		{"gt", Filter{Field: "payload.total", Operator: OpGT, Value: 100}, true},
		{"gt false", Filter{Field: "payload.total", Operator: OpGT, Value: 1000}, false},
		{"lt", Filter{Field: "payload.total", Operator: OpLT, Value: 1000}, true},
		{"gte boundary", Filter{Field: "payload.total", Operator: OpGTE, Value: 250.5}, true},
		{"lte boundary", Filter{Field: "payload.total", Operator: OpLTE, Value: 250.5}, true},
		{"nested path", Filter{Field: "payload.order.lines", Operator: OpEquals, Value: 3}, true},
		{"in", Filter{Field: "payload.region", Operator: OpIn, Value: []any{"us-east", "eu-west"}}, true},
		{"in string slice", Filter{Field: "payload.region", Operator: OpIn, Value: []string{"eu-west"}}, true},
		{"not_in", Filter{Field: "payload.region", Operator: OpNotIn, Value: []any{"us-east"}}, true},
		{"not_in member", Filter{Field: "payload.region", Operator: OpNotIn, Value: []any{"eu-west"}}, false},
		{"priority string form", Filter{Field: "priority", Operator: OpEquals, Value: "high"}, true},
		{"unknown field", Filter{Field: "payload.missing", Operator: OpEquals, Value: 1}, false},
		{"unknown root", Filter{Field: "bogus", Operator: OpEquals, Value: 1}, false},
		{"unknown operator", Filter{Field: "type", Operator: "between", Value: 1}, false},
		{"numeric compare on string", Filter{Field: "payload.region", Operator: OpGT, Value: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Evaluate(ev))
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityCritical)
	assert.True(t, PriorityCritical < PriorityEmergency)
	assert.Equal(t, "emergency", PriorityEmergency.String())
}

func TestEventClone(t *testing.T) {
	ev := filterEvent()
	cp := ev.clone()

	cp.Payload["total"] = 1.0
	cp.Metadata.Tags = append(cp.Metadata.Tags, "x")

	assert.Equal(t, 250.5, ev.Payload["total"])
	assert.Empty(t, ev.Metadata.Tags)
}
