package builtin

import (
	"testing"
	"time"

	"github.com/nickyhof/rxbind/core"
)

func TestSplitPrecept(t *testing.T) {
	tests := []struct {
		precept string
		field   string
		expr    string
		wantErr bool
	}{
		{"id=serial()", "id", "serial()", false},
		{"flag = price >= 10", "flag", "price >= 10", false},
		{"same=a == b", "same", "a == b", false},
		{"diff=a != b", "diff", "a != b", false},
		{"=1", "", "", true},
		{"field", "", "", true},
	}

	for _, tt := range tests {
		field, expr, err := splitPrecept(tt.precept)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.precept)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: failed to split: %v", tt.precept, err)
		}
		if field != tt.field || expr != tt.expr {
			t.Errorf("%q: expected %q=%q, got %q=%q", tt.precept, tt.field, tt.expr, field, expr)
		}
	}
}

func TestEvaluatorTimestamps(t *testing.T) {
	ev := newEvaluator()
	fixed := time.Unix(1700000000, 0)
	ev.now = func() time.Time { return fixed }

	item := core.Item{"id": 1}
	counters := map[string]int64{"seq": 41}
	fields, err := ev.applyPrecepts(counters, item, []string{"created=now()", "ms=NOW(msec)", "seq=serial()"})
	if err != nil {
		t.Fatalf("Failed to apply precepts: %v", err)
	}
	if item["created"] != fixed.Unix() || item["ms"] != fixed.UnixMilli() {
		t.Errorf("Unexpected timestamps %v", item)
	}
	if item["seq"] != int64(42) || len(fields) != 1 || counters["seq"] != 42 {
		t.Errorf("Expected serial 42, got %v (%v)", item["seq"], fields)
	}

	if _, err := ev.applyPrecepts(counters, item, []string{"x=now(days)"}); err == nil {
		t.Error("Expected error for unknown time unit")
	}
}

func TestEvaluatorExpressions(t *testing.T) {
	ev := newEvaluator()
	item, err := decodeItem([]byte(`{"price": 10, "rate": 1.5, "name": "a", "nested": {"n": 2}}`))
	if err != nil {
		t.Fatalf("Failed to decode item: %v", err)
	}

	tests := []struct {
		expr string
		want any
	}{
		{"price + 1", int64(11)},
		{"rate * 2.0", 3.0},
		{"name + 'b'", "ab"},
		{"item.nested.n * price", int64(20)},
		{"price > 5", true},
	}
	for _, tt := range tests {
		got, err := ev.eval(tt.expr, item)
		if err != nil {
			t.Fatalf("%q: failed to evaluate: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("%q: expected %v, got %v (%T)", tt.expr, tt.want, got, got)
		}
	}

	if _, err := ev.eval("price +", item); err == nil {
		t.Error("Expected compile error")
	}
}
