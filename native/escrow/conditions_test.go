package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestParseOracleQueryForms(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
		want  oracleQuery
	}{
		{
			value: "pyth:SOL-USD:gte:100",
			ok:    true,
			want:  oracleQuery{source: "pyth", feedID: "SOL-USD", op: "gte", target: 100},
		},
		{
			value: "http:https://api.example.com/price:gt:50:data.price",
			ok:    true,
			want:  oracleQuery{source: "http", feedID: "https://api.example.com/price", op: "gt", target: 50, jsonPath: "data.price"},
		},
		{
			value: "switchboard:feed-1:lt:0.5",
			ok:    true,
			want:  oracleQuery{source: "switchboard", feedID: "feed-1", op: "lt", target: 0.5},
		},
		{value: "pyth:SOL-USD", ok: false},
		{value: "pyth:SOL-USD:between:100", ok: false},
		{value: "pyth:SOL-USD:gte:not-a-number", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseOracleQuery(tc.value)
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v, want %v", tc.value, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.value, got, tc.want)
		}
	}
}

func TestEvaluateEmptyListIsSatisfied(t *testing.T) {
	ev := NewEvaluator(nil)
	if !ev.Evaluate(context.Background(), &Escrow{}, nil) {
		t.Fatalf("empty condition list must be vacuously true")
	}
}

func TestEvaluateShortCircuits(t *testing.T) {
	ev := NewEvaluator(nil)
	calls := 0
	ev.RegisterCustom("count", func(context.Context, *Escrow, string) (bool, error) {
		calls++
		return true, nil
	})
	conds := []Condition{
		{Type: ConditionCustom, Value: "always_false"},
		{Type: ConditionCustom, Value: "count"},
	}
	if ev.Evaluate(context.Background(), &Escrow{}, conds) {
		t.Fatalf("false condition must fail the list")
	}
	if calls != 0 {
		t.Fatalf("evaluation did not short-circuit")
	}
}

func TestTimeCondition(t *testing.T) {
	ev := NewEvaluator(nil)
	now := int64(1_700_000_000_000)
	ev.SetNowFunc(func() int64 { return now })

	future := []Condition{{Type: ConditionTime, Value: "1700000001000"}}
	if ev.Evaluate(context.Background(), &Escrow{}, future) {
		t.Fatalf("future timestamp must not be met")
	}
	now = 1_700_000_001_000
	if !ev.Evaluate(context.Background(), &Escrow{}, future) {
		t.Fatalf("reached timestamp must be met")
	}
}

func TestSignatureConditionChecksTxLog(t *testing.T) {
	ev := NewEvaluator(nil)
	esc := &Escrow{TxSignatures: []string{"sig-abc"}}
	present := []Condition{{Type: ConditionSignature, Value: "sig-abc"}}
	absent := []Condition{{Type: ConditionSignature, Value: "sig-xyz"}}
	if !ev.Evaluate(context.Background(), esc, present) {
		t.Fatalf("recorded signature must satisfy the condition")
	}
	if ev.Evaluate(context.Background(), esc, absent) {
		t.Fatalf("unknown signature must not satisfy the condition")
	}
}

func TestOracleFetchFailureEvaluatesFalse(t *testing.T) {
	ev := NewEvaluator(&mockOracle{err: errors.New("timeout")})
	conds := []Condition{{Type: ConditionOracle, Value: "pyth:SOL-USD:gt:100"}}
	if ev.Evaluate(context.Background(), &Escrow{}, conds) {
		t.Fatalf("fetch failure must evaluate false")
	}
}

func TestOracleEqUsesEpsilon(t *testing.T) {
	ev := NewEvaluator(&mockOracle{values: map[string]float64{"pyth/SOL-USD": 100.0000001}})
	conds := []Condition{{Type: ConditionOracle, Value: "pyth:SOL-USD:eq:100"}}
	if !ev.Evaluate(context.Background(), &Escrow{}, conds) {
		t.Fatalf("eq within 1e-6 must be met")
	}
	ev = NewEvaluator(&mockOracle{values: map[string]float64{"pyth/SOL-USD": 100.1}})
	if ev.Evaluate(context.Background(), &Escrow{}, conds) {
		t.Fatalf("eq outside 1e-6 must not be met")
	}
}

func TestMalformedConditionsEvaluateFalse(t *testing.T) {
	ev := NewEvaluator(&mockOracle{values: map[string]float64{}})
	cases := []Condition{
		{Type: ConditionTime, Value: "not-a-timestamp"},
		{Type: ConditionOracle, Value: "garbage"},
		{Type: ConditionCustom, Value: "unregistered"},
		{Type: ConditionCustom, Value: "time_window:abc:def"},
		{Type: "unknown", Value: "x"},
	}
	for _, cond := range cases {
		if ev.Evaluate(context.Background(), &Escrow{}, []Condition{cond}) {
			t.Fatalf("%s/%s: malformed condition evaluated true", cond.Type, cond.Value)
		}
	}
}

func TestCustomHandlerErrorEvaluatesFalse(t *testing.T) {
	ev := NewEvaluator(nil)
	ev.RegisterCustom("boom", func(context.Context, *Escrow, string) (bool, error) {
		return true, errors.New("handler blew up")
	})
	conds := []Condition{{Type: ConditionCustom, Value: "boom"}}
	if ev.Evaluate(context.Background(), &Escrow{}, conds) {
		t.Fatalf("handler error must evaluate false")
	}
}

func TestBuiltinTimeWindowAndMinAge(t *testing.T) {
	ev := NewEvaluator(nil)
	now := int64(5_000)
	ev.SetNowFunc(func() int64 { return now })
	esc := &Escrow{CreatedAt: 1_000}

	window := []Condition{{Type: ConditionCustom, Value: "time_window:4000:6000"}}
	if !ev.Evaluate(context.Background(), esc, window) {
		t.Fatalf("inside window must be met")
	}
	now = 7_000
	if ev.Evaluate(context.Background(), esc, window) {
		t.Fatalf("outside window must not be met")
	}

	age := []Condition{{Type: ConditionCustom, Value: "min_age:5000"}}
	now = 5_500
	if ev.Evaluate(context.Background(), esc, age) {
		t.Fatalf("age 4500 < 5000 must not be met")
	}
	now = 6_000
	if !ev.Evaluate(context.Background(), esc, age) {
		t.Fatalf("age 5000 must be met")
	}
}
