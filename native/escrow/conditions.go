package escrow

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// evaluationBudget caps the total time spent evaluating one condition list,
// including oracle fetches.
const evaluationBudget = 30 * time.Second

// OracleRouter resolves an oracle feed value. Implementations live in the
// oracles subpackage; the evaluator only needs the numeric result.
type OracleRouter interface {
	FetchValue(ctx context.Context, source, feedID, jsonPath string) (float64, error)
}

// CustomFunc evaluates a registered custom condition. arg carries everything
// after the evaluator name in the condition value.
type CustomFunc func(ctx context.Context, esc *Escrow, arg string) (bool, error)

// Evaluator decides whether a condition list is satisfied. All conditions
// must hold; an empty list is vacuously satisfied.
type Evaluator struct {
	oracle OracleRouter
	custom map[string]CustomFunc
	nowFn  func() int64
}

// NewEvaluator constructs an evaluator with the builtin custom conditions
// registered. oracle may be nil, in which case oracle conditions evaluate
// false.
func NewEvaluator(oracle OracleRouter) *Evaluator {
	ev := &Evaluator{
		oracle: oracle,
		custom: make(map[string]CustomFunc),
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}
	ev.RegisterCustom("always_true", func(context.Context, *Escrow, string) (bool, error) {
		return true, nil
	})
	ev.RegisterCustom("always_false", func(context.Context, *Escrow, string) (bool, error) {
		return false, nil
	})
	ev.RegisterCustom("time_window", ev.timeWindow)
	ev.RegisterCustom("min_age", ev.minAge)
	return ev
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (ev *Evaluator) SetNowFunc(now func() int64) {
	if now == nil {
		ev.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	ev.nowFn = now
}

// RegisterCustom adds a named custom condition evaluator.
func (ev *Evaluator) RegisterCustom(name string, fn CustomFunc) {
	ev.custom[strings.ToLower(strings.TrimSpace(name))] = fn
}

// Evaluate reports whether every condition in the list holds for the escrow.
// Evaluation short-circuits on the first unmet condition. Malformed
// conditions, fetch failures and handler errors all evaluate false rather
// than erroring, so a broken feed can never unlock funds.
func (ev *Evaluator) Evaluate(ctx context.Context, esc *Escrow, conds []Condition) bool {
	if len(conds) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, evaluationBudget)
	defer cancel()
	for _, cond := range conds {
		if !ev.evaluateOne(ctx, esc, cond) {
			return false
		}
	}
	return true
}

func (ev *Evaluator) evaluateOne(ctx context.Context, esc *Escrow, cond Condition) bool {
	switch cond.Type {
	case ConditionTime:
		target, err := strconv.ParseInt(strings.TrimSpace(cond.Value), 10, 64)
		if err != nil {
			return false
		}
		return ev.nowFn() >= target
	case ConditionSignature:
		return esc.HasSignature(cond.Value)
	case ConditionOracle:
		return ev.evaluateOracle(ctx, cond.Value)
	case ConditionCustom:
		name, arg, _ := strings.Cut(cond.Value, ":")
		fn, ok := ev.custom[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return false
		}
		met, err := fn(ctx, esc, arg)
		if err != nil {
			return false
		}
		return met
	default:
		return false
	}
}

// oracleQuery is the parsed form of an oracle condition value:
// "<source>:<feedId>:<op>:<target>" or
// "<source>:<feedId>:<op>:<target>:<jsonPath>".
type oracleQuery struct {
	source   string
	feedID   string
	op       string
	target   float64
	jsonPath string
}

func comparisonOp(s string) bool {
	switch s {
	case "gt", "gte", "lt", "lte", "eq":
		return true
	default:
		return false
	}
}

// parseOracleQuery locates the comparison operator scanning from the right
// so feed ids containing colons, such as URLs, still parse.
func parseOracleQuery(value string) (oracleQuery, bool) {
	parts := strings.Split(value, ":")
	if len(parts) < 4 {
		return oracleQuery{}, false
	}
	// Four-field form: op is second from the end, target is last.
	if comparisonOp(parts[len(parts)-2]) {
		target, err := strconv.ParseFloat(parts[len(parts)-1], 64)
		if err != nil {
			return oracleQuery{}, false
		}
		return oracleQuery{
			source: strings.ToLower(parts[0]),
			feedID: strings.Join(parts[1:len(parts)-2], ":"),
			op:     parts[len(parts)-2],
			target: target,
		}, true
	}
	// Five-field form with a trailing json path.
	if len(parts) >= 5 && comparisonOp(parts[len(parts)-3]) {
		target, err := strconv.ParseFloat(parts[len(parts)-2], 64)
		if err != nil {
			return oracleQuery{}, false
		}
		return oracleQuery{
			source:   strings.ToLower(parts[0]),
			feedID:   strings.Join(parts[1:len(parts)-3], ":"),
			op:       parts[len(parts)-3],
			target:   target,
			jsonPath: parts[len(parts)-1],
		}, true
	}
	return oracleQuery{}, false
}

func (ev *Evaluator) evaluateOracle(ctx context.Context, value string) bool {
	if ev.oracle == nil {
		return false
	}
	query, ok := parseOracleQuery(value)
	if !ok {
		return false
	}
	got, err := ev.oracle.FetchValue(ctx, query.source, query.feedID, query.jsonPath)
	if err != nil {
		return false
	}
	switch query.op {
	case "gt":
		return got > query.target
	case "gte":
		return got >= query.target
	case "lt":
		return got < query.target
	case "lte":
		return got <= query.target
	case "eq":
		return math.Abs(got-query.target) < 1e-6
	default:
		return false
	}
}

// timeWindow evaluates "time_window:START:END" against the current time.
func (ev *Evaluator) timeWindow(_ context.Context, _ *Escrow, arg string) (bool, error) {
	start, end, found := strings.Cut(arg, ":")
	if !found {
		return false, nil
	}
	startMs, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil {
		return false, nil
	}
	endMs, err := strconv.ParseInt(strings.TrimSpace(end), 10, 64)
	if err != nil {
		return false, nil
	}
	now := ev.nowFn()
	return now >= startMs && now <= endMs, nil
}

// minAge evaluates "min_age:MS" against the escrow's creation time.
func (ev *Evaluator) minAge(_ context.Context, esc *Escrow, arg string) (bool, error) {
	minMs, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return false, nil
	}
	return ev.nowFn()-esc.CreatedAt >= minMs, nil
}
