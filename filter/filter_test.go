package filter

import (
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/stretchr/testify/require"
)

var fields = model.Fields{
	"amount":     model.Number(100),
	"status":     model.String("paid"),
	"note":       model.String("first installment"),
	"tags":       model.List(model.String("vip"), model.String("new")),
	"paid_at":    model.Timestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
	"refund":     model.Bool(false),
	"student.id": model.String("S1"),
}

func pred(field string, op model.Operator, value any, connector model.Connector) model.Predicate {
	return model.Predicate{Field: field, Operator: op, Value: value, Connector: connector}
}

func TestEvaluateOperators(t *testing.T) {
	for scenario, tc := range map[string]struct {
		p         model.Predicate
		pass      bool
		typeError bool
	}{
		"equals number":               {pred("amount", model.EQUALS, 100.0, ""), true, false},
		"equals string":               {pred("status", model.EQUALS, "paid", ""), true, false},
		"equals bool":                 {pred("refund", model.EQUALS, false, ""), true, false},
		"equals dotted field":         {pred("student.id", model.EQUALS, "S1", ""), true, false},
		"equals list deep":            {pred("tags", model.EQUALS, []any{"vip", "new"}, ""), true, false},
		"equals kind mismatch":        {pred("amount", model.EQUALS, "100", ""), false, true},
		"contains substring":          {pred("note", model.CONTAINS, "install", ""), true, false},
		"contains list member":        {pred("tags", model.CONTAINS, "vip", ""), true, false},
		"contains list non member":    {pred("tags", model.CONTAINS, "old", ""), false, false},
		"contains on number":          {pred("amount", model.CONTAINS, 1.0, ""), false, true},
		"greater than number":         {pred("amount", model.GREATER_THAN, 50.0, ""), true, false},
		"less than number":            {pred("amount", model.LESS_THAN, 50.0, ""), false, false},
		"greater than string operand": {pred("amount", model.GREATER_THAN, "50", ""), false, true},
		"timestamp after":             {pred("paid_at", model.GREATER_THAN, "2024-04-30T00:00:00Z", ""), true, false},
		"timestamp before":            {pred("paid_at", model.LESS_THAN, "2024-04-30T00:00:00Z", ""), false, false},
		"timestamp bad operand":       {pred("paid_at", model.LESS_THAN, "yesterday", ""), false, true},
		"missing field":               {pred("absent", model.EQUALS, "x", ""), false, false},
	} {
		t.Run(scenario, func(t *testing.T) {
			res := Evaluate(fields, []model.Predicate{tc.p})
			require.Equal(t, tc.pass, res.Pass)
			require.Equal(t, tc.typeError, len(res.TypeErrors) > 0)
		})
	}
}

func TestEvaluateLeftToRight(t *testing.T) {
	truePred := pred("status", model.EQUALS, "paid", "")
	falsePred := pred("status", model.EQUALS, "refunded", "")
	with := func(p model.Predicate, c model.Connector) model.Predicate {
		p.Connector = c
		return p
	}
	for scenario, tc := range map[string]struct {
		preds []model.Predicate
		pass  bool
	}{
		"empty passes":       {nil, true},
		"true AND false":     {[]model.Predicate{truePred, with(falsePred, model.AND)}, false},
		"false OR true":      {[]model.Predicate{falsePred, with(truePred, model.OR)}, true},
		"default connector":  {[]model.Predicate{truePred, falsePred}, false},
		"connector on first": {[]model.Predicate{with(falsePred, model.OR)}, false},
		// (true OR false) AND false, no precedence for AND
		"true OR false AND false": {[]model.Predicate{truePred, with(falsePred, model.OR), with(falsePred, model.AND)}, false},
		// (false AND x) OR true
		"false AND true OR true": {[]model.Predicate{falsePred, with(truePred, model.AND), with(truePred, model.OR)}, true},
	} {
		t.Run(scenario, func(t *testing.T) {
			require.Equal(t, tc.pass, Evaluate(fields, tc.preds).Pass)
		})
	}
}

func TestEvaluateShortCircuitSkipsTypeErrors(t *testing.T) {
	bad := pred("amount", model.EQUALS, "x", model.AND)
	res := Evaluate(fields, []model.Predicate{pred("status", model.EQUALS, "refunded", ""), bad})
	require.False(t, res.Pass)
	require.Empty(t, res.TypeErrors)

	res = Evaluate(fields, []model.Predicate{pred("status", model.EQUALS, "paid", ""), bad})
	require.False(t, res.Pass)
	require.Len(t, res.TypeErrors, 1)
	require.Equal(t, "amount", res.TypeErrors[0].Field)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]model.Predicate{pred("a", model.EQUALS, 1.0, ""), pred("b", model.CONTAINS, "x", model.OR)}))
	require.Error(t, Validate([]model.Predicate{pred("a", "matches", 1.0, "")}))
	require.Error(t, Validate([]model.Predicate{pred("a", model.EQUALS, 1.0, "XOR")}))
	require.Error(t, Validate([]model.Predicate{pred("", model.EQUALS, 1.0, "")}))
	require.Error(t, Validate([]model.Predicate{pred("a", model.EQUALS, map[string]any{"x": 1}, "")}))
}
