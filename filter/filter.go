package filter

import (
	"fmt"
	"strings"

	"github.com/mohitkumar/flowsync/model"
)

type Result struct {
	Pass       bool
	TypeErrors []model.FilterTypeError
}

// Evaluate folds the predicates strictly left to right. Each connector joins
// a predicate with the accumulated result of the ones before it, there is no
// precedence. A predicate whose outcome can not change the accumulated
// result is not evaluated.
func Evaluate(fields model.Fields, predicates []model.Predicate) Result {
	res := Result{Pass: true}
	for i, p := range predicates {
		if i > 0 {
			connector := p.Connector
			if connector == "" {
				connector = model.AND
			}
			if connector == model.AND && !res.Pass {
				continue
			}
			if connector == model.OR && res.Pass {
				continue
			}
		}
		ok, typeErr := evaluatePredicate(fields, p)
		if typeErr != nil {
			res.TypeErrors = append(res.TypeErrors, *typeErr)
		}
		res.Pass = ok
	}
	return res
}

func evaluatePredicate(fields model.Fields, p model.Predicate) (bool, *model.FilterTypeError) {
	typeErr := func(format string, args ...any) *model.FilterTypeError {
		return &model.FilterTypeError{Field: p.Field, Operator: p.Operator, Detail: fmt.Sprintf(format, args...)}
	}
	value, present := fields[p.Field]
	if !present {
		return false, nil
	}
	operand, err := model.FromNative(p.Value)
	if err != nil {
		return false, typeErr("unsupported comparison value: %v", err)
	}
	if value.IsNull() {
		return p.Operator == model.EQUALS && operand.IsNull(), nil
	}
	if value.Type == model.TIMESTAMP && operand.Type == model.STRING {
		coerced, ok := operand.Coerce(model.TIMESTAMP)
		if !ok {
			return false, typeErr("%q is not an RFC3339 timestamp", operand.Str)
		}
		operand = coerced
	}
	switch p.Operator {
	case model.EQUALS:
		if value.Type != operand.Type {
			return false, typeErr("can not compare %s with %s", value.Type, operand.Type)
		}
		return value.Equal(operand), nil
	case model.CONTAINS:
		switch value.Type {
		case model.STRING:
			if operand.Type != model.STRING {
				return false, typeErr("substring must be a string, got %s", operand.Type)
			}
			return strings.Contains(value.Str, operand.Str), nil
		case model.LIST:
			for _, item := range value.List {
				if item.Equal(operand) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, typeErr("contains needs a string or list field, got %s", value.Type)
		}
	case model.GREATER_THAN, model.LESS_THAN:
		cmp, ok := compare(value, operand)
		if !ok {
			return false, typeErr("can not order %s against %s", value.Type, operand.Type)
		}
		if p.Operator == model.GREATER_THAN {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	default:
		return false, typeErr("unknown operator")
	}
}

func compare(a, b model.FieldValue) (int, bool) {
	switch {
	case a.Type == model.NUMBER && b.Type == model.NUMBER:
		switch {
		case a.Num > b.Num:
			return 1, true
		case a.Num < b.Num:
			return -1, true
		}
		return 0, true
	case a.Type == model.TIMESTAMP && b.Type == model.TIMESTAMP:
		return a.Time.Compare(b.Time), true
	}
	return 0, false
}

// Validate rejects predicates the evaluator does not understand.
func Validate(predicates []model.Predicate) error {
	for i, p := range predicates {
		if p.Field == "" {
			return fmt.Errorf("filter %d: field is required", i)
		}
		switch p.Operator {
		case model.EQUALS, model.CONTAINS, model.GREATER_THAN, model.LESS_THAN:
		default:
			return fmt.Errorf("filter %d: unknown operator %q", i, p.Operator)
		}
		switch p.Connector {
		case "", model.AND, model.OR:
		default:
			return fmt.Errorf("filter %d: unknown connector %q", i, p.Connector)
		}
		if _, err := model.FromNative(p.Value); err != nil {
			return fmt.Errorf("filter %d: %v", i, err)
		}
	}
	return nil
}
