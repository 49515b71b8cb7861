package trigger

import (
	"fmt"

	"github.com/mohitkumar/flowsync/model"
)

type fieldRule struct {
	name      string
	valueType model.ValueType
}

var schemas = map[model.EventType][]fieldRule{
	model.FORM_SUBMISSION: {{"form_id", model.STRING}},
	model.PAYMENT:         {{"amount", model.NUMBER}},
	model.SCHEDULE:        {{"schedule_id", model.STRING}, {"scheduled_at", model.TIMESTAMP}},
	model.DATABASE_UPDATE: {{"table", model.STRING}, {"record_id", model.STRING}},
}

// validateSchema checks the required fields of an event type, coercing
// RFC3339 strings into timestamps in place.
func validateSchema(t model.EventType, fields model.Fields) error {
	if t == model.WEBHOOK && len(fields) == 0 {
		return fmt.Errorf("webhook payload is empty")
	}
	for _, rule := range schemas[t] {
		v, ok := fields[rule.name]
		if !ok || v.IsNull() {
			return fmt.Errorf("%s event requires field %s", t, rule.name)
		}
		coerced, ok := v.Coerce(rule.valueType)
		if !ok {
			return fmt.Errorf("field %s must be a %s, got %s", rule.name, rule.valueType, v.Type)
		}
		fields[rule.name] = coerced
	}
	return nil
}
