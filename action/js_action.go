package action

import (
	"context"
	"encoding/json"

	"github.com/dop251/goja"
	"github.com/mohitkumar/flowsync/model"
)

// jsAction runs a transform script with the resolved parameters bound to $.
// The value of $ after the script is the action output.
type jsAction struct {
	def model.ActionDef
}

func (j *jsAction) Validate() error {
	if len(j.def.Script) == 0 {
		return terminal(j.def.Name, "script can not be empty")
	}
	return nil
}

func (j *jsAction) Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, terminal(j.def.Name, "encode parameters: %v", err)
	}
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("action timed out")
	})
	defer stop()
	if _, err := vm.RunString("var $ = " + string(data) + ";\n" + j.def.Script); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, terminal(j.def.Name, "error executing javascript %v", err)
	}
	val := vm.Get("$")
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return map[string]any{}, nil
	}
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, terminal(j.def.Name, "encode output: %v", err)
	}
	var output map[string]any
	if err := json.Unmarshal(res, &output); err != nil {
		return map[string]any{"value": val.Export()}, nil
	}
	return output, nil
}
