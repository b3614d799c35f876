package handlers

import (
	"github.com/dipeo/dipeo/common/condition"
	"github.com/dipeo/dipeo/common/engine"
)

// RegisterAll installs the built-in handlers. The condition evaluator is
// shared so compiled expressions are cached across nodes. The
// sub_diagram handler lives in the execution package and registers
// itself there.
func RegisterAll(hr *engine.HandlerRegistry, eval *condition.Evaluator) {
	hr.Register(Start{})
	hr.Register(Endpoint{})
	hr.Register(NewCondition(eval))
	hr.Register(CodeJob{})
	hr.Register(APIJob{})
	hr.Register(Hook{})
	hr.Register(DB{})
	hr.Register(TemplateJob{})
	hr.Register(DiffPatch{})
	hr.Register(JSONSchemaValidator{})
	hr.Register(PersonJob{})
	hr.Register(UserResponse{})
}
