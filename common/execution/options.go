// Package execution is the top-level entry for running diagrams: the
// execute-diagram use case and the sub_diagram handler that nests it.
package execution

import (
	"time"

	"github.com/dipeo/dipeo/common/ids"
	"github.com/dipeo/dipeo/common/registry"
)

// Options enumerates everything a caller can tune for one run. No
// open-ended option bag; unknown knobs are compile errors at the call
// site.
type Options struct {
	ExecutionID           string
	Timeout               time.Duration // 0 means no deadline
	Variables             map[string]any
	Metadata              map[string]any
	Debug                 bool
	MaxIterationsOverride int // caps every node's iteration budget when > 0
	IsSubDiagram          bool
	ParentExecutionID     string
	DiagramSourcePath     string // recorded in execution metadata
	MaxConcurrent         int

	// Registry overrides the use case's default registry; batch items use
	// this for isolated child scopes.
	Registry *registry.Registry
}

func (o *Options) withDefaults() {
	if o.ExecutionID == "" {
		o.ExecutionID = ids.NewExecutionID()
	}
	if o.Variables == nil {
		o.Variables = map[string]any{}
	}
	if o.DiagramSourcePath != "" {
		if o.Metadata == nil {
			o.Metadata = map[string]any{}
		}
		o.Metadata["diagram_source_path"] = o.DiagramSourcePath
	}
}
