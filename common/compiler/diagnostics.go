package compiler

import "fmt"

// Phase names the compilation phase that produced a diagnostic.
type Phase string

const (
	PhaseResolve  Phase = "resolve"
	PhaseBind     Phase = "bind"
	PhaseValidate Phase = "validate"
	PhaseIndex    Phase = "index"
)

// Severity grades a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one finding from the compiler.
type Diagnostic struct {
	Phase    Phase    `json:"phase"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
}

func (d Diagnostic) String() string {
	if d.NodeID != "" {
		return fmt.Sprintf("[%s/%s] node %s: %s", d.Phase, d.Severity, d.NodeID, d.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", d.Phase, d.Severity, d.Message)
}

// Diagnostics collects findings across phases.
type Diagnostics []Diagnostic

// HasErrors reports whether any diagnostic is error severity.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only error-severity findings.
func (ds Diagnostics) Errors() Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func (ds *Diagnostics) errorf(phase Phase, nodeID, format string, args ...any) {
	*ds = append(*ds, Diagnostic{
		Phase:    phase,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
		NodeID:   nodeID,
	})
}

func (ds *Diagnostics) warnf(phase Phase, nodeID, format string, args ...any) {
	*ds = append(*ds, Diagnostic{
		Phase:    phase,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
		NodeID:   nodeID,
	})
}
