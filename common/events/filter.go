package events

// Filter is a pure predicate over events. A nil Filter matches everything.
type Filter func(Event) bool

// And combines filters; all must match.
func And(filters ...Filter) Filter {
	return func(ev Event) bool {
		for _, f := range filters {
			if f != nil && !f(ev) {
				return false
			}
		}
		return true
	}
}

// ScopeToExecution matches only events belonging to one execution.
func ScopeToExecution(executionID string) Filter {
	return func(ev Event) bool {
		return ev.Scope.ExecutionID == executionID
	}
}

// TypesOnly matches a subset of event types.
func TypesOnly(types ...EventType) Filter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// SubDiagramFilter constrains what a parent execution's observers see from
// a nested run. Node-level events of the child are hidden; the child's
// terminal status (execution_completed / execution_error) always passes so
// the parent can observe completion. When propagateToSub is false, events
// scoped to the child execution are suppressed entirely except terminals.
func SubDiagramFilter(parentExecutionID string, propagateToSub bool, scopeToExecution string) Filter {
	return func(ev Event) bool {
		// Events of the parent itself always pass.
		if ev.Scope.ExecutionID == parentExecutionID {
			return true
		}
		if scopeToExecution != "" && ev.Scope.ExecutionID != scopeToExecution {
			return false
		}
		switch ev.Type {
		case ExecutionCompleted, ExecutionError:
			return true
		default:
			return propagateToSub
		}
	}
}
