package dipeoerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for status mapping and event payloads.
type Kind string

const (
	KindCompilation       Kind = "compilation"
	KindNodeExecution     Kind = "node_execution"
	KindTimeout           Kind = "timeout"
	KindAborted           Kind = "aborted"
	KindMaxIterations     Kind = "max_iterations_reached"
	KindServiceResolution Kind = "service_resolution"
	KindTransport         Kind = "transport"
)

// Error is the common error carrier for the engine. NodeID is set when the
// failure is attributable to a single node.
type Error struct {
	Kind   Kind
	NodeID string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Err != nil:
		return fmt.Sprintf("%s: node %s: %s: %v", e.Kind, e.NodeID, e.Msg, e.Err)
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Compilation creates a compiler error.
func Compilation(msg string, err error) *Error {
	return &Error{Kind: KindCompilation, Msg: msg, Err: err}
}

// NodeExecution creates a handler failure for a node.
func NodeExecution(nodeID, msg string, err error) *Error {
	return &Error{Kind: KindNodeExecution, NodeID: nodeID, Msg: msg, Err: err}
}

// Timeout creates a deadline-expiry error.
func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Msg: msg}
}

// Aborted creates an external-cancellation error.
func Aborted(msg string) *Error {
	return &Error{Kind: KindAborted, Msg: msg}
}

// MaxIterations creates an iteration-budget exhaustion error.
func MaxIterations(nodeID string, budget int) *Error {
	return &Error{
		Kind:   KindMaxIterations,
		NodeID: nodeID,
		Msg:    fmt.Sprintf("iteration budget %d exhausted", budget),
	}
}

// ServiceResolution creates a missing-service error. Surfaced to handlers
// as a node execution failure wrapping the key name.
func ServiceResolution(keyName string) *Error {
	return &Error{Kind: KindServiceResolution, Msg: fmt.Sprintf("service not registered: %s", keyName)}
}

// Transport creates an observer/subscriber failure. Never propagated back
// to the engine.
func Transport(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Msg: msg, Err: err}
}

// KindOf extracts the Kind from any error in the chain. Context errors map
// to timeout/aborted; everything else is node_execution.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindNodeExecution
}

// NodeOf extracts the offending node id, if any.
func NodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.NodeID
	}
	return ""
}

// FromContextErr maps a context error to the taxonomy.
func FromContextErr(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("execution deadline exceeded")
	}
	return Aborted("execution canceled")
}
