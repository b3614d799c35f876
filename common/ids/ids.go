package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ExecutionIDPrefix precedes the 32-hex body of every execution id.
const ExecutionIDPrefix = "exec_"

var executionIDPattern = regexp.MustCompile(`^exec_[0-9a-f]{32}$`)

// NewExecutionID generates an id of the form exec_<32 hex chars>.
func NewExecutionID() string {
	return ExecutionIDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsExecutionID reports whether s is a well-formed execution id.
func IsExecutionID(s string) bool {
	return executionIDPattern.MatchString(s)
}

// ValidateExecutionID returns an error describing the expected shape.
func ValidateExecutionID(s string) error {
	if !IsExecutionID(s) {
		return fmt.Errorf("invalid execution id %q: expected exec_ followed by 32 hex chars", s)
	}
	return nil
}

// NewEventID generates a random id for event records.
func NewEventID() string {
	return uuid.New().String()
}
