package plan

import (
	"strings"
)

// Violation is one schema failure at a document path.
type Violation struct {
	Path    string
	Message string
}

// SchemaError aggregates every schema violation of a plan document.
type SchemaError struct {
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Path+": "+v.Message)
	}

	return "plan schema validation failed: " + strings.Join(parts, "; ")
}

// ValidationError is a semantic plan error at a field path such as
// "backends[1].chip" or "cases[0] (add_basic)".
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "plan: " + e.Msg
	}

	return "plan: " + e.Field + ": " + e.Msg
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}
