package schema

import (
	"fmt"
	"sort"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. State is set
// when the issue belongs to a single named state.
type ValidationIssue struct {
	Path     string             `json:"path"`
	State    string             `json:"state,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of every validation pass over a
// definition. Warnings never make a definition unstartable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a definition-level error at path.
func (r *ValidationResult) AddError(path, code, message string) {
	r.add(SeverityError, path, "", code, message)
}

// AddWarning records a definition-level warning at path.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(SeverityWarning, path, "", code, message)
}

// AddStateError records an error against a named state. field, when set, is
// appended to the state's path.
func (r *ValidationResult) AddStateError(state, field, code, message string) {
	r.add(SeverityError, statePath(state, field), state, code, message)
}

// AddStateWarning records a warning against a named state.
func (r *ValidationResult) AddStateWarning(state, field, code, message string) {
	r.add(SeverityWarning, statePath(state, field), state, code, message)
}

func (r *ValidationResult) add(sev ValidationSeverity, path, state, code, message string) {
	issue := ValidationIssue{Path: path, State: state, Code: code, Message: message, Severity: sev}
	if sev == SeverityError {
		r.Errors = append(r.Errors, issue)
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

func statePath(state, field string) string {
	p := fmt.Sprintf("states[%s]", state)
	if field != "" {
		p += "." + field
	}
	return p
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// States returns the sorted names of states that carry at least one error.
func (r *ValidationResult) States() []string {
	seen := make(map[string]bool)
	for _, issue := range r.Errors {
		if issue.State != "" {
			seen[issue.State] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// code is the shared code of all errors, or VALIDATION_ERROR when they differ.
func (r *ValidationResult) code() string {
	code := r.Errors[0].Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			return ErrCodeValidation
		}
	}
	if code == "" {
		return ErrCodeValidation
	}
	return code
}

// ToError folds the result into a single *Error, or nil when valid. A lone
// cycle keeps CYCLE_DETECTED so callers can tell it apart from schema errors.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow definition has %d errors", len(r.Errors))
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
	}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	if states := r.States(); len(states) > 0 {
		details["states"] = states
	}
	e := NewError(r.code(), msg).WithDetails(details)
	if len(r.Errors) == 1 && r.Errors[0].State != "" {
		e = e.WithState(r.Errors[0].State)
	}
	return e
}
