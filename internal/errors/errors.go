// Package errors defines the coded errors returned by flow storage.
//
// Callers branch on the code, never on the message: the codes are part of
// the storage contract with the runtime.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of storage failure.
type ErrorCode string

const (
	// ErrProjectEmpty is returned when the active project's repository has no commit.
	ErrProjectEmpty ErrorCode = "project_empty"
	// ErrMissingPackageFile is returned when the active project has no package.json.
	ErrMissingPackageFile ErrorCode = "missing_package_file"
	// ErrMissingFlowFile is returned when the active project has no flow file configured.
	ErrMissingFlowFile ErrorCode = "missing_flow_file"
	// ErrGitMergeConflict is returned when the active project has an unresolved merge.
	ErrGitMergeConflict ErrorCode = "git_merge_conflict"
	// ErrCannotDeleteActiveProject is returned when deleting the project in use.
	ErrCannotDeleteActiveProject ErrorCode = "cannot_delete_active_project"
)

// Error is a storage error carrying an ErrorCode.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error or an ErrorCode with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.code == e.code
	case ErrorCode:
		return t == e.code
	}
	return false
}

// Error makes ErrorCode usable as an errors.Is target.
func (c ErrorCode) Error() string {
	return string(c)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// ProjectEmpty creates a project_empty error.
func ProjectEmpty() *Error {
	return New(ErrProjectEmpty, "Project repository is empty")
}

// MissingPackageFile creates a missing_package_file error.
func MissingPackageFile() *Error {
	return New(ErrMissingPackageFile, "Project missing package.json")
}

// MissingFlowFile creates a missing_flow_file error.
func MissingFlowFile() *Error {
	return New(ErrMissingFlowFile, "Project has no flow file")
}

// MergeConflict creates a git_merge_conflict error; op is "load" or "deploy".
func MergeConflict(op string) *Error {
	return New(ErrGitMergeConflict, fmt.Sprintf("Project has unmerged changes. Cannot %s flows", op))
}

// CannotDeleteActiveProject creates a cannot_delete_active_project error.
func CannotDeleteActiveProject(name string) *Error {
	return New(ErrCannotDeleteActiveProject, "Can't delete the active project").WithDetail("project", name)
}
