// Package hiveerr defines the error taxonomy shared by every component:
// validation (QS001), database (QS002), timeout (QS003) and configuration
// (QS004) failures. Expected outcomes such as rate limiting or blocked
// file claims are modelled as result values by their owning packages,
// not as errors.
package hiveerr

import (
	"errors"
	"fmt"
)

// Code identifies an error category on the wire and in CLI output.
type Code string

const (
	CodeValidation Code = "QS001"
	CodeDatabase   Code = "QS002"
	CodeTimeout    Code = "QS003"
	CodeConfig     Code = "QS004"
)

// Kind is the human-readable category name used in "KIND ERROR: msg"
// CLI output.
func (c Code) Kind() string {
	switch c {
	case CodeValidation:
		return "VALIDATION"
	case CodeDatabase:
		return "DATABASE"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeConfig:
		return "CONFIGURATION"
	}
	return "UNKNOWN"
}

// ExitCode maps a category to the CLI process exit code.
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation:
		return 1
	case CodeDatabase:
		return 2
	case CodeTimeout:
		return 3
	case CodeConfig:
		return 1
	}
	return 1
}

// Error is a categorized failure.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a QS001 error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Msg: fmt.Sprintf(format, args...)}
}

// Databasef builds a QS002 error.
func Databasef(format string, args ...interface{}) *Error {
	return &Error{Code: CodeDatabase, Msg: fmt.Sprintf(format, args...)}
}

// Database wraps an underlying driver error as QS002.
func Database(msg string, err error) *Error {
	return &Error{Code: CodeDatabase, Msg: msg, Err: err}
}

// Timeoutf builds a QS003 error.
func Timeoutf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeTimeout, Msg: fmt.Sprintf(format, args...)}
}

// Configf builds a QS004 error.
func Configf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConfig, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the category of err, defaulting to QS002 for plain
// errors so CLI exit codes stay deterministic.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeDatabase
}

// IsValidation reports whether err is a QS001 failure.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsTimeout reports whether err is a QS003 failure.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }
