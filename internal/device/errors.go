package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies an operational failure. The category is assigned at
// the failure site, not reconstructed from message text, and drives the
// retry policy.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryResource       Category = "resource"
	CategoryService        Category = "service"
	CategoryUnknown        Category = "unknown"
)

// Retryable reports whether failures of this category are worth retrying.
// Authentication failures and unrecognized errors are terminal.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryResource, CategoryService:
		return true
	default:
		return false
	}
}

// Error is a categorized device-operation failure.
type Error struct {
	Category Category
	Op       string // "connect", "ping", "read", ...
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the wrapped failure is worth retrying.
func (e *Error) Retryable() bool { return e.Category.Retryable() }

// NewError wraps err with an operation name and category.
func NewError(op string, cat Category, err error) *Error {
	return &Error{Category: cat, Op: op, Err: err}
}

// Classify extracts the category of err. Typed device errors carry their
// category; context deadlines and net errors count as network failures;
// everything else is unknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryNetwork
	}
	return CategoryUnknown
}
