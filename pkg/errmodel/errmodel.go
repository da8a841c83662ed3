// Package errmodel defines the compact error taxonomy used across the
// engine. Storage outcomes (conflict, durability, corruption) and domain
// outcomes (rejection) are ordinary values callers branch on, not panics.
package errmodel

import (
	"encoding/json"
	"errors"
	"strings"
)

// Category values for compact errors.
const (
	// CategoryConflict marks an optimistic-concurrency violation: the
	// caller's expected stream version did not match reality. Recoverable by
	// reload-and-retry at the caller's discretion.
	CategoryConflict = "conflict"
	// CategoryDurability marks a flush/fsync failure. Fatal for the
	// in-flight append; no partial state is visible.
	CategoryDurability = "durability"
	// CategoryCorruption marks a checksum or framing failure found while
	// scanning the log. Recovery stops at the last valid record.
	CategoryCorruption = "corruption"
	// CategoryDomain marks a decider rejection. Not a storage error;
	// propagated verbatim.
	CategoryDomain = "domain"
	// CategoryProjection marks a projection handler failure. Stalls that
	// projection only.
	CategoryProjection = "projection"
	// CategoryValidation marks bad arguments to the engine itself.
	CategoryValidation = "validation"
	// CategorySystem is the fallback for unclassified errors.
	CategorySystem = "system"
)

// Error is the compact error payload used throughout the engine.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error,
// it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

// Conflict reports an expected-vs-actual version mismatch on append.
func Conflict(code, message string, ctx map[string]any) *Error {
	return New(CategoryConflict, code, message, ctx)
}

// Durability reports a failed flush. The wrapped cause is the I/O error.
func Durability(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryDurability, code, message, ctx, cause)
	}
	return New(CategoryDurability, code, message, ctx)
}

// Corruption reports an invalid record found during a log scan.
func Corruption(code, message string, ctx map[string]any) *Error {
	return New(CategoryCorruption, code, message, ctx)
}

// Domain constructs a decider rejection.
func Domain(code, message string, ctx map[string]any) *Error {
	return New(CategoryDomain, code, message, ctx)
}

// Projection reports a handler failure that stalled a projection.
func Projection(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryProjection, code, message, ctx, cause)
	}
	return New(CategoryProjection, code, message, ctx)
}

// Validation reports bad arguments to an engine API.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsConflict reports whether err is an optimistic-concurrency violation.
func IsConflict(err error) bool { return IsCategory(err, CategoryConflict) }

// IsDomain reports whether err is a decider rejection.
func IsDomain(err error) bool { return IsCategory(err, CategoryDomain) }

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 256 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
