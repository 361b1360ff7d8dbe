// Package toolkit defines the shared vocabulary every tool, wrapper, and
// skill step speaks: the Tool interface, the four structured result
// shapes, and the failure taxonomy from spec §7. It has no knowledge of
// the registry, personas, or the skill engine that consume it.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Glyph is the leading sentinel character every structured result opens
// with. Wrappers key off this glyph; they never parse the human prose.
type Glyph string

const (
	GlyphSuccess Glyph = "✓" // ✓
	GlyphWarning Glyph = "⚠" // ⚠
	GlyphInfo    Glyph = "ℹ" // ℹ
	GlyphError   Glyph = "✗" // ✗
)

// ErrorCode is the taxonomy from spec §7.
type ErrorCode string

const (
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeAuthExpired      ErrorCode = "AUTH_EXPIRED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail   ErrorCode = "SERVICE_UNAVAILABLE"
	CodeDependencyFailed ErrorCode = "DEPENDENCY_FAILED"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeDNSFailed        ErrorCode = "DNS_FAILED"
)

// Result is the structured outcome of a tool invocation (spec §7).
// Every tool handler returns one of these; the wrapper chain inspects
// Glyph, never the formatted string.
type Result struct {
	Glyph   Glyph          `json:"-"`
	Message string         `json:"message"`
	Code    ErrorCode      `json:"code,omitempty"`
	Inner   string         `json:"inner,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Hint    string         `json:"hint,omitempty"`
}

// IsError reports whether this result represents a tool failure.
func (r Result) IsError() bool { return r.Glyph == GlyphError }

// String renders the user-visible reply: sentinel, code, inner error,
// context key=value pairs, and hint line (spec §7 "User-visible behavior").
func (r Result) String() string {
	var b strings.Builder
	b.WriteString(string(r.Glyph))
	if r.Code != "" {
		fmt.Fprintf(&b, " [%s]", r.Code)
	}
	b.WriteString(" ")
	b.WriteString(r.Message)
	if r.Inner != "" {
		fmt.Fprintf(&b, ": %s", r.Inner)
	}
	if len(r.Context) > 0 {
		b.WriteString(" (")
		first := true
		for k, v := range r.Context {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%v", k, v)
		}
		b.WriteString(")")
	}
	if r.Hint != "" {
		fmt.Fprintf(&b, "\nhint: %s", r.Hint)
	}
	return b.String()
}

// Success builds a success result.
func Success(message string) Result { return Result{Glyph: GlyphSuccess, Message: message} }

// Warning builds a warning result.
func Warning(message string) Result { return Result{Glyph: GlyphWarning, Message: message} }

// Info builds an info result.
func Info(message string) Result { return Result{Glyph: GlyphInfo, Message: message} }

// Error builds an error result with taxonomy code and optional context.
func Error(code ErrorCode, message, inner string, context map[string]any) Result {
	return Result{Glyph: GlyphError, Code: code, Message: message, Inner: inner, Context: context}
}

// ErrorFrom wraps a Go error into an error Result, classifying it via
// substring matching the way internal/agent/errors.go in the teacher
// classifies ToolError.
func ErrorFrom(toolName string, err error) Result {
	code := Classify(err)
	return Result{
		Glyph:   GlyphError,
		Code:    code,
		Message: fmt.Sprintf("%s failed", toolName),
		Inner:   err.Error(),
	}
}

// Classify maps a raw error to a taxonomy code using the same
// case-insensitive substring idiom the auto-heal wrapper (C6) uses to
// detect auth/network failures.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "unauthorized", "401", "403", "token expired", "permission denied"):
		if containsAny(s, "expired") {
			return CodeAuthExpired
		}
		if containsAny(s, "permission denied", "403") {
			return CodePermissionDenied
		}
		return CodeAuthFailed
	case containsAny(s, "no route to host", "connection refused", "dial tcp"):
		return CodeConnectionFailed
	case containsAny(s, "dns"):
		return CodeDNSFailed
	case containsAny(s, "timeout", "deadline exceeded"):
		return CodeTimeout
	case containsAny(s, "rate limit", "429", "too many requests"):
		return CodeRateLimited
	case containsAny(s, "not found", "404"):
		return CodeNotFound
	case containsAny(s, "already exists", "conflict", "409"):
		if containsAny(s, "already exists") {
			return CodeAlreadyExists
		}
		return CodeConflict
	case containsAny(s, "invalid", "required", "missing"):
		return CodeInvalidInput
	case containsAny(s, "unavailable", "503"):
		return CodeServiceUnavail
	default:
		return CodeInternal
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// SourceLocation is the file/line range a module supplies when
// registering a tool, so C5's debug meta-tool can read the
// implementation back without runtime reflection (spec §9).
type SourceLocation struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Tier classifies a tool's visibility (spec §3 Module, §4.4).
type Tier string

const (
	TierCore  Tier = "core"
	TierBasic Tier = "basic"
	TierExtra Tier = "extra"
)

// Handler is the async handler a Tool wraps. It receives raw JSON
// arguments and returns a structured Result.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Tool is a named operation callable through the host protocol
// (spec §3 Tool).
type Tool struct {
	Name        string
	Description string
	Module      string
	Tier        Tier
	Source      SourceLocation
	InputSchema json.RawMessage
	Handler     Handler
}
