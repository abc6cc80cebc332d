package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"toolgov/internal/domain"
)

// Dispatch error codes carried in ToolResult.Code.
const (
	CodeNotFound         = "TOOL_NOT_FOUND"
	CodeRBACDenied       = "RBAC_DENIED"
	CodeGovernanceDenied = "GOVERNANCE_DENIED"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeExecutionError   = "EXECUTION_ERROR"
)

// Success builds a successful result.
func Success(message string, data any) domain.ToolResult {
	return domain.ToolResult{Success: true, Message: message, Data: data}
}

// Failure builds a failed result whose message and error are the same sentence.
func Failure(format string, args ...any) domain.ToolResult {
	msg := fmt.Sprintf(format, args...)
	return domain.ToolResult{Success: false, Message: msg, Error: msg}
}

func failureCode(code, msg string) domain.ToolResult {
	return domain.ToolResult{Success: false, Message: msg, Error: msg, Code: code}
}

// decodeParams fills out from params using the struct's json tags. JSON
// numbers arrive as float64 and decode into int fields.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// ArgsString returns params[key] as a string, JSON-encoding non-string values.
func ArgsString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// policyTarget picks what a call acts on for policy matching: path, then
// file, then command, then the tool name itself.
func policyTarget(name string, params map[string]any) string {
	for _, key := range []string{"path", "file", "command"} {
		if s := strings.TrimSpace(ArgsString(params, key)); s != "" {
			return s
		}
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
