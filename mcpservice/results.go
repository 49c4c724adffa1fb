package mcpservice

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-radius-sql/mcp"
)

// JSONError builds an error result whose text is {"error": msg}.
func JSONError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: ErrorText(msg)}}, IsError: true}
}

// ErrorText renders msg as the compact {"error": msg} document used for every
// error result.
func ErrorText(msg string) string {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	return string(b)
}

// Errorf is JSONError with formatting.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return JSONError(fmt.Sprintf(format, a...))
}

// InternalErrorMessage is the only detail callers see for unexpected
// failures.
const InternalErrorMessage = "internal error"

// InternalError is the opaque result returned for unexpected failures.
func InternalError() *mcp.CallToolResult {
	return JSONError(InternalErrorMessage)
}

// IsInternalError reports whether res is the result built by InternalError.
func IsInternalError(res *mcp.CallToolResult) bool {
	return res != nil && res.IsError && len(res.Content) == 1 && res.Content[0].Text == ErrorText(InternalErrorMessage)
}
