package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConfirmationRequiredError signals that ExecuteTool was called without the
// caller first clearing the server's confirmation policy through
// internal/confirm.Gate; the tool adapter (internal/tool) is expected to
// request confirmation using the "<serverName>:<safe|unsafe>" sub-type
// before retrying.
type ConfirmationRequiredError struct {
	ServerName    string
	ToolName      string
	OperationType string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("mcp: tool %s__%s requires confirmation (operation_type=%q)", e.ServerName, e.ToolName, e.OperationType)
}

// SubType returns the confirm-gate sub-type for this server/operation_type
// pair: "<serverName>:<safe|unsafe>", matching SPEC_FULL §4.3.
func (e *ConfirmationRequiredError) SubType() string {
	safety := "unsafe"
	if e.OperationType == "safe" {
		safety = "safe"
	}
	return e.ServerName + ":" + safety
}

// withOperationType augments a tool's JSON schema with a required
// operation_type enum property the agent must populate per call.
func withOperationType(schema json.RawMessage) json.RawMessage {
	var doc map[string]any
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &doc); err != nil {
			doc = nil
		}
	}
	if doc == nil {
		doc = map[string]any{"type": "object"}
	}

	props, ok := doc["properties"].(map[string]any)
	if !ok {
		props = map[string]any{}
	}
	props["operation_type"] = map[string]any{
		"type":        "string",
		"enum":        []string{"safe", "unsafe"},
		"description": "Whether this call is safe (read-only/idempotent) or unsafe (mutating/irreversible). Required.",
	}
	doc["properties"] = props

	required, _ := doc["required"].([]any)
	hasIt := false
	for _, r := range required {
		if s, ok := r.(string); ok && s == "operation_type" {
			hasIt = true
		}
	}
	if !hasIt {
		required = append(required, "operation_type")
	}
	doc["required"] = required

	out, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return out
}

// chromeDevtoolsHintPattern matches the known remote-debugging
// misconfiguration error message the chrome-devtools MCP server emits.
const chromeDevtoolsHintPattern = "unable to connect to chrome"

// chromeDevtoolsHint is appended to server connect errors that look like
// the pattern above, per SPEC_FULL §4.7.
const chromeDevtoolsHint = " (hint: start Chrome with --remote-debugging-port and ensure no other debugger is attached)"

// AppendKnownHint appends a known troubleshooting hint to msg when it
// matches a recognized misconfiguration pattern.
func AppendKnownHint(msg string) string {
	if strings.Contains(strings.ToLower(msg), chromeDevtoolsHintPattern) {
		return msg + chromeDevtoolsHint
	}
	return msg
}
