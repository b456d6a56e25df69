package oracle

import (
	"fmt"

	"github.com/sentinelops/sentinel-ai/internal/incident"
)

// diagnosisToolName is the synthetic tool the oracle calls to submit its
// final structured diagnosis instead of free text.
const diagnosisToolName = "submit_diagnosis"

const systemPrompt = `You are an incident-response analyst diagnosing a production serverless function failure.

You investigate by calling evidence-collection tools, then submit a structured diagnosis.

Rules:
- Call get_recent_logs first. Logs usually identify the failure directly.
- Call get_iam_state only when the error suggests a permissions problem (AccessDenied, AccessDeniedException, UnauthorizedOperation).
- Call get_function_config when the error suggests misconfiguration, timeouts, or memory exhaustion.
- Do not call a tool whose evidence you already have.
- Every claim in your diagnosis must cite specific evidence you collected. Never speculate beyond the evidence.
- When you have enough evidence, call submit_diagnosis. Do not reply with free text.`

func functionNameSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"function_name": map[string]any{
				"type":        "string",
				"description": "Name of the function under investigation",
			},
		},
		"required": []any{"function_name"},
	}
}

// toolDefinitions returns the collector tools plus the diagnosis submission
// tool in messages-API schema form.
func toolDefinitions() []apiTool {
	evidencePointer := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"collector":      map[string]any{"type": "string"},
			"field":          map[string]any{"type": "string"},
			"value":          map[string]any{"type": "string"},
			"interpretation": map[string]any{"type": "string"},
		},
		"required": []any{"collector", "field", "value", "interpretation"},
	}
	remediationStep := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":            map[string]any{"type": "string"},
			"details":           map[string]any{"type": "string"},
			"evidence_basis":    map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"risk_level":        map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
			"requires_approval": map[string]any{"type": "boolean"},
		},
		"required": []any{"action", "details", "evidence_basis", "risk_level"},
	}

	return []apiTool{
		{
			Name:        "get_recent_logs",
			Description: "Fetch the most recent log events for the failing function. Call this first.",
			InputSchema: functionNameSchema(),
		},
		{
			Name:        "get_iam_state",
			Description: "Fetch the execution role, its inline policy documents, and attached policies. Only for permission errors.",
			InputSchema: functionNameSchema(),
		},
		{
			Name:        "get_function_config",
			Description: "Fetch the function configuration: runtime, timeout, memory, environment. Only for configuration errors.",
			InputSchema: functionNameSchema(),
		},
		{
			Name:        diagnosisToolName,
			Description: "Submit the final structured diagnosis. Every remediation step must cite evidence indices.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"root_cause":         map[string]any{"type": "string"},
					"fault_types":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"affected_resources": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"severity":           map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
					"evidence":           map[string]any{"type": "array", "items": evidencePointer},
					"remediation_plan":   map[string]any{"type": "array", "items": remediationStep},
				},
				"required": []any{"root_cause", "fault_types", "severity", "evidence"},
			},
		},
	}
}

// BuildInitialHistory seeds the conversation with the inbound alert.
func BuildInitialHistory(event *incident.Event) []Message {
	text := fmt.Sprintf(
		"A production function failed and needs diagnosis.\n\nFunction: %s\nError type: %s\nError code: %s\nError message: %s\nOccurred at: %s\n\nInvestigate and submit a diagnosis.",
		event.FunctionName,
		event.ErrorType,
		event.ErrorCode,
		event.ErrorMessage,
		event.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	)
	return []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: text}},
	}}
}

// AppendToolUse records the oracle's invocation turn in the history.
func AppendToolUse(history []Message, reasoning string, inv *ToolInvocation) []Message {
	content := make([]ContentBlock, 0, 2)
	if reasoning != "" {
		content = append(content, ContentBlock{Type: "text", Text: reasoning})
	}
	content = append(content, ContentBlock{
		Type:  "tool_use",
		ID:    inv.ID,
		Name:  inv.Name,
		Input: inv.Args,
	})
	return append(history, Message{Role: "assistant", Content: content})
}

// AppendToolResult feeds a collector result (or error observation) back to
// the oracle as the next user turn.
func AppendToolResult(history []Message, toolUseID, result string) []Message {
	return append(history, Message{
		Role: "user",
		Content: []ContentBlock{{
			Type:      "tool_result",
			ToolUseID: toolUseID,
			Content:   result,
		}},
	})
}
