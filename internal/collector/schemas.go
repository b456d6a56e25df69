package collector

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Collector names as exposed to the diagnosis oracle.
const (
	NameRecentLogs     = "get_recent_logs"
	NameIAMState       = "get_iam_state"
	NameFunctionConfig = "get_function_config"
)

// evidenceKeys maps a collector name to the key its result is stored under
// in the evidence bundle.
var evidenceKeys = map[string]string{
	NameRecentLogs:     "logs",
	NameIAMState:       "iam_state",
	NameFunctionConfig: "function_config",
}

// requiredFields lists the top-level fields a well-formed result must carry
// for each collector.
var requiredFields = map[string][]string{
	NameRecentLogs:     {"log_group", "events"},
	NameIAMState:       {"role_name", "inline_policies", "attached_policies"},
	NameFunctionConfig: {"function_name"},
}

// Names returns the known collector names in a stable order.
func Names() []string {
	return []string{NameRecentLogs, NameIAMState, NameFunctionConfig}
}

// Known reports whether name is a collector this service exposes.
func Known(name string) bool {
	_, ok := evidenceKeys[name]
	return ok
}

// EvidenceKey returns the bundle key for a collector's results. Unknown
// collectors fall back to their own name so nothing is silently lost.
func EvidenceKey(name string) string {
	if key, ok := evidenceKeys[name]; ok {
		return key
	}
	return name
}

// ValidateArgs checks an invocation's arguments before any network call is
// made. Every collector requires a non-empty function_name.
func ValidateArgs(name string, args map[string]any) error {
	if !Known(name) {
		return fmt.Errorf("unknown collector %q", name)
	}
	fn, _ := args["function_name"].(string)
	if strings.TrimSpace(fn) == "" {
		return fmt.Errorf("%s requires a non-empty function_name argument", name)
	}
	return nil
}

// ValidateResponse decodes a collector's raw JSON result and checks the
// fields the schema requires. It returns the decoded object so callers do
// not parse twice.
func ValidateResponse(name, raw string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%s returned malformed JSON: %w", name, err)
	}
	for _, field := range requiredFields[name] {
		if _, ok := payload[field]; !ok {
			return nil, fmt.Errorf("%s response missing required field %q", name, field)
		}
	}
	if name == NameRecentLogs {
		if _, ok := payload["events"].([]any); !ok {
			return nil, fmt.Errorf("%s response field events is not an array", name)
		}
	}
	return payload, nil
}
