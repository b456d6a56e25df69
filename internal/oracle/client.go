package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/sentinel-ai/internal/classify"
	"github.com/sentinelops/sentinel-ai/internal/incident"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// Client calls the messages API and translates responses into Actions.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	system     string
	tools      []apiTool
	httpClient *http.Client
}

// ClientConfig carries the connection settings for a Client.
type ClientConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []apiTool `json:"tools,omitempty"`
}

type apiResponse struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewClient builds a messages-API client configured with the diagnosis
// system prompt and the collector tool definitions.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    baseURL,
		system:     systemPrompt,
		tools:      toolDefinitions(),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// NextAction sends the conversation and maps the response: a
// submit_diagnosis tool call concludes, any other tool call invokes a
// collector, and a response with no tool call at all is ActionNone.
func (c *Client) NextAction(ctx context.Context, history []Message) (Action, Usage, error) {
	resp, err := c.send(ctx, history)
	if err != nil {
		return Action{}, Usage{}, err
	}

	usage := Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}

	action := Action{Kind: ActionNone}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			action.Reasoning += block.Text
		case "tool_use":
			if block.Name == diagnosisToolName {
				diagnosis, err := decodeDiagnosis(block.Input)
				if err != nil {
					return Action{}, usage, fmt.Errorf("decoding diagnosis: %w", err)
				}
				action.Kind = ActionConclude
				action.Conclusion = diagnosis
				return action, usage, nil
			}
			action.Kind = ActionInvoke
			action.Invoke = &ToolInvocation{ID: block.ID, Name: block.Name, Args: block.Input}
			return action, usage, nil
		}
	}
	return action, usage, nil
}

func (c *Client) send(ctx context.Context, history []Message) (*apiResponse, error) {
	body, err := json.Marshal(apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    c.system,
		Messages:  history,
		Tools:     c.tools,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", DefaultAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading oracle response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &classify.StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding oracle response: %w", err)
	}
	return &parsed, nil
}

// decodeDiagnosis round-trips the tool input through JSON into the typed
// diagnosis. The citation contract is enforced by the run loop, not here,
// so a rejected diagnosis can be fed back to the oracle for another turn.
func decodeDiagnosis(input map[string]any) (*incident.Diagnosis, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var d incident.Diagnosis
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }
