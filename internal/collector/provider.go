package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/sentinel-ai/internal/classify"
)

// Package collector talks to the remote evidence-collection service. Each
// named collector is invoked over HTTP with a JSON argument object and
// returns a JSON payload that the tool loop validates and folds into the
// evidence bundle.

// emptyResultSentinel is returned when a collector call succeeds at the
// transport level but produces no payload, so the caller always has a JSON
// object to record as an observation.
const emptyResultSentinel = `{"error": "tool returned empty response"}`

// Provider executes a named collector with JSON-decoded arguments and
// returns the raw JSON result string.
type Provider interface {
	// Connect establishes and verifies the session with the collector
	// service. The run loop calls it before each investigation; it must be
	// safe to repeat.
	Connect(ctx context.Context) error

	// Call invokes a collector by name. Transport failures, authorization
	// denials, and throttling are returned as errors for classification;
	// collector-level failures ("no such log group") come back in the
	// result payload instead.
	Call(ctx context.Context, name string, args map[string]any) (string, error)

	// Close releases the session.
	Close() error
}

// HTTPProvider invokes collectors on a remote HTTP endpoint. One provider
// instance is shared across runs; each Call is independent.
type HTTPProvider struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	connectTimeout time.Duration
}

// HTTPProviderConfig carries the connection settings for an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL        string
	APIKey         string
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
}

// NewHTTPProvider builds a provider for the collector service at baseURL.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		client:         &http.Client{Timeout: callTimeout},
		connectTimeout: connectTimeout,
	}
}

// Connect probes the collector service health endpoint. A reachable
// endpoint that rejects the session is a handshake failure, which is
// classified separately from plain connection loss.
func (p *HTTPProvider) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building handshake request: %w", err)
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector handshake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &classify.HandshakeError{
			Err: fmt.Errorf("collector service returned %d during session init: %s", resp.StatusCode, body),
		}
	}
	return nil
}

// Call posts the invocation to /tools/{name} and returns the raw JSON body.
func (p *HTTPProvider) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding arguments for %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tools/"+name, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s response: %w", name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &classify.StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return emptyResultSentinel, nil
	}
	return string(body), nil
}

// Close is a no-op for the stateless HTTP transport.
func (p *HTTPProvider) Close() error { return nil }

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// MockProvider serves canned responses keyed by collector name. Used by
// loop and orchestrator tests and by the local development profile.
type MockProvider struct {
	Responses  map[string]string
	Errors     map[string]error
	ConnectErr error
	Calls      []string
	Connects   int
}

func (m *MockProvider) Connect(ctx context.Context) error {
	m.Connects++
	return m.ConnectErr
}

func (m *MockProvider) Close() error { return nil }

func (m *MockProvider) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	m.Calls = append(m.Calls, name)
	if err, ok := m.Errors[name]; ok && err != nil {
		return "", err
	}
	if resp, ok := m.Responses[name]; ok {
		if len(resp) == 0 {
			return emptyResultSentinel, nil
		}
		return resp, nil
	}
	return "", fmt.Errorf("mock provider: no response configured for %s", name)
}
