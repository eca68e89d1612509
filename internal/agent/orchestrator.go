// Package agent talks to the external AI-agent orchestrator sidecar.
// Both operations are idempotent from the control plane's perspective:
// starting an already-started channel returns the same agent id, and
// stopping an unknown agent succeeds.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Orchestrator starts and stops the per-room AI agent.
type Orchestrator interface {
	Start(ctx context.Context, channel string) (agentID string, err error)
	Stop(ctx context.Context, agentID string) error
}

// callTimeout bounds every orchestrator call so a stuck sidecar cannot
// wedge a room actor.
const callTimeout = 5 * time.Second

// HTTPOrchestrator is the production client.
type HTTPOrchestrator struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPOrchestrator creates a client against the sidecar's base URL.
func NewHTTPOrchestrator(baseURL string) *HTTPOrchestrator {
	return &HTTPOrchestrator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: callTimeout},
		logger:  log.New(log.Writer(), "[AgentOrch] ", log.LstdFlags),
	}
}

func (o *HTTPOrchestrator) Start(ctx context.Context, channel string) (string, error) {
	body, _ := json.Marshal(map[string]string{"channel": channel})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/agents/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent start: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("agent start: status %d", resp.StatusCode)
	}

	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("agent start: decode: %w", err)
	}
	return out.AgentID, nil
}

func (o *HTTPOrchestrator) Stop(ctx context.Context, agentID string) error {
	body, _ := json.Marshal(map[string]string{"agent_id": agentID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/agents/stop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent stop: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("agent stop: status %d", resp.StatusCode)
	}
	return nil
}

// Noop is used when no orchestrator is configured.
type Noop struct{}

func (Noop) Start(ctx context.Context, channel string) (string, error) { return "", nil }
func (Noop) Stop(ctx context.Context, agentID string) error            { return nil }
