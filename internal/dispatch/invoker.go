package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/store"
)

// Invoker executes a task against an agent. Implementations must honor
// ctx cancellation; the coordinator uses it for both timeouts and task
// cancellation.
type Invoker interface {
	Invoke(ctx context.Context, agent directory.Agent, task *store.Task) (map[string]interface{}, error)
}

// HTTPInvoker posts the task to the agent's endpoint and decodes the JSON
// result.
type HTTPInvoker struct {
	client *http.Client
}

func NewHTTPInvoker() *HTTPInvoker {
	// Per-attempt deadlines come from the caller's ctx; the client
	// timeout is only a backstop.
	return &HTTPInvoker{client: &http.Client{Timeout: 5 * time.Minute}}
}

type invokePayload struct {
	TaskID       string   `json:"task_id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, agent directory.Agent, task *store.Task) (map[string]interface{}, error) {
	body, err := json.Marshal(invokePayload{
		TaskID:       task.ID.String(),
		Description:  task.Description,
		Capabilities: task.Capabilities,
		SessionID:    task.SessionID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint+"/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent %s returned %d: %s", agent.ID, resp.StatusCode, string(data))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return result, nil
}
