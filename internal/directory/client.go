package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/switchyardhq/switchyard/internal/capability"
)

// Agent is the directory's view of a registered agent. The directory is
// authoritative; the router only caches this data.
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name,omitempty"`
	Capabilities []capability.Tag `json:"capabilities"`
	Status       string           `json:"status"` // healthy, degraded, offline
	Endpoint     string           `json:"endpoint,omitempty"`
}

// AgentStats are rolling performance statistics for one agent.
type AgentStats struct {
	SuccessRate   float64 `json:"success_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	CostPerCall   float64 `json:"cost_per_call"`
}

// Filter narrows ListAgents results.
type Filter struct {
	Capability capability.Tag
	Status     string
}

type Client interface {
	ListAgents(ctx context.Context, filter Filter) ([]Agent, error)
	GetAgentStats(ctx context.Context, agentID string) (*AgentStats, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) doReq(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory %s %s: %d %s", method, path, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *HTTPClient) ListAgents(ctx context.Context, filter Filter) ([]Agent, error) {
	q := url.Values{}
	if filter.Capability != "" {
		q.Set("capability", string(filter.Capability))
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	path := "/api/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.doReq(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	var agents []Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *HTTPClient) GetAgentStats(ctx context.Context, agentID string) (*AgentStats, error) {
	data, err := c.doReq(ctx, "GET", "/api/v1/agents/"+agentID+"/stats")
	if err != nil {
		return nil, err
	}
	var stats AgentStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
