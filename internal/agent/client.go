package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantryhq/gantry/internal/domain"
)

// ErrUnauthorized signals a rejected credential; the caller should
// re-register rather than retry.
var ErrUnauthorized = errors.New("agent: credential rejected")

// Credentials is the persisted registration state for one node.
type Credentials struct {
	NodeID     string `json:"node_id"`
	Credential string `json:"credential"`
	Token      string `json:"token"`
}

// RegisterRequest is the wire payload for worker registration.
type RegisterRequest struct {
	NodeID     string                `json:"nodeId,omitempty"`
	Hostname   string                `json:"hostname"`
	Region     string                `json:"region"`
	Credential string                `json:"credential"`
	Resources  domain.NodeResources  `json:"resources"`
}

// RegisterResponse carries the issued identity and token.
type RegisterResponse struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

// HeartbeatRequest reports liveness and self-measured capacity.
type HeartbeatRequest struct {
	Status     string               `json:"status"`
	Containers int                  `json:"containers"`
	Resources  domain.NodeResources `json:"resources"`
}

// BuildJob is one claimable build offered to a worker.
type BuildJob struct {
	JobID   string              `json:"jobId"`
	Payload domain.BuildPayload `json:"payload"`
}

// Client talks to the control plane's worker API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient constructs a worker API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Ping checks control-plane reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Register announces the node and obtains a token.
func (c *Client) Register(ctx context.Context, reg RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workers/register", reg, &out, false); err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// Heartbeat reports liveness and capacity.
func (c *Client) Heartbeat(ctx context.Context, hb HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/heartbeat", hb, nil, true)
}

// QueuedBuilds lists claimable build jobs.
func (c *Client) QueuedBuilds(ctx context.Context) ([]BuildJob, error) {
	var out []BuildJob
	if err := c.do(ctx, http.MethodGet, "/v1/workers/builds", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptBuild claims a specific build job; nil result means another
// worker won the race.
func (c *Client) AcceptBuild(ctx context.Context, jobID string) (*BuildJob, error) {
	var out BuildJob
	err := c.do(ctx, http.MethodPost, "/v1/workers/builds/"+jobID+"/accept", nil, &out, true)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusConflict {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LoadCredentials reads persisted registration state; a missing file
// returns nil without error.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// SaveCredentials persists registration state with owner-only access.
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
