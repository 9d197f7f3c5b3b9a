// Package client is a Go SDK for the range-engine HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a range-engine daemon
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAdminToken sets the bearer token for the event-management surface
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = token
	}
}

// NewClient creates a new range-engine client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// World represents a world response
type World struct {
	ID          string                   `json:"id"`
	EventName   string                   `json:"event"`
	Identity    string                   `json:"identity"`
	Status      string                   `json:"status"`
	StatusMsg   string                   `json:"status_message,omitempty"`
	FailedStage string                   `json:"failed_stage,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	Ports       map[string]int           `json:"ports,omitempty"`
	Services    map[string]*ServiceState `json:"services,omitempty"`
}

// ServiceState reports runtime health of one deployed service
type ServiceState struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
}

// Event represents an event response
type Event struct {
	Name         string    `json:"name"`
	Title        string    `json:"title,omitempty"`
	Blueprint    string    `json:"blueprint"`
	ExternalURL  string    `json:"external_url"`
	VPNEnabled   bool      `json:"vpn_enabled"`
	VPNSubnet    string    `json:"vpn_subnet,omitempty"`
	VPNServerPub string    `json:"vpn_server_public_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateEventRequest registers a new event
type CreateEventRequest struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Blueprint   string `json:"blueprint"`
	CTFURL      string `json:"ctf_url,omitempty"`
	CTFToken    string `json:"ctf_token,omitempty"`
	ExternalURL string `json:"external_url"`
	FlagFormat  string `json:"flag_format,omitempty"`
	VPNEnabled  bool   `json:"vpn_enabled"`
	VPNSubnet   string `json:"vpn_subnet,omitempty"`
	WorldTTL    string `json:"world_ttl,omitempty"`
}

// WorldConfig is the participant-facing view of a world
type WorldConfig struct {
	Challenges []ChallengeInfo `json:"challenges"`
	VPNConfig  string          `json:"vpn_config,omitempty"`
}

type ChallengeInfo struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	ConnectionInfo string `json:"connection_info,omitempty"`
}

// WireguardNetwork describes a world's VPN attachment
type WireguardNetwork struct {
	Subnet          string `json:"subnet"`
	Address         string `json:"address"`
	ServerEndpoint  string `json:"server_endpoint"`
	ServerPublicKey string `json:"server_public_key"`
}

// CreateEvent registers a new event. Requires the admin token.
func (c *Client) CreateEvent(ctx context.Context, req CreateEventRequest) (*Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var event Event
	if err := c.call(ctx, "POST", "/api/events", bytes.NewReader(body), true, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// DeleteEvent removes an event and all its worlds. Requires the admin
// token.
func (c *Client) DeleteEvent(ctx context.Context, event string) error {
	return c.call(ctx, "DELETE", fmt.Sprintf("/api/events/%s", event), nil, true, nil)
}

// ListEvents returns all registered events
func (c *Client) ListEvents(ctx context.Context) ([]*Event, error) {
	var events []*Event
	if err := c.call(ctx, "GET", "/events", nil, false, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CreateWorld builds a world for the identity
func (c *Client) CreateWorld(ctx context.Context, event, identity string) (*World, error) {
	var w World
	if err := c.call(ctx, "POST", fmt.Sprintf("/%s/create/%s", event, identity), nil, false, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ResetWorld rebuilds the identity's world with fresh individual flags
func (c *Client) ResetWorld(ctx context.Context, event, identity string) (*World, error) {
	var w World
	if err := c.call(ctx, "POST", fmt.Sprintf("/%s/reset/%s", event, identity), nil, false, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteWorld tears down the identity's world
func (c *Client) DeleteWorld(ctx context.Context, event, identity string) error {
	return c.call(ctx, "DELETE", fmt.Sprintf("/%s/delete/%s", event, identity), nil, false, nil)
}

// WorldStatus returns the world with live service state
func (c *Client) WorldStatus(ctx context.Context, event, identity string) (*World, error) {
	var w World
	if err := c.call(ctx, "GET", fmt.Sprintf("/%s/status/%s", event, identity), nil, false, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorldConfig returns connection info and VPN config for the world
func (c *Client) GetWorldConfig(ctx context.Context, event, identity string) (*WorldConfig, error) {
	var cfg WorldConfig
	if err := c.call(ctx, "GET", fmt.Sprintf("/%s/config/%s", event, identity), nil, false, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListWorlds returns the event's worlds
func (c *Client) ListWorlds(ctx context.Context, event string) ([]*World, error) {
	var worlds []*World
	if err := c.call(ctx, "GET", fmt.Sprintf("/%s/worlds", event), nil, false, &worlds); err != nil {
		return nil, err
	}
	return worlds, nil
}

// WireguardConfig returns the world's wg-quick file verbatim
func (c *Client) WireguardConfig(ctx context.Context, event, identity string) (string, error) {
	raw, status, err := c.doRequest(ctx, "GET", fmt.Sprintf("/%s/wireguard/%s/config", event, identity), nil, false)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", apiErrorFrom(raw, status)
	}
	return string(raw), nil
}

// WireguardNetwork returns the world's VPN attachment details
func (c *Client) WireguardNetwork(ctx context.Context, event, identity string) (*WireguardNetwork, error) {
	var net WireguardNetwork
	if err := c.call(ctx, "GET", fmt.Sprintf("/%s/wireguard/%s/network", event, identity), nil, false, &net); err != nil {
		return nil, err
	}
	return &net, nil
}

// APIError is a non-2xx response from the daemon
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Code, e.Message)
}

// call performs a request and decodes the standard response envelope
func (c *Client) call(ctx context.Context, method, path string, body io.Reader, admin bool, out any) error {
	raw, status, err := c.doRequest(ctx, method, path, body, admin)
	if err != nil {
		return err
	}

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !env.Success {
		apiErr := &APIError{StatusCode: status}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func apiErrorFrom(raw []byte, status int) error {
	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// doRequest executes an HTTP request and returns the raw body
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, admin bool) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return raw, resp.StatusCode, nil
}
