package scoreboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sethvargo/go-retry"

	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/models"
)

// ErrSync is returned when the scoring platform cannot be brought in
// line with the engine's state
var ErrSync = errors.New("scoring platform sync failed")

// Client talks to a CTFd instance using an admin access token
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cfg        config.ScoreboardConfig
}

func NewClient(baseURL, token string, cfg config.ScoreboardConfig) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// challenge mirrors the fields of /api/v1/challenges we use
type challenge struct {
	ID             int    `json:"id,omitempty"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Value          int    `json:"value"`
	Type           string `json:"type"`
	State          string `json:"state"`
	ConnectionInfo string `json:"connection_info,omitempty"`
}

type flag struct {
	ID          int    `json:"id,omitempty"`
	ChallengeID int    `json:"challenge_id"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
}

// PublishChallenges makes sure every blueprint challenge exists on the
// platform and returns the slug to platform ID mapping. Existing
// challenges are matched by name and never modified, so manual edits on
// the platform survive engine restarts.
func (c *Client) PublishChallenges(ctx context.Context, bp *models.Blueprint) (map[string]int, error) {
	var existing []challenge
	if err := c.do(ctx, http.MethodGet, "/api/v1/challenges?view=admin", nil, &existing); err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(existing))
	for _, ch := range existing {
		byName[ch.Name] = ch.ID
	}

	ids := make(map[string]int, len(bp.Challenges))
	for _, ch := range bp.Challenges {
		if id, ok := byName[ch.Name]; ok {
			ids[ch.Slug] = id
			continue
		}

		created := challenge{}
		payload := challenge{
			Name:           ch.Name,
			Category:       ch.Category,
			Description:    ch.Description,
			Value:          ch.Value,
			Type:           "standard",
			State:          "visible",
			ConnectionInfo: ch.ConnectionInfo,
		}
		if err := c.do(ctx, http.MethodPost, "/api/v1/challenges", payload, &created); err != nil {
			return nil, err
		}
		ids[ch.Slug] = created.ID

		slog.Info("published challenge", "name", ch.Name, "id", created.ID)
	}

	return ids, nil
}

// AddFlag registers a static flag for a challenge. The data field
// records which world the flag belongs to, so individual flags can be
// retracted later without guessing.
func (c *Client) AddFlag(ctx context.Context, challengeID int, content, worldTag string) error {
	payload := flag{
		ChallengeID: challengeID,
		Content:     content,
		Type:        "static",
		Data:        worldTag,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/flags", payload, nil)
}

// EnsureFlag registers a flag unless the platform already has it for
// the challenge. Retried syncs after a partial failure stay
// duplicate-free.
func (c *Client) EnsureFlag(ctx context.Context, challengeID int, content, worldTag string) error {
	q := url.Values{}
	q.Set("challenge_id", strconv.Itoa(challengeID))

	var flags []flag
	if err := c.do(ctx, http.MethodGet, "/api/v1/flags?"+q.Encode(), nil, &flags); err != nil {
		return err
	}
	for _, f := range flags {
		if f.ChallengeID == challengeID && f.Content == content {
			return nil
		}
	}
	return c.AddFlag(ctx, challengeID, content, worldTag)
}

// RemoveFlag retracts a previously registered flag, matched by its
// content. Removing a flag the platform does not know is a no-op.
func (c *Client) RemoveFlag(ctx context.Context, challengeID int, content string) error {
	q := url.Values{}
	q.Set("challenge_id", strconv.Itoa(challengeID))

	var flags []flag
	if err := c.do(ctx, http.MethodGet, "/api/v1/flags?"+q.Encode(), nil, &flags); err != nil {
		return err
	}

	for _, f := range flags {
		if f.ChallengeID == challengeID && f.Content == content {
			return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/flags/%d", f.ID), nil, nil)
		}
	}
	return nil
}

// Ping verifies the token works against the platform
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/challenges?view=admin", nil, nil)
}

// envelope is CTFd's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// do performs one API call with exponential backoff. Connection errors
// and 5xx responses are retried; anything else fails immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request: %v", ErrSync, err)
		}
	}

	backoff, err := retry.NewExponential(c.cfg.RetryBase)
	if err != nil {
		return fmt.Errorf("%w: bad retry configuration: %v", ErrSync, err)
	}
	backoff = retry.WithCappedDuration(c.cfg.RetryMax, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(c.cfg.RetryCount, backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Token "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
		}

		if out == nil {
			return nil
		}

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if !env.Success {
			return fmt.Errorf("%s %s reported failure", method, path)
		}
		return json.Unmarshal(env.Data, out)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSync, err)
	}
	return nil
}
