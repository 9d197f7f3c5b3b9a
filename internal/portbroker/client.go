// Package portbroker talks to portd, the host-port allocator daemon.
//
// The engine runs inside an overlay network namespace and cannot observe
// host-level port usage itself, so portd is the single arbiter of which
// host ports are free. It is reached over a unix socket and answers one
// free port per request.
package portbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNoPortAvailable means the broker's address space is exhausted.
// Fatal for the current world-creation attempt; the condition rarely
// self-heals quickly, so callers must not spin on it.
var ErrNoPortAvailable = errors.New("no free host port available")

// Client requests exclusively-reserved free host ports from portd
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a broker client dialing the portd unix socket
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		// Host is arbitrary; the transport dials the socket.
		baseURL: "http://portd",
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Allocate obtains one free host port from the broker. The blacklist
// carries ports already handed to the same world so allocations within
// one world are pairwise distinct even before their listeners exist.
// Transient transport errors are retried with a small bounded backoff;
// broker exhaustion is surfaced immediately as ErrNoPortAvailable.
func (c *Client) Allocate(ctx context.Context, protocol string, blacklist []int) (int, error) {
	q := url.Values{}
	if protocol != "" {
		q.Set("protocol", protocol)
	}
	for _, p := range blacklist {
		q.Add("blacklist", strconv.Itoa(p))
	}

	reqURL := c.baseURL + "/?" + q.Encode()

	var port int
	backoff, err := retry.NewExponential(200 * time.Millisecond)
	if err != nil {
		return 0, err
	}
	backoff = retry.WithMaxRetries(2, backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		if err != nil {
			return retry.RetryableError(err)
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			return ErrNoPortAvailable
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("port broker returned status %d", resp.StatusCode)
		}

		port, err = strconv.Atoi(strings.TrimSpace(string(body)))
		if err != nil {
			return fmt.Errorf("port broker returned non-numeric port %q", body)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return port, nil
}
