package scoreboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/models"
)

// fakeCTFd is a minimal in-memory stand-in for the platform API
type fakeCTFd struct {
	mu         sync.Mutex
	token      string
	challenges []challenge
	flags      []flag
	nextID     int
	failures   int // respond 500 this many times before recovering
	requests   int
}

func (f *fakeCTFd) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/challenges", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++

		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Header.Get("Authorization") != "Token "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.Method {
		case http.MethodGet:
			writeEnvelope(w, f.challenges)
		case http.MethodPost:
			var ch challenge
			if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.nextID++
			ch.ID = f.nextID
			f.challenges = append(f.challenges, ch)
			writeEnvelope(w, ch)
		}
	})
	mux.HandleFunc("/api/v1/flags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++

		switch r.Method {
		case http.MethodGet:
			writeEnvelope(w, f.flags)
		case http.MethodPost:
			var fl flag
			if err := json.NewDecoder(r.Body).Decode(&fl); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.nextID++
			fl.ID = f.nextID
			f.flags = append(f.flags, fl)
			writeEnvelope(w, fl)
		}
	})
	mux.HandleFunc("/api/v1/flags/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++

		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var id int
		fmt.Sscanf(r.URL.Path, "/api/v1/flags/%d", &id)
		for i, fl := range f.flags {
			if fl.ID == id {
				f.flags = append(f.flags[:i], f.flags[i+1:]...)
				writeEnvelope(w, struct{}{})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func testClient(ts *httptest.Server, token string) *Client {
	return NewClient(ts.URL, token, config.ScoreboardConfig{
		Timeout:    time.Second,
		RetryBase:  time.Millisecond,
		RetryMax:   5 * time.Millisecond,
		RetryCount: 3,
	})
}

func testBlueprint() *models.Blueprint {
	return &models.Blueprint{
		Name: "dvad25",
		Challenges: []models.Challenge{
			{Slug: "web-intro", Name: "Web Intro", Category: "web", Value: 100, FlagMode: models.FlagIndividual},
			{Slug: "crypto-101", Name: "Crypto 101", Category: "crypto", Value: 200, FlagMode: models.FlagShared},
		},
	}
}

func TestPublishChallengesCreatesMissing(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	ids, err := testClient(ts, "secret").PublishChallenges(context.Background(), testBlueprint())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids["web-intro"], ids["crypto-101"])
	assert.Len(t, f.challenges, 2)
}

func TestPublishChallengesIsIdempotent(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	c := testClient(ts, "secret")
	first, err := c.PublishChallenges(context.Background(), testBlueprint())
	require.NoError(t, err)
	second, err := c.PublishChallenges(context.Background(), testBlueprint())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.challenges, 2, "second publish must not duplicate challenges")
}

func TestPublishNeverModifiesExisting(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	f.nextID = 10
	f.challenges = []challenge{{ID: 7, Name: "Web Intro", Value: 500, State: "hidden"}}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	ids, err := testClient(ts, "secret").PublishChallenges(context.Background(), testBlueprint())
	require.NoError(t, err)

	assert.Equal(t, 7, ids["web-intro"])
	assert.Equal(t, 500, f.challenges[0].Value, "existing challenge must stay untouched")
}

func TestAddAndRemoveFlag(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	c := testClient(ts, "secret")
	require.NoError(t, c.AddFlag(context.Background(), 1, "flag{aaaa}", "dvad25/alice"))
	require.NoError(t, c.AddFlag(context.Background(), 1, "flag{bbbb}", "dvad25/bob"))
	require.Len(t, f.flags, 2)

	require.NoError(t, c.RemoveFlag(context.Background(), 1, "flag{aaaa}"))
	require.Len(t, f.flags, 1)
	assert.Equal(t, "flag{bbbb}", f.flags[0].Content)

	// retracting an unknown flag is a no-op
	require.NoError(t, c.RemoveFlag(context.Background(), 1, "flag{aaaa}"))
	assert.Len(t, f.flags, 1)
}

func TestEnsureFlagIsIdempotent(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	c := testClient(ts, "secret")
	require.NoError(t, c.EnsureFlag(context.Background(), 1, "flag{aaaa}", "dvad25/alice"))
	require.NoError(t, c.EnsureFlag(context.Background(), 1, "flag{aaaa}", "dvad25/alice"))
	assert.Len(t, f.flags, 1)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := &fakeCTFd{token: "secret", failures: 2}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	_, err := testClient(ts, "secret").PublishChallenges(context.Background(), testBlueprint())
	require.NoError(t, err)
}

func TestPersistentFailureReturnsErrSync(t *testing.T) {
	f := &fakeCTFd{token: "secret", failures: 100}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	_, err := testClient(ts, "secret").PublishChallenges(context.Background(), testBlueprint())
	require.ErrorIs(t, err, ErrSync)
}

func TestBadTokenFailsWithoutRetry(t *testing.T) {
	f := &fakeCTFd{token: "secret"}
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	_, err := testClient(ts, "wrong").PublishChallenges(context.Background(), testBlueprint())
	require.ErrorIs(t, err, ErrSync)
	assert.Equal(t, 1, f.requests, "auth failures must not be retried")
}
