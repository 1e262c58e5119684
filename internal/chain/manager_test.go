package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPCServer answers getVersion like a live node and counts hits.
func fakeRPCServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	hits := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		var req struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"solana-core": "1.18.0", "feature-set": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func testConfig(endpoints ...string) Config {
	return Config{
		FallbackEndpoints: endpoints,
		RequestTimeout:    2 * time.Second,
		MaxRetries:        1,
		RetryBackoff:      10 * time.Millisecond,
	}
}

func TestManager_GetConnectionLazy(t *testing.T) {
	m := NewManager(testConfig("http://127.0.0.1:0"), nil)

	// No probe happens; the handle is constructed against the first
	// candidate even though nothing listens there.
	c := m.GetConnection()
	require.NotNil(t, c)
	assert.Equal(t, "http://127.0.0.1:0", m.Endpoint())

	// Repeated calls return the same handle.
	assert.Same(t, c, m.GetConnection())
}

func TestManager_GetConnectionNoEndpoints(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.Nil(t, m.GetConnection())

	_, err := m.GetHealthyConnection(context.Background())
	assert.True(t, errors.Is(err, ErrNoEndpoints))
}

func TestManager_TestConnection(t *testing.T) {
	srv, _ := fakeRPCServer(t)

	m := NewManager(testConfig(srv.URL), nil)
	assert.True(t, m.TestConnection(context.Background()))

	dead := NewManager(testConfig("http://127.0.0.1:1"), nil)
	assert.False(t, dead.TestConnection(context.Background()))
}

func TestManager_FailoverToNextEndpoint(t *testing.T) {
	srv, hits := fakeRPCServer(t)

	// First candidate is dead; the manager must fail over.
	m := NewManager(testConfig("http://127.0.0.1:1", srv.URL), nil)

	c, err := m.GetHealthyConnection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, srv.URL, m.Endpoint())
	assert.Greater(t, *hits, 0)
}

func TestManager_AllEndpointsUnreachable(t *testing.T) {
	m := NewManager(testConfig("http://127.0.0.1:1", "http://127.0.0.1:2"), nil)

	_, err := m.GetHealthyConnection(context.Background())
	assert.True(t, errors.Is(err, ErrAllEndpointsUnreachable))
}

func TestManager_PrimaryEndpointIsExclusive(t *testing.T) {
	srv, hits := fakeRPCServer(t)

	cfg := testConfig(srv.URL)
	cfg.PrimaryEndpoint = "http://127.0.0.1:1"
	m := NewManager(cfg, nil)

	// The healthy fallback must never be consulted when a primary is
	// pinned by deployment configuration.
	_, err := m.GetHealthyConnection(context.Background())
	assert.True(t, errors.Is(err, ErrAllEndpointsUnreachable))
	assert.Equal(t, 0, *hits)
}

func TestManager_GetLatestBlockhashRetriesThenSucceeds(t *testing.T) {
	failures := 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "getLatestBlockhash" && failures > 0 {
			failures--
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "getLatestBlockhash":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{
					"context": map[string]any{"slot": 1},
					"value": map[string]any{
						"blockhash":            "GH7ome3EiwEr7tu9JuTh2dpYWBJK3z69Xm1ZE3MEE6JC",
						"lastValidBlockHeight": 100,
					},
				},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{"solana-core": "1.18.0"},
			})
		}
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), nil)

	hash, err := m.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.False(t, hash.IsZero())
	assert.Equal(t, 0, failures, "the failed attempt should have been retried")
}
