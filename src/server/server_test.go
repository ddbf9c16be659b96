package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tempestgg/tempest/src/shard"
)

func newTestServer() *Server {
	coord := shard.NewCoordinator(shard.CoordinatorArguments{Token: "t"})
	srv := NewServer(coord)
	srv.setupRouter()
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer()
	resp, err := srv.router.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := &healthResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(body))
	assert.Equal(t, "ok", body.Status)
}

func TestShardsEmpty(t *testing.T) {
	srv := newTestServer()
	resp, err := srv.router.Test(httptest.NewRequest(http.MethodGet, "/shards", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []shard.ShardStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	assert.Empty(t, statuses)
}

func TestShardByIDUnknown(t *testing.T) {
	srv := newTestServer()
	resp, err := srv.router.Test(httptest.NewRequest(http.MethodGet, "/shards/9", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
