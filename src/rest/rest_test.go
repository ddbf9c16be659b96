package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBotGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		assert.Equal(t, "Bot token123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":2,` +
			`"session_start_limit":{"total":1000,"remaining":999,"reset_after":14400000,"max_concurrency":1}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientArguments{BotToken: "token123", BaseURL: srv.URL})
	shards, gatewayURL, err := c.GetBotGateway(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, shards)
	assert.Equal(t, "wss://gateway.discord.gg", gatewayURL)
}

func TestGetBotGatewayUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ClientArguments{BotToken: "bad", BaseURL: srv.URL})
	_, _, err := c.GetBotGateway(context.Background())
	assert.ErrorIs(t, err, ErrGatewayNotFound)
}

func TestGetGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway", r.URL.Path)
		_, _ = w.Write([]byte(`{"url":"wss://gateway.discord.gg"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientArguments{BotToken: "token123", BaseURL: srv.URL})
	gatewayURL, err := c.GetGateway(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.discord.gg", gatewayURL)
}

func TestFormatGatewayURL(t *testing.T) {
	formatted, err := FormatGatewayURL("wss://gateway.discord.gg")
	require.NoError(t, err)

	u, err := url.Parse(formatted)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "gateway.discord.gg", u.Host)
	assert.Equal(t, "10", u.Query().Get("v"))
	assert.Equal(t, "json", u.Query().Get("encoding"))
	assert.Equal(t, "zlib-stream", u.Query().Get("compress"))
}

func TestFormatGatewayURLKeepsExistingQuery(t *testing.T) {
	formatted, err := FormatGatewayURL("wss://resume.discord.gg/?session=abc")
	require.NoError(t, err)
	u, err := url.Parse(formatted)
	require.NoError(t, err)
	assert.Equal(t, "abc", u.Query().Get("session"))
	assert.Equal(t, "10", u.Query().Get("v"))
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(ClientArguments{BotToken: "t"})
	assert.Equal(t, defaultBaseURL, c.URL())
}
