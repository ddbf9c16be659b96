package shard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tempestgg/tempest/src/gateway"
	"github.com/tempestgg/tempest/src/rest"
)

func TestHandleQueueItemPrivilegedIntents(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	done, err := c.handleQueueItem(context.Background(), EventItem{
		Type: EventClose,
		Err:  &gateway.ConnectionClosed{Code: gateway.CloseCodeDisallowedIntents, ShardID: 3},
	})
	assert.True(t, done)

	var privileged *gateway.PrivilegedIntents
	require.ErrorAs(t, err, &privileged)
	assert.Equal(t, 3, privileged.ShardID)
}

func TestHandleQueueItemCleanClose(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	done, err := c.handleQueueItem(context.Background(), EventItem{
		Type: EventClose,
		Err:  &gateway.ConnectionClosed{Code: websocket.CloseNormalClosure, ShardID: 0},
	})
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestHandleQueueItemFatalClose(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	cause := &gateway.ConnectionClosed{Code: gateway.CloseCodeAuthenticationFailed, ShardID: 1}
	done, err := c.handleQueueItem(context.Background(), EventItem{Type: EventClose, Err: cause})
	assert.True(t, done)
	assert.ErrorIs(t, err, error(cause))
}

func TestHandleQueueItemTerminate(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	cause := errors.New("boom")
	done, err := c.handleQueueItem(context.Background(), EventItem{Type: EventTerminate, Err: cause})
	assert.True(t, done)
	assert.ErrorIs(t, err, cause)
	assert.True(t, c.isClosed())
}

func TestCoordinatorCloseIsIdempotent(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	c.Close()
	c.Close()
	assert.True(t, c.isClosed())

	// Exactly one clean-close item must be queued.
	item, err := c.queue.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventCleanClose, item.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.queue.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaunchShardsInitialConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello := `{"op":10,"d":{"heartbeat_interval":45000}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()

	gatewayURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"` + gatewayURL + `"}`))
	}))
	defer restSrv.Close()

	var mu sync.Mutex
	var connects, shardConnects []interface{}
	c := NewCoordinator(CoordinatorArguments{
		Token:      "t",
		ShardCount: 2,
		REST:       rest.NewClient(rest.ClientArguments{BotToken: "t", BaseURL: restSrv.URL}),
		Dispatch: func(event string, data interface{}) {
			mu.Lock()
			defer mu.Unlock()
			switch event {
			case "connect":
				connects = append(connects, data)
			case "shard_connect":
				shardConnects = append(shardConnects, data)
			}
		},
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.launchShards(ctx))

	mu.Lock()
	defer mu.Unlock()
	// The first shard alone marks the initial connection.
	assert.Len(t, connects, 1)
	assert.Equal(t, []interface{}{0, 1}, shardConnects)
}

func TestShardForGuild(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t", ShardCount: 4})
	c.shards = map[int]*Shard{
		0: {id: 0}, 1: {id: 1}, 2: {id: 2}, 3: {id: 3},
	}
	// (guild_id >> 22) % num_shards
	for guildID, want := range map[uint64]int{
		0:                0,
		1 << 22:          1,
		2 << 22:          2,
		3 << 22:          3,
		4 << 22:          0,
		81384788765712384: 2,
	} {
		sh := c.ShardForGuild(guildID)
		require.NotNil(t, sh)
		assert.Equal(t, want, sh.ID(), "guild %d", guildID)
	}
}

func TestShardForGuildWithoutShards(t *testing.T) {
	c := NewCoordinator(CoordinatorArguments{Token: "t"})
	assert.Nil(t, c.ShardForGuild(1<<22))
}
