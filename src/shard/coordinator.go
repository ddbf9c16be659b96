package shard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tempestgg/tempest/src/gateway"
	"github.com/tempestgg/tempest/src/rest"
	"github.com/tempestgg/tempest/src/structs"
	"github.com/tempestgg/tempest/src/voicemanager"
)

const launchRetryDelay = 5 * time.Second

type CoordinatorArguments struct {
	Token      string
	Intents    uint64
	Presence   *structs.PresenceUpdate
	ShardCount int // 0 means ask the gateway for the recommended count

	HeartbeatTimeout       time.Duration
	NonResumableCloseCodes []int
	AutoReconnect          bool

	REST     *rest.Client
	Dispatch gateway.DispatchFunc
	Logger   *slog.Logger
}

// Coordinator owns every shard, the priority event queue and the top-level
// reconnect and shutdown policy. All cross-shard recovery flows through the
// queue; shards never call into each other.
type Coordinator struct {
	token      string
	intents    uint64
	presence   *structs.PresenceUpdate
	shardCount int

	heartbeatTimeout time.Duration
	nonResumable     []int
	autoReconnect    bool

	rest     *rest.Client
	dispatch gateway.DispatchFunc
	log      *slog.Logger
	queue    *eventQueue
	voices   *voicemanager.VoiceManager

	mu     sync.RWMutex
	shards map[int]*Shard
	closed bool
}

func NewCoordinator(args CoordinatorArguments) *Coordinator {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.Dispatch == nil {
		args.Dispatch = func(string, interface{}) {}
	}
	return &Coordinator{
		token:            args.Token,
		intents:          args.Intents,
		presence:         args.Presence,
		shardCount:       args.ShardCount,
		heartbeatTimeout: args.HeartbeatTimeout,
		nonResumable:     args.NonResumableCloseCodes,
		autoReconnect:    args.AutoReconnect,
		rest:             args.REST,
		dispatch:         args.Dispatch,
		log:              args.Logger,
		queue:            newEventQueue(),
		voices:           voicemanager.NewVoiceManager(),
	}
}

// Connect launches every shard and then drains the event queue until a
// clean close or a fatal error. Recoverable shard failures never surface
// here; they are resolved by delegating back to the owning shard.
func (c *Coordinator) Connect(ctx context.Context) error {
	if err := c.launchShards(ctx); err != nil {
		return err
	}

	for !c.isClosed() {
		item, err := c.queue.Get(ctx)
		if err != nil {
			c.Close()
			return nil
		}
		done, err := c.handleQueueItem(ctx, item)
		if done {
			return err
		}
	}
	return nil
}

func (c *Coordinator) handleQueueItem(ctx context.Context, item EventItem) (bool, error) {
	switch item.Type {
	case EventClose:
		c.Close()
		var cc *gateway.ConnectionClosed
		if errors.As(item.Err, &cc) {
			if cc.Code == gateway.CloseCodeDisallowedIntents {
				return true, &gateway.PrivilegedIntents{ShardID: cc.ShardID}
			}
			if cc.Code != websocket.CloseNormalClosure {
				return true, item.Err
			}
		}
		return true, nil

	case EventResume, EventIdentify:
		item.Shard.Reidentify(ctx, item.Type == EventResume)
		return false, nil

	case EventReconnect:
		item.Shard.Reconnect(ctx)
		return false, nil

	case EventTerminate:
		c.Close()
		return true, item.Err

	case EventCleanClose:
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) launchShards(ctx context.Context) error {
	var gatewayURL string
	var err error
	if c.shardCount == 0 {
		c.shardCount, gatewayURL, err = c.rest.GetBotGateway(ctx)
	} else {
		gatewayURL, err = c.rest.GetGateway(ctx)
	}
	if err != nil {
		return err
	}
	c.log.Info("launching shards", "shard_count", c.shardCount)

	c.mu.Lock()
	c.shards = make(map[int]*Shard, c.shardCount)
	c.mu.Unlock()

	for shardID := 0; shardID < c.shardCount; shardID++ {
		if err := c.launchShard(ctx, gatewayURL, shardID, shardID == 0); err != nil {
			return err
		}
	}
	return nil
}

// launchShard retries indefinitely with a fixed delay; a shard that cannot
// connect at startup is not fatal, only slow. Only the first shard of a
// launch counts as the initial connection.
func (c *Coordinator) launchShard(ctx context.Context, gatewayURL string, shardID int, initial bool) error {
	ws := gateway.NewSession(gateway.SessionArguments{
		Token:                  c.token,
		Intents:                c.intents,
		Presence:               c.presence,
		GatewayURL:             gatewayURL,
		ShardID:                shardID,
		ShardCount:             c.shardCount,
		HeartbeatTimeout:       c.heartbeatTimeout,
		NonResumableCloseCodes: c.nonResumable,
		Dial:                   c.rest.DialGateway,
		Dispatch:               c.dispatch,
		Logger:                 c.log,
	})
	for {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := ws.Connect(dialCtx, false)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("failed to connect shard. retrying...",
			"shard_id", shardID, "error", err.Error())
		select {
		case <-time.After(launchRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if initial {
		c.dispatch("connect", nil)
	}
	c.dispatch("shard_connect", shardID)

	sh := newShard(c, ws)
	c.mu.Lock()
	c.shards[shardID] = sh
	c.mu.Unlock()
	// Keep reading this shard while the others connect.
	sh.Launch(ctx)
	return nil
}

// Close fans out to every shard concurrently; one shard failing to close
// must not keep its siblings open. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	shards := make([]*Shard, 0, len(c.shards))
	for _, sh := range c.shards {
		shards = append(shards, sh)
	}
	c.mu.Unlock()

	c.voices.CloseAll()

	var wg sync.WaitGroup
	for _, sh := range shards {
		wg.Add(1)
		go func(sh *Shard) {
			defer wg.Done()
			if err := sh.Close(); err != nil {
				c.log.Error("failed to close shard", "shard_id", sh.ID(), "error", err.Error())
			}
		}(sh)
	}
	wg.Wait()
	c.queue.Put(EventItem{Type: EventCleanClose})
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) Shard(shardID int) *Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shards[shardID]
}

// ShardForGuild routes a guild to its owning shard.
func (c *Coordinator) ShardForGuild(guildID uint64) *Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.shardCount == 0 {
		return nil
	}
	return c.shards[int((guildID>>22)%uint64(c.shardCount))]
}

// Latency averages every shard's heartbeat latency.
func (c *Coordinator) Latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.shards) == 0 {
		return 0
	}
	var total time.Duration
	for _, sh := range c.shards {
		total += sh.Latency()
	}
	return total / time.Duration(len(c.shards))
}

func (c *Coordinator) IsRatelimited() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sh := range c.shards {
		if sh.IsRatelimited() {
			return true
		}
	}
	return false
}

// ShardStatus is a snapshot of one shard for the status server.
type ShardStatus struct {
	ID          int     `json:"id"`
	Status      string  `json:"status"`
	Latency     float64 `json:"latency_seconds"`
	Ratelimited bool    `json:"ratelimited"`
}

func (c *Coordinator) Statuses() []ShardStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	statuses := make([]ShardStatus, 0, len(c.shards))
	for shardID := 0; shardID < c.shardCount; shardID++ {
		sh, ok := c.shards[shardID]
		if !ok {
			continue
		}
		statuses = append(statuses, ShardStatus{
			ID:          shardID,
			Status:      sh.ws.Status(),
			Latency:     sh.Latency().Seconds(),
			Ratelimited: sh.IsRatelimited(),
		})
	}
	return statuses
}
