package gateway

import (
	"log/slog"
	"sync"
	"time"
)

const heartbeatBlockWarn = 10 * time.Second

// KeepAlive drives the periodic heartbeat for one gateway connection. It
// runs on its own goroutine so heartbeat timing is independent of however
// busy the receive loop is. Heartbeats go through the session's dedicated
// heartbeat send path, which skips the rate limiter.
type KeepAlive struct {
	ws       *Session
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	lastAck  time.Time
	lastSend time.Time
	lastRecv time.Time
	latency  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newKeepAlive(ws *Session, interval time.Duration) *KeepAlive {
	now := time.Now()
	return &KeepAlive{
		ws:       ws,
		interval: interval,
		timeout:  ws.heartbeatTimeout,
		log:      ws.log,
		lastAck:  now,
		lastSend: now,
		lastRecv: now,
		stop:     make(chan struct{}),
	}
}

func (k *KeepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
		}

		if time.Since(k.LastRecv()) > k.timeout {
			k.log.Warn("shard has stopped responding to the gateway. closing and restarting",
				"shard_id", k.ws.shardID)
			if err := k.ws.Close(CloseCodeUnknownError); err != nil {
				k.log.Error("error occurred while stopping the gateway. ignoring",
					"shard_id", k.ws.shardID, "error", err.Error())
			}
			k.Stop()
			return
		}

		payload := k.ws.heartbeatPayload()
		k.log.Debug("keeping shard websocket alive", "shard_id", k.ws.shardID, "sequence", payload.D)
		if !k.send(payload) {
			k.Stop()
			return
		}
		k.setLastSend(time.Now())
	}
}

// send writes one heartbeat frame, logging every 10 seconds the write stays
// blocked rather than giving up on it.
func (k *KeepAlive) send(payload interface{}) bool {
	done := make(chan error, 1)
	go func() {
		done <- k.ws.SendHeartbeat(payload)
	}()
	var blocked time.Duration
	for {
		select {
		case err := <-done:
			return err == nil
		case <-k.stop:
			return false
		case <-time.After(heartbeatBlockWarn):
			blocked += heartbeatBlockWarn
			k.log.Warn("shard heartbeat blocked",
				"shard_id", k.ws.shardID,
				"seconds", blocked.Seconds())
		}
	}
}

func (k *KeepAlive) Stop() {
	k.stopOnce.Do(func() {
		close(k.stop)
	})
}

// Tick records that any frame arrived on the connection.
func (k *KeepAlive) Tick() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastRecv = time.Now()
}

// Ack records a HEARTBEAT_ACK and refreshes the measured latency. Lagging
// acks are advisory only, the connection is not torn down for them.
func (k *KeepAlive) Ack() {
	k.mu.Lock()
	now := time.Now()
	k.lastAck = now
	k.latency = now.Sub(k.lastSend)
	latency := k.latency
	k.mu.Unlock()
	if latency > heartbeatBlockWarn {
		k.log.Warn("can't keep up, shard websocket is behind",
			"shard_id", k.ws.shardID,
			"latency", latency.Seconds())
	}
}

func (k *KeepAlive) Latency() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.latency
}

func (k *KeepAlive) LastRecv() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastRecv
}

func (k *KeepAlive) setLastSend(t time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastSend = t
}
