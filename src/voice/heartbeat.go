package voice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tempestgg/tempest/src/structs"
)

const latencyWindow = 20

// keepAlive drives the voice gateway heartbeat. Unlike the main gateway
// driver it never force-closes a quiet connection; it only keeps the
// rolling latency window that feeds AverageLatency.
type keepAlive struct {
	v        *Voice
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	lastAck   time.Time
	lastSend  time.Time
	lastRecv  time.Time
	latency   time.Duration
	latencies []time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newKeepAlive(v *Voice, interval time.Duration) *keepAlive {
	now := time.Now()
	return &keepAlive{
		v:        v,
		interval: interval,
		log:      v.log,
		lastAck:  now,
		lastSend: now,
		lastRecv: now,
		stop:     make(chan struct{}),
	}
}

func (k *keepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
		}
		if err := k.v.sendEvent(k.payload()); err != nil {
			k.log.Error("failed to send voice heartbeat event", "error", err.Error())
			k.Stop()
			return
		}
		k.mu.Lock()
		k.lastSend = time.Now()
		k.mu.Unlock()
		k.log.Debug("voice heartbeat event sent")
	}
}

// payload is the v4 heartbeat shape: a bare millisecond timestamp.
func (k *keepAlive) payload() *structs.Event {
	return &structs.Event{
		Op: OpcodeHeartbeat,
		D:  time.Now().UnixMilli(),
	}
}

func (k *keepAlive) Stop() {
	k.stopOnce.Do(func() {
		close(k.stop)
	})
}

// Ack also refreshes lastRecv: an ack proves the connection is alive.
func (k *keepAlive) Ack() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	k.lastAck = now
	k.lastRecv = now
	k.latency = now.Sub(k.lastSend)
	k.latencies = append(k.latencies, k.latency)
	if len(k.latencies) > latencyWindow {
		k.latencies = k.latencies[len(k.latencies)-latencyWindow:]
	}
}

func (k *keepAlive) Latency() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.latency
}

// AverageLatency averages the last 20 heartbeat round trips.
func (k *keepAlive) AverageLatency() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range k.latencies {
		total += l
	}
	return total / time.Duration(len(k.latencies))
}
