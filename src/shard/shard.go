package shard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/tempestgg/tempest/src/gateway"
	"github.com/tempestgg/tempest/src/rest"
)

const connectTimeout = 60 * time.Second

// Shard supervises exactly one gateway session on a background goroutine,
// translating its recovery signals into queue items for the coordinator.
type Shard struct {
	id    int
	ws    *gateway.Session
	coord *Coordinator
	log   *slog.Logger

	backoff *backoff.ExponentialBackOff

	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

func newShard(coord *Coordinator, ws *gateway.Session) *Shard {
	return &Shard{
		id:      ws.ShardID(),
		ws:      ws,
		coord:   coord,
		log:     coord.log,
		backoff: newReconnectBackoff(),
	}
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0 // never give up, the coordinator decides that
	return b
}

func (sh *Shard) ID() int {
	return sh.id
}

func (sh *Shard) Session() *gateway.Session {
	return sh.ws
}

func (sh *Shard) Launch(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	sh.workerCancel = cancel
	sh.workerDone = make(chan struct{})
	go sh.worker(workerCtx)
}

func (sh *Shard) worker(ctx context.Context) {
	defer close(sh.workerDone)
	for !sh.coord.isClosed() {
		outcome, err := sh.ws.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isHandledDisconnect(err) {
				sh.handleDisconnect(ctx, err)
				return
			}
			sh.coord.queue.Put(EventItem{Type: EventTerminate, Shard: sh, Err: err})
			return
		}
		switch outcome {
		case gateway.OutcomeResume:
			sh.coord.queue.Put(EventItem{Type: EventResume, Shard: sh})
			return
		case gateway.OutcomeIdentify:
			sh.coord.queue.Put(EventItem{Type: EventIdentify, Shard: sh})
			return
		}
	}
}

// isHandledDisconnect reports whether the error is an expected
// connection-level failure that the disconnect policy can triage, as
// opposed to a programming error that must terminate the coordinator.
func isHandledDisconnect(err error) bool {
	var cc *gateway.ConnectionClosed
	var ce *websocket.CloseError
	var ne net.Error
	return errors.As(err, &cc) ||
		errors.As(err, &ce) ||
		errors.As(err, &ne) ||
		errors.Is(err, rest.ErrGatewayNotFound) ||
		errors.Is(err, gateway.ErrSessionClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (sh *Shard) handleDisconnect(ctx context.Context, err error) {
	sh.coord.dispatch("disconnect", nil)
	sh.coord.dispatch("shard_disconnect", sh.id)

	if !sh.coord.autoReconnect {
		sh.coord.queue.Put(EventItem{Type: EventClose, Shard: sh, Err: err})
		return
	}
	if sh.coord.isClosed() {
		return
	}

	// A peer reset is always worth a RESUME attempt.
	if errors.Is(err, syscall.ECONNRESET) {
		sh.coord.queue.Put(EventItem{Type: EventResume, Shard: sh, Err: err})
		return
	}

	var cc *gateway.ConnectionClosed
	if errors.As(err, &cc) {
		if cc.Code == gateway.CloseCodeDisallowedIntents {
			sh.coord.queue.Put(EventItem{
				Type:  EventTerminate,
				Shard: sh,
				Err:   &gateway.PrivilegedIntents{ShardID: sh.id},
			})
			return
		}
		if cc.Code != websocket.CloseNormalClosure {
			sh.coord.queue.Put(EventItem{Type: EventClose, Shard: sh, Err: err})
			return
		}
	}

	retry := sh.backoff.NextBackOff()
	sh.log.Error("attempting a reconnect for shard",
		"shard_id", sh.id,
		"delay", retry.Seconds(),
		"error", err.Error())
	select {
	case <-time.After(retry):
	case <-ctx.Done():
		return
	}
	sh.coord.queue.Put(EventItem{Type: EventReconnect, Shard: sh, Err: err})
}

// Reidentify tears the worker down and performs a fresh handshake. When
// resume is set, the stored session id and sequence are reused; otherwise
// the session state is discarded and a new IDENTIFY is sent.
func (sh *Shard) Reidentify(ctx context.Context, resume bool) {
	sh.cancelWorker()
	sh.coord.dispatch("disconnect", nil)
	sh.coord.dispatch("shard_disconnect", sh.id)
	op := "resume"
	if !resume {
		op = "identify"
		sh.ws.ClearSession()
	}
	sh.log.Info("got a request to reconnect the websocket", "shard_id", sh.id, "op", op)
	sh.connect(ctx, resume)
}

// Reconnect drops the session entirely and starts a brand-new one.
func (sh *Shard) Reconnect(ctx context.Context) {
	sh.cancelWorker()
	sh.ws.ClearSession()
	sh.connect(ctx, false)
}

func (sh *Shard) connect(ctx context.Context, resume bool) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	err := sh.ws.Connect(dialCtx, resume)
	if err == nil {
		sh.backoff.Reset()
		sh.Launch(ctx)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if isHandledDisconnect(err) {
		sh.handleDisconnect(ctx, err)
		return
	}
	sh.coord.queue.Put(EventItem{Type: EventTerminate, Shard: sh, Err: err})
}

func (sh *Shard) cancelWorker() {
	if sh.workerCancel != nil {
		sh.workerCancel()
	}
	// Unblock a pending read.
	_ = sh.ws.Close(gateway.CloseCodeUnknownError)
	if sh.workerDone != nil {
		<-sh.workerDone
	}
}

func (sh *Shard) Close() error {
	if sh.workerCancel != nil {
		sh.workerCancel()
	}
	err := sh.ws.Close(websocket.CloseNormalClosure)
	if sh.workerDone != nil {
		<-sh.workerDone
	}
	return err
}

func (sh *Shard) Disconnect() error {
	err := sh.Close()
	sh.coord.dispatch("shard_disconnect", sh.id)
	return err
}

func (sh *Shard) Latency() time.Duration {
	return sh.ws.Latency()
}

func (sh *Shard) IsRatelimited() bool {
	return sh.ws.IsRatelimited()
}
