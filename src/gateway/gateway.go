package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tempestgg/tempest/src/structs"
)

// https://discord.com/developers/docs/events/gateway#gateway-intents
type GatewayIntent = uint64

const (
	GuildsIntent                      GatewayIntent = 1 << 0
	GuildMembersIntent                GatewayIntent = 1 << 1
	GuildModerationIntent             GatewayIntent = 1 << 2
	GuildExpressionIntent             GatewayIntent = 1 << 3
	GuildIntegrationsIntent           GatewayIntent = 1 << 4
	GuildWebhooksIntent               GatewayIntent = 1 << 5
	GuildInvitesIntent                GatewayIntent = 1 << 6
	GuildVoiceStatesIntent            GatewayIntent = 1 << 7
	GuildPresencesIntent              GatewayIntent = 1 << 8
	GuildMessagesIntent               GatewayIntent = 1 << 9
	GuildMessageReactionIntent        GatewayIntent = 1 << 10
	GuildMessageTypingIntent          GatewayIntent = 1 << 11
	DirectMessageIntent               GatewayIntent = 1 << 12
	DirectMessageReactionIntent       GatewayIntent = 1 << 13
	DirectMessageTypingIntent         GatewayIntent = 1 << 14
	MessageContentIntent              GatewayIntent = 1 << 15
	GuildScheduledEventsIntent        GatewayIntent = 1 << 16
	AutoModerationConfigurationIntent GatewayIntent = 1 << 20
	AutoModerationExecutionIntent     GatewayIntent = 1 << 21
	GuildMessagePollsIntent           GatewayIntent = 1 << 24
	DirectMessagePollsIntent          GatewayIntent = 1 << 25
)

type GatewayStatus = string

const (
	StatusReady        GatewayStatus = "READY"
	StatusDisconnected GatewayStatus = "DISCONNECTED"
)

type GatewayOpcode = int

const (
	OpcodeDispatch            GatewayOpcode = 0
	OpcodeHeartbeat           GatewayOpcode = 1
	OpcodeIdentify            GatewayOpcode = 2
	OpcodePresenceUpdate      GatewayOpcode = 3
	OpcodeVoiceStateUpdate    GatewayOpcode = 4
	OpcodeVoicePing           GatewayOpcode = 5
	OpcodeResume              GatewayOpcode = 6
	OpcodeReconnect           GatewayOpcode = 7
	OpcodeRequestGuildMember  GatewayOpcode = 8
	OpcodeInvalidSession      GatewayOpcode = 9
	OpcodeHello               GatewayOpcode = 10
	OpcodeHeartbeatAck        GatewayOpcode = 11
	OpcodeGuildSync           GatewayOpcode = 12
)

type GatewayCloseEventCode = int

const (
	CloseCodeUnknownError         GatewayCloseEventCode = 4000
	CloseCodeUnknownOpcode        GatewayCloseEventCode = 4001
	CloseCodeDecodeError          GatewayCloseEventCode = 4002
	CloseCodeNotAuthenticated     GatewayCloseEventCode = 4003
	CloseCodeAuthenticationFailed GatewayCloseEventCode = 4004
	CloseCodeAlreadyAuthenticated GatewayCloseEventCode = 4005
	CloseCodeInvalidSeq           GatewayCloseEventCode = 4007
	CloseCodeRateLimited          GatewayCloseEventCode = 4008
	CloseCodeSessionTimedOut      GatewayCloseEventCode = 4009
	CloseCodeInvalidShard         GatewayCloseEventCode = 4010
	CloseCodeShardingRequired     GatewayCloseEventCode = 4011
	CloseCodeInvalidAPIVersion    GatewayCloseEventCode = 4012
	CloseCodeInvalidIntents       GatewayCloseEventCode = 4013
	CloseCodeDisallowedIntents    GatewayCloseEventCode = 4014
)

// DefaultNonResumableCloseCodes are the close codes that cannot be
// recovered by a RESUME. Discord may revise this set, so a session takes
// it as configuration rather than law.
var DefaultNonResumableCloseCodes = []int{
	websocket.CloseNormalClosure,
	CloseCodeAuthenticationFailed,
	CloseCodeInvalidShard,
	CloseCodeShardingRequired,
	CloseCodeInvalidAPIVersion,
	CloseCodeInvalidIntents,
	CloseCodeDisallowedIntents,
}

// PollOutcome tells the caller of Poll what to do next. Reconnect requests
// are expected control flow on this protocol, not errors.
type PollOutcome int

const (
	// OutcomeContinue: keep polling.
	OutcomeContinue PollOutcome = iota
	// OutcomeResume: reconnect and RESUME with the stored session state.
	OutcomeResume
	// OutcomeIdentify: the session is gone, reconnect and IDENTIFY fresh.
	OutcomeIdentify
)

// DispatchFunc receives every decoded gateway event plus internal
// lifecycle signals ("disconnect", "socket_event_type", ...).
type DispatchFunc func(event string, data interface{})

// DialFunc opens a raw websocket to the given gateway URL.
type DialFunc func(ctx context.Context, urlStr string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, urlStr string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
	return conn, err
}

const defaultHeartbeatTimeout = 60 * time.Second

type SessionArguments struct {
	Token      string
	Intents    uint64
	Properties structs.IdentifyEventProperties
	Presence   *structs.PresenceUpdate

	GatewayURL string
	ShardID    int
	ShardCount int

	// Treated as dead-connection threshold and receive deadline both.
	HeartbeatTimeout time.Duration
	// Close codes that must not be resumed. Defaults to
	// DefaultNonResumableCloseCodes when empty.
	NonResumableCloseCodes []int

	Dial     DialFunc
	Dispatch DispatchFunc
	Logger   *slog.Logger
}

// Session is the state machine of one gateway connection. All collaborators
// are handed over at construction; nothing is bolted on afterwards.
type Session struct {
	token      string
	intents    uint64
	properties structs.IdentifyEventProperties
	presence   *structs.PresenceUpdate
	gatewayURL string
	shardID    int
	shardCount int

	heartbeatTimeout time.Duration
	nonResumable     map[int]struct{}

	dial     DialFunc
	dispatch DispatchFunc
	log      *slog.Logger
	limiter  *RateLimiter

	sequence atomic.Int64 // -1 until the first dispatch

	stateMu          sync.RWMutex
	wsConn           *websocket.Conn
	sessionID        string
	resumeGatewayURL string
	userID           string
	status           GatewayStatus
	closeCode        int
	keepAlive        *KeepAlive

	writeMu  sync.Mutex
	inflater inflater

	waitersMu sync.Mutex
	waiters   []*eventWaiter
}

func NewSession(args SessionArguments) *Session {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.Dial == nil {
		args.Dial = defaultDial
	}
	if args.Dispatch == nil {
		args.Dispatch = func(string, interface{}) {}
	}
	if args.HeartbeatTimeout <= 0 {
		args.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if args.Properties == (structs.IdentifyEventProperties{}) {
		args.Properties = structs.IdentifyEventProperties{
			Os:      runtime.GOOS,
			Browser: "tempest",
			Device:  "tempest",
		}
	}
	codes := args.NonResumableCloseCodes
	if len(codes) == 0 {
		codes = DefaultNonResumableCloseCodes
	}
	nonResumable := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		nonResumable[code] = struct{}{}
	}
	s := &Session{
		token:            args.Token,
		intents:          args.Intents,
		properties:       args.Properties,
		presence:         args.Presence,
		gatewayURL:       args.GatewayURL,
		shardID:          args.ShardID,
		shardCount:       args.ShardCount,
		heartbeatTimeout: args.HeartbeatTimeout,
		nonResumable:     nonResumable,
		dial:             args.Dial,
		dispatch:         args.Dispatch,
		log:              args.Logger,
		limiter:          NewRateLimiter(0, 0, args.Logger),
		status:           StatusDisconnected,
	}
	s.limiter.shardID = args.ShardID
	s.sequence.Store(-1)
	return s
}

// Connect dials the gateway and performs the opening handshake: HELLO in,
// first heartbeat out, then IDENTIFY or RESUME. READY (or RESUMED) arrives
// later through Poll.
func (s *Session) Connect(ctx context.Context, resume bool) error {
	urlStr := s.gatewayURL
	if resume {
		if ru := s.ResumeGatewayURL(); ru != "" {
			urlStr = ru
		}
	}
	s.log.Info("connecting to discord...", "shard_id", s.shardID)
	conn, err := s.dial(ctx, urlStr)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.wsConn = conn
	s.closeCode = 0
	s.stateMu.Unlock()
	s.inflater.reset()

	_ = conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if _, err := s.acceptEvent(messageType, message); err != nil {
		return err
	}
	if s.keepAliveRef() == nil {
		return ErrNoHello
	}

	if resume && s.SessionID() != "" {
		return s.sendResume(ctx)
	}
	return s.sendIdentify(ctx)
}

// Poll performs one step of the receive loop. Recoverable conditions come
// back as an outcome, fatal ones as an error.
func (s *Session) Poll(ctx context.Context) (PollOutcome, error) {
	conn := s.conn()
	if conn == nil {
		return OutcomeContinue, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return OutcomeContinue, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		s.stopKeepAlive()
		s.setStatus(StatusDisconnected)

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.log.Info("timed out receiving packet. attempting a reconnect", "shard_id", s.shardID)
			return OutcomeResume, nil
		}

		var code int
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			code = ce.Code
		} else if cc := s.CloseCode(); cc != 0 {
			code = cc
		} else {
			// Raw transport failure with no close code; let the shard
			// supervisor classify it.
			return OutcomeContinue, err
		}

		if s.canResume(code) {
			s.log.Info("websocket closed, attempting a reconnect", "shard_id", s.shardID, "close_code", code)
			return OutcomeResume, nil
		}
		s.log.Info("websocket closed, cannot reconnect", "shard_id", s.shardID, "close_code", code)
		return OutcomeContinue, &ConnectionClosed{Code: code, ShardID: s.shardID}
	}
	return s.acceptEvent(messageType, message)
}

func (s *Session) acceptEvent(messageType int, message []byte) (PollOutcome, error) {
	if messageType == websocket.BinaryMessage {
		inflated, err := s.inflater.push(message)
		if err != nil {
			return OutcomeContinue, err
		}
		if inflated == nil {
			// Waiting for the rest of the frame.
			return OutcomeContinue, nil
		}
		message = inflated
	}

	e := &structs.RawEvent{}
	if err := json.Unmarshal(message, e); err != nil {
		return OutcomeContinue, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	if e.T != "" {
		s.dispatch("socket_event_type", e.T)
	}
	if ka := s.keepAliveRef(); ka != nil {
		ka.Tick()
	}

	switch e.Op {
	case OpcodeDispatch:
		s.sequence.Store(int64(e.S))
		s.onDispatch(e)

	case OpcodeHeartbeatAck:
		if ka := s.keepAliveRef(); ka != nil {
			ka.Ack()
		}

	case OpcodeHeartbeat:
		// The server asked for an early heartbeat.
		if err := s.SendHeartbeat(s.heartbeatPayload()); err != nil {
			return OutcomeContinue, err
		}

	case OpcodeHello:
		hello := &structs.HelloEvent{}
		if err := json.Unmarshal(e.D, hello); err != nil {
			return OutcomeContinue, err
		}
		ka := newKeepAlive(s, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
		s.setKeepAlive(ka)
		if err := s.SendHeartbeat(s.heartbeatPayload()); err != nil {
			return OutcomeContinue, err
		}
		go ka.run()

	case OpcodeReconnect:
		s.log.Info("received reconnect opcode", "shard_id", s.shardID)
		_ = s.Close(CloseCodeUnknownError)
		return OutcomeResume, nil

	case OpcodeInvalidSession:
		var resumable bool
		_ = json.Unmarshal(e.D, &resumable)
		if resumable {
			_ = s.Close(CloseCodeUnknownError)
			return OutcomeResume, nil
		}
		s.ClearSession()
		s.log.Info("shard session has been invalidated", "shard_id", s.shardID)
		_ = s.Close(websocket.CloseNormalClosure)
		return OutcomeIdentify, nil

	default:
		s.log.Warn("unknown op code", "op_code", e.Op)
	}
	return OutcomeContinue, nil
}

func (s *Session) onDispatch(e *structs.RawEvent) {
	switch e.T {
	case structs.EventNameReady:
		ready := &structs.ReadyEvent{}
		if err := json.Unmarshal(e.D, ready); err != nil {
			s.log.Error("failed to decode ready event", "error", err.Error())
			break
		}
		s.stateMu.Lock()
		s.sessionID = ready.SessionID
		s.resumeGatewayURL = ready.ResumeGatewayURL
		s.status = StatusReady
		if ready.User != nil {
			s.userID = ready.User.ID
		}
		s.stateMu.Unlock()
		s.log.Info("shard has connected to gateway",
			"shard_id", s.shardID,
			"session_id", ready.SessionID,
			"resume_url", ready.ResumeGatewayURL)

	case structs.EventNameResumed:
		s.setStatus(StatusReady)
		s.log.Info("shard has successfully resumed session",
			"shard_id", s.shardID,
			"session_id", s.SessionID())
	}

	s.dispatch(e.T, e.D)
	s.resolveWaiters(e)
}

type eventWaiter struct {
	event     string
	predicate func(json.RawMessage) bool
	ch        chan json.RawMessage
}

// WaitFor returns a channel that yields the payload of the next dispatched
// event with the given name for which the predicate holds. A nil predicate
// matches any payload.
func (s *Session) WaitFor(event string, predicate func(json.RawMessage) bool) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	s.waitersMu.Lock()
	s.waiters = append(s.waiters, &eventWaiter{event: event, predicate: predicate, ch: ch})
	s.waitersMu.Unlock()
	return ch
}

func (s *Session) resolveWaiters(e *structs.RawEvent) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.event != e.T || (w.predicate != nil && !w.predicate(e.D)) {
			kept = append(kept, w)
			continue
		}
		w.ch <- e.D
	}
	s.waiters = kept
}

func (s *Session) identifyPayload() *structs.Event {
	d := structs.IdentifyEvent{
		Token:          s.token,
		Properties:     s.properties,
		Compress:       true,
		LargeThreshold: 250,
		Intents:        s.intents,
		Presence:       s.presence,
	}
	if s.shardCount > 0 {
		d.Shard = []int{s.shardID, s.shardCount}
	}
	return &structs.Event{Op: OpcodeIdentify, D: d}
}

func (s *Session) sendIdentify(ctx context.Context) error {
	s.dispatch("before_identify", s.shardID)
	if err := s.SendJSON(ctx, s.identifyPayload()); err != nil {
		return fmt.Errorf("failed to send identify event: %w", err)
	}
	s.log.Info("identify event sent", "shard_id", s.shardID)
	return nil
}

func (s *Session) sendResume(ctx context.Context) error {
	seq := s.sequence.Load()
	if seq < 0 {
		seq = 0
	}
	payload := &structs.Event{
		Op: OpcodeResume,
		D: structs.ResumeEvent{
			Token:     s.token,
			SessionID: s.SessionID(),
			Seq:       uint64(seq),
		},
	}
	if err := s.SendJSON(ctx, payload); err != nil {
		return fmt.Errorf("failed to send resume event: %w", err)
	}
	s.log.Info("resume event sent", "shard_id", s.shardID)
	return nil
}

func (s *Session) heartbeatPayload() *structs.Event {
	var d interface{}
	if seq := s.sequence.Load(); seq >= 0 {
		d = seq
	}
	return &structs.Event{Op: OpcodeHeartbeat, D: d}
}

// Send writes one rate-limited frame.
func (s *Session) Send(ctx context.Context, data []byte) error {
	if err := s.limiter.Block(ctx); err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *Session) SendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(ctx, data)
}

// SendHeartbeat skips the rate limiter; heartbeats have priority over
// ordinary sends.
func (s *Session) SendHeartbeat(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *Session) UpdatePresence(ctx context.Context, p *structs.PresenceUpdate) error {
	return s.SendJSON(ctx, &structs.Event{Op: OpcodePresenceUpdate, D: p})
}

func (s *Session) RequestGuildMembers(ctx context.Context, req structs.RequestGuildMembers) error {
	return s.SendJSON(ctx, &structs.Event{Op: OpcodeRequestGuildMember, D: req})
}

func (s *Session) UpdateVoiceState(ctx context.Context, state structs.UpdateVoiceState) error {
	return s.SendJSON(ctx, &structs.Event{Op: OpcodeVoiceStateUpdate, D: state})
}

func (s *Session) write(messageType int, data []byte) error {
	conn := s.conn()
	if conn == nil {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// Close stops the keep alive, records the close code and tears the socket
// down. Safe to call on a session that never connected.
func (s *Session) Close(code int) error {
	s.stopKeepAlive()
	s.stateMu.Lock()
	conn := s.wsConn
	s.closeCode = code
	s.status = StatusDisconnected
	s.stateMu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(5*time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

// ClearSession discards the resumable state; the next handshake must be a
// fresh IDENTIFY.
func (s *Session) ClearSession() {
	s.sequence.Store(-1)
	s.stateMu.Lock()
	s.sessionID = ""
	s.resumeGatewayURL = ""
	s.stateMu.Unlock()
}

func (s *Session) canResume(code GatewayCloseEventCode) bool {
	_, ok := s.nonResumable[code]
	return !ok
}

func (s *Session) stopKeepAlive() {
	s.stateMu.Lock()
	ka := s.keepAlive
	s.keepAlive = nil
	s.stateMu.Unlock()
	if ka != nil {
		ka.Stop()
	}
}

func (s *Session) conn() *websocket.Conn {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.wsConn
}

func (s *Session) keepAliveRef() *KeepAlive {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.keepAlive
}

func (s *Session) setKeepAlive(ka *KeepAlive) {
	s.stateMu.Lock()
	s.keepAlive = ka
	s.stateMu.Unlock()
}

func (s *Session) setStatus(status GatewayStatus) {
	s.stateMu.Lock()
	s.status = status
	s.stateMu.Unlock()
}

func (s *Session) ShardID() int {
	return s.shardID
}

func (s *Session) SessionID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.sessionID
}

// UserID reports the bot user id captured from the READY event. Empty until
// the first successful identify.
func (s *Session) UserID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.userID
}

func (s *Session) ResumeGatewayURL() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.resumeGatewayURL
}

func (s *Session) Status() GatewayStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

func (s *Session) CloseCode() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closeCode
}

// Sequence returns the last seen dispatch sequence, or -1 before the first
// dispatch.
func (s *Session) Sequence() int64 {
	return s.sequence.Load()
}

// Latency measures the time between the last heartbeat and its ack.
func (s *Session) Latency() time.Duration {
	ka := s.keepAliveRef()
	if ka == nil {
		return 0
	}
	return ka.Latency()
}

func (s *Session) IsRatelimited() bool {
	return s.limiter.IsRatelimited()
}
