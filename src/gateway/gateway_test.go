package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tempestgg/tempest/src/structs"
)

func newTestSession(args SessionArguments) *Session {
	if args.Token == "" {
		args.Token = "test-token"
	}
	return NewSession(args)
}

func TestCanResume(t *testing.T) {
	s := newTestSession(SessionArguments{})
	tests := []struct {
		code      int
		resumable bool
	}{
		{websocket.CloseNormalClosure, false},
		{CloseCodeUnknownError, true},
		{CloseCodeUnknownOpcode, true},
		{CloseCodeAuthenticationFailed, false},
		{CloseCodeSessionTimedOut, true},
		{CloseCodeInvalidShard, false},
		{CloseCodeShardingRequired, false},
		{CloseCodeInvalidAPIVersion, false},
		{CloseCodeInvalidIntents, false},
		{CloseCodeDisallowedIntents, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.resumable, s.canResume(tt.code), "close code %d", tt.code)
	}
}

func TestCanResumeCustomCodes(t *testing.T) {
	s := newTestSession(SessionArguments{
		NonResumableCloseCodes: []int{CloseCodeRateLimited},
	})
	assert.False(t, s.canResume(CloseCodeRateLimited))
	// The defaults no longer apply once a custom set is handed in.
	assert.True(t, s.canResume(CloseCodeAuthenticationFailed))
}

func TestIdentifyPayloadCarriesShard(t *testing.T) {
	s := newTestSession(SessionArguments{
		ShardID:    2,
		ShardCount: 4,
		Intents:    GuildsIntent | GuildMessagesIntent,
	})
	payload := s.identifyPayload()
	assert.Equal(t, OpcodeIdentify, payload.Op)

	d, ok := payload.D.(structs.IdentifyEvent)
	require.True(t, ok)
	assert.Equal(t, "test-token", d.Token)
	assert.Equal(t, []int{2, 4}, d.Shard)
	assert.True(t, d.Compress)
	assert.Equal(t, uint8(250), d.LargeThreshold)
	assert.Equal(t, GuildsIntent|GuildMessagesIntent, d.Intents)
}

func TestIdentifyPayloadWithoutSharding(t *testing.T) {
	s := newTestSession(SessionArguments{})
	d, ok := s.identifyPayload().D.(structs.IdentifyEvent)
	require.True(t, ok)
	assert.Nil(t, d.Shard)
}

func TestHeartbeatPayloadSequence(t *testing.T) {
	s := newTestSession(SessionArguments{})
	// Null before the first dispatch.
	assert.Nil(t, s.heartbeatPayload().D)
	s.sequence.Store(42)
	assert.Equal(t, int64(42), s.heartbeatPayload().D)
}

func TestAcceptEventReady(t *testing.T) {
	s := newTestSession(SessionArguments{})
	message := []byte(`{"op":0,"s":7,"t":"READY","d":{` +
		`"v":10,"session_id":"abc123",` +
		`"resume_gateway_url":"wss://resume.example",` +
		`"user":{"id":"999","username":"bot"}}}`)
	outcome, err := s.acceptEvent(websocket.TextMessage, message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, outcome)
	assert.Equal(t, "abc123", s.SessionID())
	assert.Equal(t, "wss://resume.example", s.ResumeGatewayURL())
	assert.Equal(t, "999", s.UserID())
	assert.Equal(t, StatusReady, s.Status())
	assert.Equal(t, int64(7), s.Sequence())
}

func TestAcceptEventReconnect(t *testing.T) {
	s := newTestSession(SessionArguments{})
	outcome, err := s.acceptEvent(websocket.TextMessage, []byte(`{"op":7,"d":null}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResume, outcome)
}

func TestAcceptEventInvalidSessionResumable(t *testing.T) {
	s := newTestSession(SessionArguments{})
	outcome, err := s.acceptEvent(websocket.TextMessage, []byte(`{"op":9,"d":true}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResume, outcome)
}

func TestAcceptEventInvalidSessionNotResumable(t *testing.T) {
	s := newTestSession(SessionArguments{})
	s.stateMu.Lock()
	s.sessionID = "stale"
	s.stateMu.Unlock()
	s.sequence.Store(10)

	outcome, err := s.acceptEvent(websocket.TextMessage, []byte(`{"op":9,"d":false}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdentify, outcome)
	assert.Empty(t, s.SessionID(), "session must be cleared before a fresh identify")
	assert.Equal(t, int64(-1), s.Sequence())
}

func TestAcceptEventBadJSON(t *testing.T) {
	s := newTestSession(SessionArguments{})
	_, err := s.acceptEvent(websocket.TextMessage, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestWaitFor(t *testing.T) {
	s := newTestSession(SessionArguments{})
	matched := s.WaitFor("VOICE_SERVER_UPDATE", func(d json.RawMessage) bool {
		server := &structs.VoiceServerUpdateEvent{}
		return json.Unmarshal(d, server) == nil && server.GuildID == "1"
	})
	unmatched := s.WaitFor("VOICE_SERVER_UPDATE", func(d json.RawMessage) bool {
		return false
	})

	message := []byte(`{"op":0,"s":1,"t":"VOICE_SERVER_UPDATE",` +
		`"d":{"guild_id":"1","token":"tok","endpoint":"voice.example:443"}}`)
	_, err := s.acceptEvent(websocket.TextMessage, message)
	require.NoError(t, err)

	select {
	case d := <-matched:
		server := &structs.VoiceServerUpdateEvent{}
		require.NoError(t, json.Unmarshal(d, server))
		assert.Equal(t, "tok", server.Token)
	default:
		t.Fatal("expected the matching waiter to resolve")
	}
	select {
	case <-unmatched:
		t.Fatal("predicate returned false, waiter must stay pending")
	default:
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	s := newTestSession(SessionArguments{})
	assert.NoError(t, s.Close(websocket.CloseNormalClosure))
	assert.Equal(t, websocket.CloseNormalClosure, s.CloseCode())
	assert.Equal(t, StatusDisconnected, s.Status())
}

// The dead-connection watchdog: a server that stops acking and sending must
// get the connection torn down and a RESUME requested.
func TestPollDeadConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello := `{"op":10,"d":{"heartbeat_interval":50}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		// Swallow identify and heartbeats, never answer anything.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := newTestSession(SessionArguments{
		GatewayURL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		HeartbeatTimeout: 150 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, false))
	defer s.Close(websocket.CloseNormalClosure)

	for {
		outcome, err := s.Poll(ctx)
		require.NoError(t, err)
		if outcome == OutcomeContinue {
			continue
		}
		assert.Equal(t, OutcomeResume, outcome)
		return
	}
}
