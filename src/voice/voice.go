package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tempestgg/tempest/src/structs"
)

type VoiceGatewayStatus = string

const (
	StatusReady        VoiceGatewayStatus = "READY"
	StatusDisconnected VoiceGatewayStatus = "DISCONNECTED"
)

type SpeakingState = uint

const (
	SpeakingStateNone       SpeakingState = 0
	SpeakingStateMicrophone SpeakingState = 1 << 0
	SpeakingStateSoundshare SpeakingState = 1 << 1
	SpeakingStatePriority   SpeakingState = 1 << 2
)

type VoiceOpcode = int

const (
	OpcodeIdentify           VoiceOpcode = 0
	OpcodeSelectProtocol     VoiceOpcode = 1
	OpcodeReady              VoiceOpcode = 2
	OpcodeHeartbeat          VoiceOpcode = 3
	OpcodeSessionDescription VoiceOpcode = 4
	OpcodeSpeaking           VoiceOpcode = 5
	OpcodeHeartbeatAck       VoiceOpcode = 6
	OpcodeResume             VoiceOpcode = 7
	OpcodeHello              VoiceOpcode = 8
	OpcodeResumed            VoiceOpcode = 9
	OpcodeClientConnect      VoiceOpcode = 12
	OpcodeClientDisconnect   VoiceOpcode = 13
)

var (
	ErrNoHello          = errors.New("expected voice hello event")
	ErrNoReady          = errors.New("expected voice ready event")
	ErrNoEncryptionMode = errors.New("no mutually supported encryption mode")
	ErrShortPacket      = errors.New("ip discovery response is too short")
)

// defaultEncryptionModes in preference order; the selected mode is the
// first one the voice server also lists.
var defaultEncryptionModes = []string{
	"aead_xchacha20_poly1305_rtpsize",
	"xsalsa20_poly1305_lite",
	"xsalsa20_poly1305",
}

const (
	voiceGatewayVersion = 4
	maxHeartbeat        = 5 * time.Second
	pollTimeout         = 30 * time.Second
)

// HookFunc receives every decoded voice gateway frame after the session has
// handled it, including SPEAKING, CLIENT_CONNECT and CLIENT_DISCONNECT.
type HookFunc func(e *structs.RawEvent)

type VoiceArguments struct {
	ServerID  string // guild id
	UserID    string
	SessionID string
	Token     string
	Endpoint  string

	SupportedModes []string
	Hook           HookFunc
	Logger         *slog.Logger
}

// Voice is the state machine of one voice gateway connection plus its UDP
// leg. The signaling handshake is linear: IDENTIFY, HELLO, READY, IP
// discovery, SELECT_PROTOCOL, SESSION_DESCRIPTION, then steady-state
// dispatch.
type Voice struct {
	wsDialer *websocket.Dialer
	log      *slog.Logger
	hook     HookFunc

	writeMu sync.Mutex
	stateMu sync.RWMutex
	wsConn  *websocket.Conn
	status  VoiceGatewayStatus

	keepAlive *keepAlive
	udpConn   *net.UDPConn

	ssrc       uint32
	endpointIP string
	endpointPt uint16
	ip         string // discovered external address
	port       uint16
	mode       string
	secretKey  [32]byte

	supportedModes []string

	ServerID  string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

func NewVoice(args VoiceArguments) *Voice {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	modes := args.SupportedModes
	if len(modes) == 0 {
		modes = defaultEncryptionModes
	}
	return &Voice{
		wsDialer:       websocket.DefaultDialer,
		log:            args.Logger.With("voice_id", fmt.Sprintf("voice_%s", args.ServerID)),
		hook:           args.Hook,
		status:         StatusDisconnected,
		supportedModes: modes,
		ServerID:       args.ServerID,
		UserID:         args.UserID,
		SessionID:      args.SessionID,
		Token:          args.Token,
		Endpoint:       args.Endpoint,
	}
}

func (v *Voice) Open(ctx context.Context, resume bool) error {
	return v.open(ctx, resume)
}

func (v *Voice) open(ctx context.Context, resume bool) error {
	gatewayURL := url.URL{
		Scheme:   "wss",
		Host:     v.Endpoint,
		RawQuery: fmt.Sprintf("v=%d", voiceGatewayVersion),
	}
	conn, _, err := v.wsDialer.DialContext(ctx, gatewayURL.String(), nil)
	if err != nil {
		v.log.Error(err.Error())
		return err
	}
	v.stateMu.Lock()
	v.wsConn = conn
	v.stateMu.Unlock()

	if resume {
		err = v.sendResume()
	} else {
		err = v.sendIdentify()
	}
	if err != nil {
		v.log.Error(err.Error())
		return err
	}

	e, err := v.readEvent(conn)
	if err != nil {
		return err
	}
	if e.Op != OpcodeHello {
		return ErrNoHello
	}
	hello := &structs.VoiceHello{}
	if err := json.Unmarshal(e.D, hello); err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval > maxHeartbeat {
		interval = maxHeartbeat
	}
	ka := newKeepAlive(v, interval)
	v.stateMu.Lock()
	v.keepAlive = ka
	v.stateMu.Unlock()
	go ka.run()

	// The keepalive is already running, so an ack can arrive ahead of
	// READY.
handshake:
	for {
		e, err = v.readEvent(conn)
		if err != nil {
			return err
		}
		switch e.Op {
		case OpcodeHeartbeatAck:
			ka.Ack()
		case OpcodeReady:
			ready := &structs.VoiceReady{}
			if err := json.Unmarshal(e.D, ready); err != nil {
				return err
			}
			if err := v.initialConnection(ready); err != nil {
				v.log.Error(err.Error())
				return err
			}
			break handshake
		case OpcodeResumed:
			v.log.Info("voice resume succeeded")
			v.setStatus(StatusReady)
			break handshake
		default:
			return ErrNoReady
		}
	}

	go v.listen(conn)
	return nil
}

func (v *Voice) readEvent(conn *websocket.Conn) (*structs.RawEvent, error) {
	_ = conn.SetReadDeadline(time.Now().Add(pollTimeout))
	e := &structs.RawEvent{}
	if err := conn.ReadJSON(e); err != nil {
		v.log.Error(err.Error())
		return nil, err
	}
	v.log.Debug("event", "incoming_event", e)
	return e, nil
}

func (v *Voice) listen(conn *websocket.Conn) {
	for {
		v.stateMu.RLock()
		same := v.wsConn == conn
		v.stateMu.RUnlock()
		if !same {
			// A new connection was opened; this loop belongs to the
			// old one.
			return
		}
		e, err := v.readEvent(conn)
		if err != nil {
			v.setStatus(StatusDisconnected)
			return
		}
		if err := v.acceptEvent(e); err != nil {
			v.log.Error(err.Error())
		}
	}
}

func (v *Voice) acceptEvent(e *structs.RawEvent) error {
	switch e.Op {
	case OpcodeHeartbeatAck:
		if ka := v.keepAliveRef(); ka != nil {
			ka.Ack()
		}

	case OpcodeSessionDescription:
		description := &structs.SessionDescription{}
		if err := json.Unmarshal(e.D, description); err != nil {
			return err
		}
		v.stateMu.Lock()
		v.secretKey = description.SecretKey
		v.mode = description.Mode
		v.status = StatusReady
		v.stateMu.Unlock()
		v.log.Info("received secret key for voice connection", "mode", description.Mode)
		// Discord requires a speaking frame (even a silent one) before it
		// accepts any voice data.
		if err := v.Speak(SpeakingStateNone); err != nil {
			return err
		}

	case OpcodeResumed:
		v.log.Info("voice resume succeeded")

	case OpcodeSpeaking, OpcodeClientConnect, OpcodeClientDisconnect:
		// Forwarded to the hook below.

	default:
		v.log.Debug("unhandled voice event", "op_code", e.Op)
	}

	if v.hook != nil {
		v.hook(e)
	}
	return nil
}

func (v *Voice) sendIdentify() error {
	err := v.sendEvent(&structs.Event{
		Op: OpcodeIdentify,
		D: structs.VoiceIdentify{
			ServerID:  v.ServerID,
			UserID:    v.UserID,
			SessionID: v.SessionID,
			Token:     v.Token,
		},
	})
	if err != nil {
		return err
	}
	v.log.Info("voice identify event sent")
	return nil
}

func (v *Voice) sendResume() error {
	err := v.sendEvent(&structs.Event{
		Op: OpcodeResume,
		D: structs.VoiceResume{
			ServerID:  v.ServerID,
			SessionID: v.SessionID,
			Token:     v.Token,
		},
	})
	if err != nil {
		return err
	}
	v.log.Info("voice resume event sent")
	return nil
}

// Speak notifies the voice server of our speaking state and ssrc.
func (v *Voice) Speak(state SpeakingState) error {
	return v.sendEvent(&structs.Event{
		Op: OpcodeSpeaking,
		D: &structs.Speaking{
			Speaking: state,
			Delay:    0,
			SSRC:     v.ssrc,
		},
	})
}

func (v *Voice) ClientConnect() error {
	return v.sendEvent(&structs.Event{
		Op: OpcodeClientConnect,
		D:  &structs.VoiceClientConnect{AudioSSRC: v.ssrc},
	})
}

func (v *Voice) sendEvent(e *structs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	v.stateMu.RLock()
	conn := v.wsConn
	v.stateMu.RUnlock()
	if conn == nil {
		return errors.New("voice connection is not open")
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// initialConnection handles the voice READY payload: it opens the UDP leg,
// discovers our external address and selects the encryption protocol.
func (v *Voice) initialConnection(ready *structs.VoiceReady) error {
	v.ssrc = ready.SSRC
	v.endpointIP = ready.IP
	v.endpointPt = ready.Port

	if err := v.dialUDP(ready.IP, ready.Port); err != nil {
		return err
	}
	ip, port, err := v.ipDiscovery()
	if err != nil {
		return err
	}
	v.ip = ip
	v.port = port
	v.log.Info("detected external address", "ip", ip, "port", port)

	mode, err := v.selectMode(ready.Modes)
	if err != nil {
		return err
	}
	v.mode = mode
	if err := v.sendSelectProtocol(ip, port, mode); err != nil {
		return err
	}
	v.log.Info("selected the voice protocol for use", "mode", mode)
	return nil
}

func (v *Voice) dialUDP(ip string, port uint16) error {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return err
	}
	v.udpConn, err = net.DialUDP("udp", nil, udpAddr)
	return err
}

// https://discord.com/developers/docs/topics/voice-connections#ip-discovery
const ipDiscoveryPacketSize = 74

// ipDiscovery asks the voice port for our external address by echoing a
// fixed 74-byte packet carrying the ssrc.
func (v *Voice) ipDiscovery() (string, uint16, error) {
	packet := make([]byte, ipDiscoveryPacketSize)
	binary.BigEndian.PutUint16(packet[0:2], 1)  // 1 = request
	binary.BigEndian.PutUint16(packet[2:4], 70) // message length, a constant
	binary.BigEndian.PutUint32(packet[4:8], v.ssrc)
	if _, err := v.udpConn.Write(packet); err != nil {
		return "", 0, err
	}

	response := make([]byte, ipDiscoveryPacketSize)
	_ = v.udpConn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, err := v.udpConn.Read(response)
	if err != nil {
		return "", 0, err
	}
	return parseIPDiscovery(response[:n])
}

// parseIPDiscovery reads the external IP as a null-terminated ascii string
// starting at byte 8, and the port as a big-endian uint16 in the last two
// bytes.
func parseIPDiscovery(packet []byte) (string, uint16, error) {
	if len(packet) < ipDiscoveryPacketSize {
		return "", 0, ErrShortPacket
	}
	addr := packet[8:]
	end := bytes.IndexByte(addr, 0)
	if end <= 0 {
		return "", 0, ErrShortPacket
	}
	ip := string(addr[:end])
	port := binary.BigEndian.Uint16(packet[len(packet)-2:])
	return ip, port, nil
}

// selectMode picks the first server-offered mode we also support.
func (v *Voice) selectMode(serverModes []string) (string, error) {
	for _, mode := range serverModes {
		for _, supported := range v.supportedModes {
			if mode == supported {
				return mode, nil
			}
		}
	}
	return "", ErrNoEncryptionMode
}

func (v *Voice) sendSelectProtocol(ip string, port uint16, mode string) error {
	err := v.sendEvent(&structs.Event{
		Op: OpcodeSelectProtocol,
		D: &structs.SelectProtocol{
			Protocol: "udp",
			Data: structs.SelectProtocolData{
				Address: ip,
				Port:    port,
				Mode:    mode,
			},
		},
	})
	if err != nil {
		return err
	}
	v.log.Info("select protocol event sent")
	return nil
}

func (v *Voice) keepAliveRef() *keepAlive {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.keepAlive
}

func (v *Voice) setStatus(status VoiceGatewayStatus) {
	v.stateMu.Lock()
	v.status = status
	v.stateMu.Unlock()
}

func (v *Voice) Status() VoiceGatewayStatus {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.status
}

func (v *Voice) SecretKey() [32]byte {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.secretKey
}

func (v *Voice) Mode() string {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.mode
}

func (v *Voice) Latency() time.Duration {
	ka := v.keepAliveRef()
	if ka == nil {
		return 0
	}
	return ka.Latency()
}

func (v *Voice) AverageLatency() time.Duration {
	ka := v.keepAliveRef()
	if ka == nil {
		return 0
	}
	return ka.AverageLatency()
}

func (v *Voice) Close() error {
	v.stateMu.Lock()
	ka := v.keepAlive
	v.keepAlive = nil
	conn := v.wsConn
	v.wsConn = nil
	udp := v.udpConn
	v.udpConn = nil
	v.status = StatusDisconnected
	v.stateMu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	if udp != nil {
		_ = udp.Close()
	}
	if conn == nil {
		return nil
	}
	v.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second))
	v.writeMu.Unlock()
	err := conn.Close()
	v.log.Info("voice connection closed")
	return err
}
