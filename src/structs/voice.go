package structs

// Voice identify payload.
type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceResume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceHello struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SessionDescription struct {
	AudioCodec     string   `json:"audio_codec"`
	MediaSessionID string   `json:"media_session_id"`
	Mode           string   `json:"mode"`
	SecretKey      [32]byte `json:"secret_key"`
	VideoCodec     string   `json:"video_codec"`
}

type Speaking struct {
	Speaking uint   `json:"speaking"`
	Delay    uint   `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type VoiceClientConnect struct {
	AudioSSRC uint32 `json:"audio_ssrc"`
}

type VoiceClientDisconnect struct {
	UserID string `json:"user_id"`
}
