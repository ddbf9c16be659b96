package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDecode               = errors.New("invalid payload")
	ErrNoHello              = errors.New("expected hello event")
	ErrSessionClosed        = errors.New("session is closed")
)

// ConnectionClosed is returned when the gateway closes the socket with a
// code that cannot be recovered by resuming.
type ConnectionClosed struct {
	Code    int
	ShardID int
}

func (e *ConnectionClosed) Error() string {
	return fmt.Sprintf("shard %d: websocket closed with %d", e.ShardID, e.Code)
}

// PrivilegedIntents is raised when the gateway closes with code 4014:
// the requested intents are privileged and not enabled for the bot.
type PrivilegedIntents struct {
	ShardID int
}

func (e *PrivilegedIntents) Error() string {
	return fmt.Sprintf(
		"shard %d is requesting privileged intents that have not been explicitly enabled in the developer portal",
		e.ShardID)
}
