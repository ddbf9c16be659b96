package shard

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/tempestgg/tempest/src/structs"
	"github.com/tempestgg/tempest/src/voice"
)

var (
	ErrNoShardForGuild      = errors.New("no shard owns this guild")
	ErrAlreadyInVoice       = errors.New("already connected to a voice channel in this guild")
	ErrVoiceStateIncomplete = errors.New("voice server update arrived without an endpoint")
)

// JoinVoice asks the guild's owning shard to move into the channel, waits
// for both VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE, then performs the
// voice gateway handshake. The returned connection is tracked until
// LeaveVoice or coordinator shutdown.
func (c *Coordinator) JoinVoice(ctx context.Context, guildID string, channelID string) (*voice.Voice, error) {
	if v := c.voices.Get(guildID); v != nil {
		return nil, ErrAlreadyInVoice
	}
	sh, err := c.shardForGuildID(guildID)
	if err != nil {
		return nil, err
	}

	userID := sh.ws.UserID()
	stateCh := sh.ws.WaitFor(structs.EventNameVoiceStateUpdate, func(d json.RawMessage) bool {
		state := &structs.VoiceStateUpdateEvent{}
		if err := json.Unmarshal(d, state); err != nil {
			return false
		}
		return state.GuildID == guildID && state.UserID == userID
	})
	serverCh := sh.ws.WaitFor(structs.EventNameVoiceServerUpdate, func(d json.RawMessage) bool {
		server := &structs.VoiceServerUpdateEvent{}
		if err := json.Unmarshal(d, server); err != nil {
			return false
		}
		return server.GuildID == guildID
	})

	err = sh.ws.UpdateVoiceState(ctx, structs.UpdateVoiceState{
		GuildID:   guildID,
		ChannelID: &channelID,
	})
	if err != nil {
		return nil, err
	}

	var state structs.VoiceStateUpdateEvent
	var server structs.VoiceServerUpdateEvent
	for i := 0; i < 2; i++ {
		select {
		case d := <-stateCh:
			if err := json.Unmarshal(d, &state); err != nil {
				return nil, err
			}
		case d := <-serverCh:
			if err := json.Unmarshal(d, &server); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if server.Endpoint == "" {
		return nil, ErrVoiceStateIncomplete
	}

	v := voice.NewVoice(voice.VoiceArguments{
		ServerID:  guildID,
		UserID:    userID,
		SessionID: state.SessionID,
		Token:     server.Token,
		Endpoint:  trimEndpointPort(server.Endpoint),
		Logger:    c.log,
	})
	if err := v.Open(ctx, false); err != nil {
		return nil, err
	}
	c.voices.Add(guildID, v)
	return v, nil
}

// LeaveVoice disconnects the bot from the guild's voice channel and closes
// the tracked voice connection, if any.
func (c *Coordinator) LeaveVoice(ctx context.Context, guildID string) error {
	sh, err := c.shardForGuildID(guildID)
	if err != nil {
		return err
	}
	if v := c.voices.Get(guildID); v != nil {
		_ = v.Close()
		c.voices.Delete(guildID)
	}
	return sh.ws.UpdateVoiceState(ctx, structs.UpdateVoiceState{
		GuildID:   guildID,
		ChannelID: nil,
	})
}

// Voice returns the live voice connection for the guild, or nil.
func (c *Coordinator) Voice(guildID string) *voice.Voice {
	return c.voices.Get(guildID)
}

func (c *Coordinator) shardForGuildID(guildID string) (*Shard, error) {
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return nil, err
	}
	sh := c.ShardForGuild(id)
	if sh == nil {
		return nil, ErrNoShardForGuild
	}
	return sh, nil
}

// trimEndpointPort drops an explicit :443 suffix so the dialer can apply
// the wss default.
func trimEndpointPort(endpoint string) string {
	return strings.TrimSuffix(endpoint, ":443")
}
