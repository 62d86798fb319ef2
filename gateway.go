package valk

import (
	"github.com/WelcomerTeam/Discord/discord"
	"github.com/king1600/Valk/valkjson"
)

// GatewayPayload is the envelope of every message received from the gateway.
type GatewayPayload struct {
	Op       discord.GatewayOp   `json:"op"`
	Data     valkjson.RawMessage `json:"d"`
	Sequence int64               `json:"s"`
	Type     string              `json:"t"`
}

// SentPayload is the envelope of every message sent to the gateway.
type SentPayload struct {
	Op   discord.GatewayOp `json:"op"`
	Data any               `json:"d"`
}

type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready holds the parts of the READY dispatch a session needs to resume.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type Identify struct {
	Token          string                `json:"token"`
	Properties     IdentifyProperties    `json:"properties"`
	Compress       bool                  `json:"compress"`
	LargeThreshold int32                 `json:"large_threshold"`
	Shard          [2]int32              `json:"shard"`
	Presence       *discord.UpdateStatus `json:"presence,omitempty"`
	Intents        int64                 `json:"intents"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type RequestGuildMembers struct {
	GuildID   discord.Snowflake   `json:"guild_id"`
	Query     string              `json:"query"`
	Limit     int32               `json:"limit"`
	Presences bool                `json:"presences,omitempty"`
	UserIDs   []discord.Snowflake `json:"user_ids,omitempty"`
	Nonce     string              `json:"nonce,omitempty"`
}

type UpdateVoiceState struct {
	GuildID   discord.Snowflake  `json:"guild_id"`
	ChannelID *discord.Snowflake `json:"channel_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int32             `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int32 `json:"total"`
	Remaining      int32 `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int32 `json:"max_concurrency"`
}
