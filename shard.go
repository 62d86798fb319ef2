package valk

import (
	"crypto/tls"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/czlib"
	"github.com/google/uuid"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/internal/ws"
	"github.com/king1600/Valk/pkg/limiter"
	"github.com/king1600/Valk/pkg/uri"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	gotils "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
)

const (
	WebsocketReconnectCloseCode = 4000

	// Gateway allows 120 sends per minute. The difference is left for heartbeats.
	ShardWSRateLimit = 110
	ShardWSRateReset = time.Minute
)

// DispatchHandler receives every dispatch event with its raw data.
type DispatchHandler func(shard *Shard, event string, data valkjson.RawMessage)

type ShardOptions struct {
	// Identifier labels metrics and logs.
	Identifier string

	Token      string
	URL        string
	Version    int
	ShardID    int32
	ShardCount int32

	Intents        int64
	Presence       *discord.UpdateStatus
	LargeThreshold int32
	Compress       bool

	Policy    ReconnectPolicy
	TLSConfig *tls.Config
}

// Shard is a single gateway session. It identifies, keeps the session alive
// with heartbeats and resumes or re-identifies when the connection drops.
// Every method must be called on the reactor.
type Shard struct {
	Logger zerolog.Logger

	reactor *reactor.Reactor
	options ShardOptions

	conn    *ws.Client
	limiter *limiter.SendLimiter

	resumable         bool
	userClosed        bool
	acknowledged      bool
	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time

	heartbeatTimer *reactor.Timer
	reconnectTimer *reactor.Timer
	invalidTimer   *reactor.Timer

	onDispatch DispatchHandler
	onError    func(shard *Shard, err error)

	// Mirrors readable from other goroutines.
	status           *atomic.Int32
	sequence         *atomic.Int64
	sessionID        *atomic.String
	resumeGatewayURL *atomic.String
	latency          *atomic.Duration
	reconnects       *atomic.Int32
}

func NewShard(logger zerolog.Logger, r *reactor.Reactor, options ShardOptions) *Shard {
	if options.Version == 0 {
		options.Version = DefaultGatewayVersion
	}

	if options.URL == "" {
		options.URL = DefaultGatewayURL
	}

	if options.ShardCount < 1 {
		options.ShardCount = 1
	}

	if options.Policy == (ReconnectPolicy{}) {
		options.Policy = DefaultReconnectPolicy()
	}

	return &Shard{
		Logger: logger.With().Int32("shard_id", options.ShardID).Logger(),

		reactor: r,
		options: options,

		limiter: limiter.NewSendLimiter(r, ShardWSRateLimit, ShardWSRateReset),

		status:           atomic.NewInt32(int32(ShardStatusIdle)),
		sequence:         atomic.NewInt64(0),
		sessionID:        atomic.NewString(""),
		resumeGatewayURL: atomic.NewString(""),
		latency:          atomic.NewDuration(0),
		reconnects:       atomic.NewInt32(0),
	}
}

// OnDispatch registers the handler for dispatch events.
func (sh *Shard) OnDispatch(fn DispatchHandler) { sh.onDispatch = fn }

// OnError registers the handler for errors that end the session for good.
func (sh *Shard) OnError(fn func(shard *Shard, err error)) { sh.onError = fn }

func (sh *Shard) ShardID() int32 { return sh.options.ShardID }

func (sh *Shard) ShardCount() int32 { return sh.options.ShardCount }

func (sh *Shard) Status() ShardStatus { return ShardStatus(sh.status.Load()) }

func (sh *Shard) Sequence() int64 { return sh.sequence.Load() }

func (sh *Shard) SessionID() string { return sh.sessionID.Load() }

func (sh *Shard) ResumeGatewayURL() string { return sh.resumeGatewayURL.Load() }

// Latency is the time between the last heartbeat and its acknowledgement.
func (sh *Shard) Latency() time.Duration { return sh.latency.Load() }

func (sh *Shard) Reconnects() int32 { return sh.reconnects.Load() }

// Resumable reports if the next connection will resume the session.
func (sh *Shard) Resumable() bool { return sh.resumable }

func (sh *Shard) SetStatus(status ShardStatus) {
	previous := ShardStatus(sh.status.Swap(int32(status)))
	if previous == status {
		return
	}

	UpdateShardStatus(sh.options.Identifier, sh.options.ShardID, status)
	sh.Logger.Debug().Str("status", status.String()).Str("previous", previous.String()).Msg("Shard status updated")
}

// Connect opens the gateway connection.
func (sh *Shard) Connect() error {
	if sh.conn != nil {
		return ErrShardAlreadyConnected
	}

	sh.userClosed = false
	sh.reconnectTimer.Stop()

	// A pending reconnect keeps its status until the session is re-established.
	if sh.Status() != ShardStatusReconnecting {
		sh.SetStatus(ShardStatusConnecting)
	}

	gatewayURL, err := sh.gatewayURL()
	if err != nil {
		sh.SetStatus(ShardStatusFailed)

		return err
	}

	conn := ws.NewClient(sh.Logger, sh.reactor, ws.Options{
		TLSConfig:    sh.options.TLSConfig,
		CloseTimeout: sh.options.Policy.CloseTimeout,
	})

	conn.OnMessage(func(message ws.Message) {
		if sh.conn == conn {
			sh.onMessage(message)
		}
	})

	conn.OnClose(func(code int, reason string) {
		if sh.conn == conn {
			sh.onClose(code, reason)
		}
	})

	sh.conn = conn

	sh.Logger.Debug().Str("url", gatewayURL).Bool("resumable", sh.resumable).Msg("Connecting to gateway")

	err = conn.Connect(gatewayURL)
	if err != nil {
		sh.conn = nil
		sh.SetStatus(ShardStatusFailed)

		return fmt.Errorf("failed to connect: %w", err)
	}

	return nil
}

// Close ends the session without reconnecting.
func (sh *Shard) Close(code int) {
	sh.userClosed = true
	sh.resumable = false

	sh.stopHeartbeat()
	sh.reconnectTimer.Stop()
	sh.invalidTimer.Stop()
	sh.limiter.Reset()

	if sh.conn == nil {
		sh.SetStatus(ShardStatusClosed)

		return
	}

	sh.conn.Close(code, "")
}

// gatewayURL returns the url of the next connection. A resumed session uses
// the url given in READY.
func (sh *Shard) gatewayURL() (string, error) {
	base := sh.options.URL

	if sh.resumable && sh.resumeGatewayURL.Load() != "" {
		base = sh.resumeGatewayURL.Load()
	}

	endpoint, err := uri.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}

	return endpoint.WithQuery(map[string]string{
		"v":        strconv.Itoa(sh.options.Version),
		"encoding": "json",
	}).String(), nil
}

// SendEvent sends a gateway command. Commands share the gateway send limit
// and keep their order.
func (sh *Shard) SendEvent(op discord.GatewayOp, data any) error {
	if sh.conn == nil {
		return ErrShardNotConnected
	}

	payload, err := valkjson.Marshal(SentPayload{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	conn := sh.conn

	sh.limiter.Do(func() {
		if sh.conn != conn {
			sh.Logger.Debug().Int("op", int(op)).Msg("Dropped payload queued for a previous connection")

			return
		}

		sh.write(op, payload)
	})

	return nil
}

func (sh *Shard) write(op discord.GatewayOp, payload []byte) {
	if sh.Logger.GetLevel() <= zerolog.TraceLevel {
		sh.Logger.Trace().Str("payload", gotils.B2S(payload)).Msg("Sending payload")
	}

	err := sh.conn.Send(payload, ws.OpText)
	if err != nil {
		sh.Logger.Warn().Err(err).Int("op", int(op)).Msg("Failed to send payload")

		return
	}

	RecordSent(sh.options.Identifier, int(op))
}

// UpdatePresence changes the presence shown for this shard.
func (sh *Shard) UpdatePresence(presence discord.UpdateStatus) error {
	return sh.SendEvent(discord.GatewayOpStatusUpdate, presence)
}

// RequestGuildMembers asks for the members of a guild to be dispatched as
// GUILD_MEMBERS_CHUNK events. It returns the nonce the chunks will carry.
func (sh *Shard) RequestGuildMembers(request RequestGuildMembers) (string, error) {
	if request.Nonce == "" {
		request.Nonce = uuid.NewString()
	}

	return request.Nonce, sh.SendEvent(discord.GatewayOpRequestGuildMembers, request)
}

// UpdateVoiceState joins, moves or leaves a voice channel. A nil channel leaves.
func (sh *Shard) UpdateVoiceState(state UpdateVoiceState) error {
	return sh.SendEvent(discord.GatewayOpVoiceStateUpdate, state)
}

func (sh *Shard) identify() error {
	sh.Logger.Debug().Int32("shard_count", sh.options.ShardCount).Msg("Shard is identifying")

	return sh.SendEvent(discord.GatewayOpIdentify, Identify{
		Token: sh.options.Token,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Valk " + Version,
			Device:  "Valk " + Version,
		},
		Compress:       sh.options.Compress,
		LargeThreshold: sh.options.LargeThreshold,
		Shard:          [2]int32{sh.options.ShardID, sh.options.ShardCount},
		Presence:       sh.options.Presence,
		Intents:        sh.options.Intents,
	})
}

func (sh *Shard) resume() error {
	sh.Logger.Debug().Int64("sequence", sh.sequence.Load()).Msg("Shard is resuming")

	return sh.SendEvent(discord.GatewayOpResume, Resume{
		Token:     sh.options.Token,
		SessionID: sh.sessionID.Load(),
		Sequence:  sh.sequence.Load(),
	})
}

func (sh *Shard) startHeartbeat(interval time.Duration) {
	sh.stopHeartbeat()

	sh.heartbeatInterval = interval
	sh.acknowledged = true

	sh.Logger.Debug().Dur("interval", interval).Msg("Shard is heartbeating")

	sh.beat()
}

func (sh *Shard) stopHeartbeat() {
	sh.heartbeatTimer.Stop()
	sh.heartbeatTimer = nil
}

// beat runs once per interval. A beat that was never acknowledged means the
// connection is dead, so it is closed and resumed.
func (sh *Shard) beat() {
	if !sh.acknowledged {
		sh.Logger.Warn().Msg("Heartbeat was not acknowledged, reconnecting")

		sh.resumable = true
		sh.stopHeartbeat()

		if sh.conn != nil {
			sh.conn.Close(ws.CloseInternalError, "heartbeat timeout")
		}

		return
	}

	sh.sendHeartbeat()

	sh.heartbeatTimer = sh.reactor.Schedule(sh.heartbeatInterval, sh.beat)
}

// sendHeartbeat bypasses the send limiter.
func (sh *Shard) sendHeartbeat() {
	if sh.conn == nil {
		return
	}

	var sequence *int64

	if seq := sh.sequence.Load(); seq > 0 {
		sequence = &seq
	}

	payload, err := valkjson.Marshal(SentPayload{Op: discord.GatewayOpHeartbeat, Data: sequence})
	if err != nil {
		sh.Logger.Error().Err(err).Msg("Failed to marshal heartbeat")

		return
	}

	sh.acknowledged = false
	sh.lastHeartbeatSent = sh.reactor.Now()

	sh.write(discord.GatewayOpHeartbeat, payload)
}

func (sh *Shard) onMessage(message ws.Message) {
	data := message.Payload

	if message.Opcode == ws.OpBinary {
		decompressed, err := czlib.Decompress(data)
		if err != nil {
			sh.Logger.Warn().Err(err).Msg("Failed to decompress payload")

			return
		}

		data = decompressed
	}

	var payload GatewayPayload

	err := valkjson.Unmarshal(data, &payload)
	if err != nil {
		sh.Logger.Warn().Err(err).Str("payload", gotils.B2S(data)).Msg("Failed to unmarshal payload")

		return
	}

	err = sh.OnEvent(&payload)
	if err != nil {
		sh.Logger.Warn().Err(err).Int("op", int(payload.Op)).Msg("Failed to handle payload")
	}
}

// OnEvent routes a gateway payload to its handler.
func (sh *Shard) OnEvent(payload *GatewayPayload) error {
	handler, ok := gatewayEvents[payload.Op]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoGatewayHandler, payload.Op)
	}

	return handler(sh, payload)
}

func (sh *Shard) onClose(code int, reason string) {
	sh.conn = nil

	sh.stopHeartbeat()
	sh.invalidTimer.Stop()
	sh.limiter.Reset()

	sh.Logger.Info().Int("code", code).Str("reason", reason).Msg("Gateway connection closed")

	switch {
	case sh.userClosed:
		sh.SetStatus(ShardStatusClosed)

		return
	case IsFatalCloseCode(code):
		sh.resumable = false
		sh.SetStatus(ShardStatusFailed)

		err := &CloseError{ShardID: sh.options.ShardID, Code: code, Reason: reason}

		sh.Logger.Error().Err(err).Msg("Shard closed with an unrecoverable code")

		if sh.onError != nil {
			sh.onError(sh, err)
		}

		return
	case code == ws.CloseAbnormal:
		sh.resumable = true
	}

	sh.SetStatus(ShardStatusReconnecting)
	sh.reconnects.Inc()
	RecordReconnect(sh.options.Identifier, code)

	sh.reconnectTimer = sh.reactor.Schedule(sh.options.Policy.Delay, func() {
		err := sh.Connect()
		if err != nil {
			sh.Logger.Error().Err(err).Msg("Failed to reconnect")

			if sh.onError != nil {
				sh.onError(sh, err)
			}
		}
	})
}

// IsFatalCloseCode reports close codes that reconnecting cannot fix.
func IsFatalCloseCode(code int) bool {
	switch code {
	case discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		return true
	default:
		return false
	}
}
