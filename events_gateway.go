package valk

import (
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/king1600/Valk/internal/ws"
	"github.com/king1600/Valk/valkjson"
)

type GatewayHandler func(sh *Shard, payload *GatewayPayload) error

var gatewayEvents = make(map[discord.GatewayOp]GatewayHandler)

func RegisterGatewayEvent(op discord.GatewayOp, handler GatewayHandler) {
	gatewayEvents[op] = handler
}

func gatewayOpDispatch(sh *Shard, payload *GatewayPayload) error {
	if payload.Sequence > sh.sequence.Load() {
		sh.sequence.Store(payload.Sequence)
	}

	switch payload.Type {
	case "READY":
		var ready Ready

		err := valkjson.Unmarshal(payload.Data, &ready)
		if err != nil {
			return fmt.Errorf("failed to unmarshal ready: %w", err)
		}

		sh.sessionID.Store(ready.SessionID)
		sh.resumeGatewayURL.Store(ready.ResumeGatewayURL)

		sh.Logger.Info().Str("session_id", ready.SessionID).Msg("Shard is ready")
		sh.SetStatus(ShardStatusHeartbeating)
	case "RESUMED":
		sh.Logger.Info().Int64("sequence", sh.sequence.Load()).Msg("Shard resumed")
		sh.SetStatus(ShardStatusHeartbeating)
	}

	RecordEvent(sh.options.Identifier, payload.Type)

	if sh.onDispatch != nil {
		sh.onDispatch(sh, payload.Type, payload.Data)
	}

	return nil
}

func gatewayOpHeartbeat(sh *Shard, _ *GatewayPayload) error {
	sh.Logger.Debug().Msg("Gateway requested a heartbeat")
	sh.sendHeartbeat()

	return nil
}

func gatewayOpReconnect(sh *Shard, _ *GatewayPayload) error {
	sh.Logger.Info().Msg("Reconnecting in response to gateway")

	sh.resumable = true

	if sh.conn != nil {
		sh.conn.Close(ws.CloseGoingAway, "reconnect requested")
	}

	return nil
}

func gatewayOpInvalidSession(sh *Shard, payload *GatewayPayload) error {
	var resumable bool

	if len(payload.Data) > 0 {
		err := valkjson.Unmarshal(payload.Data, &resumable)
		if err != nil {
			return fmt.Errorf("failed to unmarshal invalid session: %w", err)
		}
	}

	sh.Logger.Warn().Bool("resumable", resumable).Msg("Received invalid session")

	sh.resumable = resumable

	if !resumable {
		sh.sessionID.Store("")
		sh.sequence.Store(0)
	}

	sh.stopHeartbeat()
	sh.invalidTimer.Stop()

	sh.invalidTimer = sh.reactor.Schedule(sh.options.Policy.InvalidSessionDelay, func() {
		if sh.conn != nil {
			sh.conn.Close(WebsocketReconnectCloseCode, "invalid session")
		}
	})

	return nil
}

func gatewayOpHello(sh *Shard, payload *GatewayPayload) error {
	var hello Hello

	err := valkjson.Unmarshal(payload.Data, &hello)
	if err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	sh.SetStatus(ShardStatusIdentifying)

	if sh.resumable && sh.sessionID.Load() != "" {
		err = sh.resume()
	} else {
		err = sh.identify()
	}

	if err != nil {
		return err
	}

	sh.startHeartbeat(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

	return nil
}

func gatewayOpHeartbeatACK(sh *Shard, _ *GatewayPayload) error {
	sh.acknowledged = true

	latency := sh.reactor.Now().Sub(sh.lastHeartbeatSent)
	sh.latency.Store(latency)

	sh.Logger.Debug().Int64("RTT", latency.Milliseconds()).Msg("Received heartbeat ACK")

	UpdateGatewayLatency(sh.options.Identifier, sh.options.ShardID, latency.Seconds())

	return nil
}

func init() {
	RegisterGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatACK)
}
