package valk

import (
	"errors"
	"fmt"
)

var (
	ErrConfigurationMissingToken   = errors.New("configuration missing token")
	ErrConfigurationInvalidShards  = errors.New("configuration has an invalid shard count")
	ErrConfigurationUnknownBroker  = errors.New("configuration names an unknown producer")
	ErrConfigurationMissingChannel = errors.New("configuration missing producer channel")

	ErrShardNotConnected             = errors.New("shard not connected")
	ErrShardAlreadyConnected         = errors.New("shard already connected")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardFatalClose               = errors.New("shard closed with a fatal code")

	ErrNoGatewayHandler = errors.New("no gateway handler found")
	ErrNoShards         = errors.New("no shards to start")
	ErrClientClosed     = errors.New("client closed")
)

// CloseError is surfaced when the gateway ends a session with a code that
// cannot be recovered from by reconnecting.
type CloseError struct {
	ShardID int32
	Code    int
	Reason  string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("shard %d closed with %d: %s", e.ShardID, e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return ErrShardFatalClose
}
