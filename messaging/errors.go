package messaging

import "errors"

var (
	ErrUnknownClient  = errors.New("no mq client with this name")
	ErrMissingAddress = errors.New("missing Address")
	ErrMissingChannel = errors.New("missing Channel")
	ErrMissingCluster = errors.New("missing Cluster")
	ErrNotConnected   = errors.New("mq client not connected")
)
