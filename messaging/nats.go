package messaging

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

func init() {
	register("nats", func() MQClient { return &NatsMQClient{} })
}

// NatsMQClient publishes on core NATS subjects prefixed by the channel.
type NatsMQClient struct {
	NatsClient *nats.Conn `json:"-"`

	channel string
}

func (natsMQ *NatsMQClient) String() string {
	return "nats"
}

func (natsMQ *NatsMQClient) Channel() string {
	return natsMQ.channel
}

func (natsMQ *NatsMQClient) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return fmt.Errorf("natsMQ connect: %w", ErrMissingAddress)
	}

	channel, ok := getString(args, "Channel")
	if !ok {
		return fmt.Errorf("natsMQ connect: %w", ErrMissingChannel)
	}

	natsMQ.channel = channel

	nc, err := nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("natsMQ connect: %w", err)
	}

	natsMQ.NatsClient = nc

	return nil
}

func (natsMQ *NatsMQClient) Publish(_ context.Context, channelName string, data []byte) error {
	if natsMQ.NatsClient == nil {
		return ErrNotConnected
	}

	return natsMQ.NatsClient.Publish(natsMQ.channel+"."+channelName, data)
}

func (natsMQ *NatsMQClient) Close() error {
	if natsMQ.NatsClient == nil {
		return nil
	}

	err := natsMQ.NatsClient.Drain()
	natsMQ.NatsClient = nil

	return err
}
