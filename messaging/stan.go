package messaging

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"go.uber.org/multierr"
)

func init() {
	register("stan", func() MQClient { return &StanMQClient{} })
}

type StanMQClient struct {
	NatsClient *nats.Conn `json:"-"`
	StanClient stan.Conn  `json:"-"`

	async bool

	channel string
	cluster string
}

func (stanMQ *StanMQClient) String() string {
	return "stan"
}

func (stanMQ *StanMQClient) Channel() string {
	return stanMQ.channel
}

func (stanMQ *StanMQClient) Cluster() string {
	return stanMQ.cluster
}

func (stanMQ *StanMQClient) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return fmt.Errorf("stanMQ connect: %w", ErrMissingAddress)
	}

	cluster, ok := getString(args, "Cluster")
	if !ok {
		return fmt.Errorf("stanMQ connect: %w", ErrMissingCluster)
	}

	channel, ok := getString(args, "Channel")
	if !ok {
		return fmt.Errorf("stanMQ connect: %w", ErrMissingChannel)
	}

	stanMQ.cluster = cluster
	stanMQ.channel = channel

	useNatsConnection := true

	if value, ok := getString(args, "UseNATSConnection"); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			useNatsConnection = parsed
		}
	}

	if asyncStr, ok := getString(args, "Async"); ok {
		stanMQ.async, _ = strconv.ParseBool(asyncStr)
	}

	var option stan.Option

	if useNatsConnection {
		var err error

		stanMQ.NatsClient, err = nats.Connect(address)
		if err != nil {
			return fmt.Errorf("stanMQ connect nats: %w", err)
		}

		option = stan.NatsConn(stanMQ.NatsClient)
	} else {
		option = stan.NatsURL(address)
	}

	conn, err := stan.Connect(cluster, clientName, option)
	if err != nil {
		return fmt.Errorf("stanMQ connect stan: %w", err)
	}

	stanMQ.StanClient = conn

	return nil
}

func (stanMQ *StanMQClient) Publish(_ context.Context, channelName string, data []byte) error {
	if stanMQ.StanClient == nil {
		return ErrNotConnected
	}

	if stanMQ.async {
		_, err := stanMQ.StanClient.PublishAsync(channelName, data, nil)

		return err
	}

	return stanMQ.StanClient.Publish(channelName, data)
}

func (stanMQ *StanMQClient) Close() (err error) {
	if stanMQ.StanClient != nil {
		err = multierr.Append(err, stanMQ.StanClient.Close())
	}

	if stanMQ.NatsClient != nil {
		stanMQ.NatsClient.Close()
	}

	stanMQ.StanClient = nil
	stanMQ.NatsClient = nil

	return err
}
