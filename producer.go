package valk

import (
	"context"
	"errors"
	"fmt"

	"github.com/king1600/Valk/messaging"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var ErrProducerClosed = errors.New("producer closed")

// ProducedPayload is what a dispatch looks like once published.
type ProducedPayload struct {
	Type     string              `json:"t"`
	Data     valkjson.RawMessage `json:"d"`
	Sequence int64               `json:"s"`

	Metadata ProducedMetadata `json:"__metadata"`
}

type ProducedMetadata struct {
	Version    string   `json:"v"`
	Identifier string   `json:"i"`
	Shard      [2]int32 `json:"s"`
}

// Producer publishes dispatches to a broker from its own goroutine so the
// reactor never waits on the broker. Payloads that do not fit in the buffer
// are dropped.
type Producer struct {
	logger  zerolog.Logger
	client  messaging.MQClient
	channel string

	payloads chan ProducedPayload
	done     chan struct{}
	closed   *atomic.Bool

	Published *atomic.Int64
	Dropped   *atomic.Int64
}

func NewProducer(logger zerolog.Logger, client messaging.MQClient, channel string, buffer int) *Producer {
	if buffer <= 0 {
		buffer = DefaultProducerBuffer
	}

	return &Producer{
		logger:  logger.With().Str("component", "producer").Str("broker", client.String()).Logger(),
		client:  client,
		channel: channel,

		payloads: make(chan ProducedPayload, buffer),
		done:     make(chan struct{}),
		closed:   atomic.NewBool(false),

		Published: atomic.NewInt64(0),
		Dropped:   atomic.NewInt64(0),
	}
}

// NewProducerFromConfiguration connects the configured broker. It returns nil
// when producing is disabled.
func NewProducerFromConfiguration(ctx context.Context, logger zerolog.Logger, configuration ProducerConfiguration) (*Producer, error) {
	if configuration.Type == "" {
		return nil, nil
	}

	client, err := messaging.NewMQClient(configuration.Type)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(configuration.Configuration)+1)
	for key, value := range configuration.Configuration {
		args[key] = value
	}

	if messaging.GetEntry(args, "Channel") == nil {
		args["Channel"] = configuration.Channel
	}

	err = client.Connect(ctx, configuration.ClientName, args)
	if err != nil {
		return nil, fmt.Errorf("failed to connect producer: %w", err)
	}

	return NewProducer(logger, client, configuration.Channel, configuration.Buffer), nil
}

// Enqueue queues a payload without blocking. It returns false when the
// payload was dropped.
func (p *Producer) Enqueue(payload ProducedPayload) bool {
	if p.closed.Load() {
		return false
	}

	select {
	case p.payloads <- payload:
		return true
	default:
		p.Dropped.Inc()
		ProducerMetrics.Dropped.Inc()

		p.logger.Warn().Str("type", payload.Type).Msg("Producer buffer full, dropped payload")

		return false
	}
}

// Run publishes queued payloads until ctx is done or Close is called.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case payload := <-p.payloads:
			p.publish(ctx, payload)
		}
	}
}

func (p *Producer) publish(ctx context.Context, payload ProducedPayload) {
	data, err := valkjson.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("type", payload.Type).Msg("Failed to marshal payload")

		return
	}

	err = p.client.Publish(ctx, p.channel, data)
	if err != nil {
		ProducerMetrics.Failed.Inc()
		p.logger.Error().Err(err).Str("type", payload.Type).Msg("Failed to publish payload")

		return
	}

	p.Published.Inc()
	ProducerMetrics.Published.Inc()
}

// Close stops Run and closes the broker connection.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return ErrProducerClosed
	}

	close(p.done)

	return p.client.Close()
}
