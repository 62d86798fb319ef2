package valk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/king1600/Valk/internal/http1"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/internal/rest"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

var Version = "1.0.0"

var UserAgent = fmt.Sprintf("DiscordBot (https://github.com/king1600/Valk, %s)", Version)

// Client composes the REST client with the gateway shards of one bot.
type Client struct {
	Logger zerolog.Logger

	Configuration *Configuration
	REST          *rest.Client

	reactor  *reactor.Reactor
	producer *Producer

	shardsMu sync.RWMutex
	shards   []*Shard

	startTimers []*reactor.Timer

	onDispatch DispatchHandler
	onError    func(shard *Shard, err error)

	closed *atomic.Bool
}

// NewClient creates a client. producer may be nil.
func NewClient(logger zerolog.Logger, r *reactor.Reactor, configuration *Configuration, producer *Producer) (*Client, error) {
	restClient, err := rest.NewClient(logger, r, rest.Options{
		Token:                     configuration.Token,
		BaseURL:                   configuration.REST.BaseURL,
		APIVersion:                configuration.REST.APIVersion,
		UserAgent:                 UserAgent,
		DisableRequestCompression: configuration.REST.DisableRequestCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rest client: %w", err)
	}

	return &Client{
		Logger: logger,

		Configuration: configuration,
		REST:          restClient,

		reactor:  r,
		producer: producer,

		closed: atomic.NewBool(false),
	}, nil
}

func (c *Client) Reactor() *reactor.Reactor { return c.reactor }

// OnDispatch registers the handler every shard dispatches to. It must be set
// before Login.
func (c *Client) OnDispatch(fn DispatchHandler) { c.onDispatch = fn }

// OnError registers the handler for shards that failed for good.
func (c *Client) OnError(fn func(shard *Shard, err error)) { c.onError = fn }

// Shards returns the shards created by Login.
func (c *Client) Shards() []*Shard {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()

	return append([]*Shard(nil), c.shards...)
}

// GatewayBot fetches the gateway url and the recommended shard count. It
// must not be called from the reactor.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	type result struct {
		gateway *GatewayBot
		err     error
	}

	results := make(chan result, 1)

	err := c.reactor.Invoke(ctx, func() {
		c.REST.Get("/gateway/bot", func(response *http1.Response, err error) {
			if err != nil {
				results <- result{err: err}

				return
			}

			gateway := &GatewayBot{}

			err = valkjson.Unmarshal(response.Body, gateway)
			if err != nil {
				err = fmt.Errorf("failed to unmarshal gateway bot: %w", err)
			}

			results <- result{gateway: gateway, err: err}
		})
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-results:
		return res.gateway, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Login fetches the gateway information and starts every configured shard.
// Shards sharing a concurrency bucket identify one interval apart.
func (c *Client) Login(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	gateway, err := c.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gateway: %w", err)
	}

	configuration := c.Configuration.Gateway

	shardCount := configuration.ShardCount
	if shardCount == 0 {
		shardCount = gateway.Shards
	}

	if shardCount < 1 {
		shardCount = 1
	}

	gatewayURL := configuration.URL
	if gatewayURL == "" {
		gatewayURL = gateway.URL
	}

	ids := shardIDs(configuration.ShardIDs, shardCount)
	if len(ids) == 0 {
		return ErrNoShards
	}

	delays := identifyDelays(ids, gateway.SessionStartLimit.MaxConcurrency, int64(configuration.IdentifyInterval))

	c.Logger.Info().
		Int32("shard_count", shardCount).
		Int("shards", len(ids)).
		Int32("max_concurrency", gateway.SessionStartLimit.MaxConcurrency).
		Int32("remaining", gateway.SessionStartLimit.Remaining).
		Msg("Starting shards")

	return c.reactor.Invoke(ctx, func() {
		for i, id := range ids {
			shard := NewShard(c.Logger, c.reactor, ShardOptions{
				Identifier:     c.Configuration.Identifier,
				Token:          c.Configuration.Token,
				URL:            gatewayURL,
				Version:        configuration.Version,
				ShardID:        id,
				ShardCount:     shardCount,
				Intents:        configuration.Intents,
				Presence:       configuration.Presence,
				LargeThreshold: configuration.LargeThreshold,
				Compress:       configuration.Compress,
				Policy:         configuration.Reconnect,
			})

			shard.OnDispatch(c.dispatch)
			shard.OnError(c.shardError)

			c.shardsMu.Lock()
			c.shards = append(c.shards, shard)
			c.shardsMu.Unlock()

			c.startTimers = append(c.startTimers, c.reactor.Schedule(time.Duration(delays[i]), func() {
				err := shard.Connect()
				if err != nil {
					c.shardError(shard, err)
				}
			}))
		}
	})
}

func (c *Client) dispatch(shard *Shard, event string, data valkjson.RawMessage) {
	if c.producer != nil {
		c.producer.Enqueue(ProducedPayload{
			Type:     event,
			Data:     data,
			Sequence: shard.Sequence(),
			Metadata: ProducedMetadata{
				Version:    Version,
				Identifier: c.Configuration.Identifier,
				Shard:      [2]int32{shard.ShardID(), shard.ShardCount()},
			},
		})
	}

	if c.onDispatch != nil {
		c.onDispatch(shard, event, data)
	}
}

func (c *Client) shardError(shard *Shard, err error) {
	shard.Logger.Error().Err(err).Msg("Shard error")

	if c.onError != nil {
		c.onError(shard, err)
	}
}

// Close closes every shard, waits for them to finish closing until ctx is
// done and then closes the REST client and the producer.
func (c *Client) Close(ctx context.Context) (err error) {
	if c.closed.Swap(true) {
		return ErrClientClosed
	}

	err = multierr.Append(err, c.reactor.Invoke(ctx, func() {
		for _, timer := range c.startTimers {
			timer.Stop()
		}

		for _, shard := range c.Shards() {
			shard.Close(1000)
		}
	}))

	err = multierr.Append(err, c.waitForShards(ctx))

	err = multierr.Append(err, c.reactor.Invoke(ctx, c.REST.Close))

	if c.producer != nil {
		err = multierr.Append(err, c.producer.Close())
	}

	return err
}

func (c *Client) waitForShards(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending := 0

		for _, shard := range c.Shards() {
			switch shard.Status() {
			case ShardStatusClosed, ShardStatusFailed, ShardStatusIdle:
			default:
				pending++
			}
		}

		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d shards did not close: %w", pending, ctx.Err())
		case <-ticker.C:
		}
	}
}
