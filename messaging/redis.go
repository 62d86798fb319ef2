package messaging

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

func init() {
	register("redis", func() MQClient { return &RedisMQClient{} })
}

type RedisMQClient struct {
	redisClient *redis.Client

	channel string
}

func (redisMQ *RedisMQClient) String() string {
	return "redis"
}

func (redisMQ *RedisMQClient) Channel() string {
	return redisMQ.channel
}

func (redisMQ *RedisMQClient) Connect(ctx context.Context, _ string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return fmt.Errorf("redisMQ connect: %w", ErrMissingAddress)
	}

	password, _ := getString(args, "Password")
	redisMQ.channel, _ = getString(args, "Channel")

	var db int

	if dbStr, ok := getString(args, "DB"); ok {
		var err error

		db, err = strconv.Atoi(dbStr)
		if err != nil {
			return fmt.Errorf("redisMQ connect db atoi: %w", err)
		}
	}

	redisMQ.redisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	err := redisMQ.redisClient.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redisMQ connect ping: %w", err)
	}

	return nil
}

func (redisMQ *RedisMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	if redisMQ.redisClient == nil {
		return ErrNotConnected
	}

	return redisMQ.redisClient.Publish(ctx, channelName, data).Err()
}

func (redisMQ *RedisMQClient) Close() error {
	if redisMQ.redisClient == nil {
		return nil
	}

	err := redisMQ.redisClient.Close()
	redisMQ.redisClient = nil

	return err
}
