package messaging

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

func init() {
	register("kafka", func() MQClient { return &KafkaMQClient{} })
}

type KafkaMQClient struct {
	KafkaClient *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (kafkaMQ *KafkaMQClient) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaMQClient) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaMQClient) Connect(_ context.Context, _ string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return fmt.Errorf("kafkaMQ connect: %w", ErrMissingAddress)
	}

	kafkaMQ.channel, _ = getString(args, "Channel")

	balancer, _ := getString(args, "Balancer")

	var async bool

	if asyncStr, ok := getString(args, "Async"); ok {
		async, _ = strconv.ParseBool(asyncStr)
	}

	kafkaMQ.KafkaClient = &kafka.Writer{
		Addr:     kafka.TCP(address),
		Balancer: parseKafkaBalancer(balancer),
		Async:    async,
	}

	return nil
}

func (kafkaMQ *KafkaMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	if kafkaMQ.KafkaClient == nil {
		return ErrNotConnected
	}

	return kafkaMQ.KafkaClient.WriteMessages(
		ctx,
		kafka.Message{
			Topic: channelName,
			Value: data,
		},
	)
}

func (kafkaMQ *KafkaMQClient) Close() error {
	if kafkaMQ.KafkaClient == nil {
		return nil
	}

	err := kafkaMQ.KafkaClient.Close()
	kafkaMQ.KafkaClient = nil

	return err
}
