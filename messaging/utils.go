package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MQClient publishes produced payloads to a broker.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channelName string, data []byte) error
	Close() error
}

var constructors = map[string]func() MQClient{}

func register(name string, constructor func() MQClient) {
	constructors[name] = constructor
}

// MQClients lists the brokers that can be created by name.
func MQClients() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func Available(name string) bool {
	_, ok := constructors[strings.ToLower(name)]

	return ok
}

func NewMQClient(name string) (MQClient, error) {
	constructor, ok := constructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}

	return constructor(), nil
}

// GetEntry returns the first value whose key matches, ignoring case.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)

	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}

// getString accepts strings and scalar YAML values for key.
func getString(m map[string]any, key string) (string, bool) {
	switch value := GetEntry(m, key).(type) {
	case string:
		return value, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(value), true
	}
}
