package valk

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/king1600/Valk/internal/rest"
	"github.com/king1600/Valk/messaging"
	"gopkg.in/yaml.v3"
)

const (
	TokenEnvironmentKey = "VALK_TOKEN"

	DefaultGatewayURL      = "wss://gateway.discord.gg"
	DefaultGatewayVersion  = 10
	DefaultLargeThreshold  = 250
	DefaultIdentifyDelay   = 5 * time.Second
	DefaultProducerBuffer  = 1024
	DefaultStatusHost      = "127.0.0.1:8080"
	DefaultReconnectDelay  = 50 * time.Millisecond
	DefaultInvalidSession  = 4 * time.Second
	DefaultShardCloseDelay = 5 * time.Second
)

// ReconnectPolicy holds the delays a shard waits between sessions.
type ReconnectPolicy struct {
	// Delay before opening a new connection after a close.
	Delay time.Duration `yaml:"delay"`

	// InvalidSessionDelay before closing in response to an invalid session.
	InvalidSessionDelay time.Duration `yaml:"invalid_session_delay"`

	// CloseTimeout bounds how long a close waits for the server close frame.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:               DefaultReconnectDelay,
		InvalidSessionDelay: DefaultInvalidSession,
		CloseTimeout:        DefaultShardCloseDelay,
	}
}

type Configuration struct {
	// Identifier is attached to produced payloads and metrics.
	Identifier string `yaml:"identifier"`
	Token      string `yaml:"token"`

	REST     RESTConfiguration     `yaml:"rest"`
	Gateway  GatewayConfiguration  `yaml:"gateway"`
	Logging  LoggingConfiguration  `yaml:"logging"`
	Producer ProducerConfiguration `yaml:"producer"`
	HTTP     HTTPConfiguration     `yaml:"http"`
}

type RESTConfiguration struct {
	BaseURL                   string `yaml:"base_url"`
	APIVersion                int    `yaml:"api_version"`
	DisableRequestCompression bool   `yaml:"disable_request_compression"`
}

type GatewayConfiguration struct {
	// URL overrides the url returned by /gateway/bot.
	URL            string `yaml:"url"`
	Version        int    `yaml:"version"`
	Compress       bool   `yaml:"compress"`
	LargeThreshold int32  `yaml:"large_threshold"`

	// ShardCount of zero uses the recommended count.
	ShardCount int32 `yaml:"shard_count"`
	// ShardIDs selects the shards this process runs, such as "0-3,5".
	ShardIDs string `yaml:"shard_ids"`

	Intents  int64                 `yaml:"intents"`
	Presence *discord.UpdateStatus `yaml:"presence"`

	Reconnect ReconnectPolicy `yaml:"reconnect"`

	// IdentifyInterval separates identifies sharing a concurrency bucket.
	IdentifyInterval time.Duration `yaml:"identify_interval"`
}

type LoggingConfiguration struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type ProducerConfiguration struct {
	// Type selects the broker. Empty disables producing.
	Type          string         `yaml:"type"`
	Channel       string         `yaml:"channel"`
	ClientName    string         `yaml:"client_name"`
	Buffer        int            `yaml:"buffer"`
	Configuration map[string]any `yaml:"configuration"`
}

type HTTPConfiguration struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// LoadConfiguration reads the YAML file at path, applies the token from the
// environment when set, fills defaults and validates the result.
func LoadConfiguration(path string) (*Configuration, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	return ParseConfiguration(file)
}

func ParseConfiguration(data []byte) (*Configuration, error) {
	configuration := &Configuration{}

	err := yaml.Unmarshal(data, configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if token := os.Getenv(TokenEnvironmentKey); token != "" {
		configuration.Token = token
	}

	configuration.setDefaults()

	err = configuration.Validate()
	if err != nil {
		return nil, err
	}

	return configuration, nil
}

func (c *Configuration) setDefaults() {
	if c.Identifier == "" {
		c.Identifier = "valk"
	}

	if c.REST.BaseURL == "" {
		c.REST.BaseURL = rest.DefaultBaseURL
	}

	if c.REST.APIVersion == 0 {
		c.REST.APIVersion = rest.DefaultAPIVersion
	}

	if c.Gateway.Version == 0 {
		c.Gateway.Version = DefaultGatewayVersion
	}

	if c.Gateway.LargeThreshold == 0 {
		c.Gateway.LargeThreshold = DefaultLargeThreshold
	}

	if c.Gateway.IdentifyInterval <= 0 {
		c.Gateway.IdentifyInterval = DefaultIdentifyDelay
	}

	defaults := DefaultReconnectPolicy()

	if c.Gateway.Reconnect.Delay <= 0 {
		c.Gateway.Reconnect.Delay = defaults.Delay
	}

	if c.Gateway.Reconnect.InvalidSessionDelay <= 0 {
		c.Gateway.Reconnect.InvalidSessionDelay = defaults.InvalidSessionDelay
	}

	if c.Gateway.Reconnect.CloseTimeout <= 0 {
		c.Gateway.Reconnect.CloseTimeout = defaults.CloseTimeout
	}

	if c.Producer.Buffer <= 0 {
		c.Producer.Buffer = DefaultProducerBuffer
	}

	if c.Producer.ClientName == "" {
		c.Producer.ClientName = c.Identifier
	}

	if c.HTTP.Host == "" {
		c.HTTP.Host = DefaultStatusHost
	}
}

func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrConfigurationMissingToken
	}

	if c.Gateway.ShardCount < 0 {
		return ErrConfigurationInvalidShards
	}

	if c.Producer.Type != "" {
		if !messaging.Available(c.Producer.Type) {
			return fmt.Errorf("%w: %s", ErrConfigurationUnknownBroker, c.Producer.Type)
		}

		if c.Producer.Channel == "" {
			return ErrConfigurationMissingChannel
		}
	}

	return nil
}
