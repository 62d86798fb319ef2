package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	valk "github.com/king1600/Valk"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const closeTimeout = 10 * time.Second

func main() {
	configurationLocation := flag.String("configuration", "valk.yaml", "Path of the configuration file.")
	loggingLevel := flag.String("level", "", "Logging level. Overrides the configuration.")
	flag.Parse()

	// .env is optional.
	_ = godotenv.Load()

	configuration, err := valk.LoadConfiguration(*configurationLocation)
	if err != nil {
		println("Failed to load configuration:", err.Error())
		os.Exit(1)
	}

	if *loggingLevel != "" {
		configuration.Logging.Level = *loggingLevel
	}

	logger, err := newLogger(configuration.Logging)
	if err != nil {
		println("Failed to create logger:", err.Error())
		os.Exit(1)
	}

	err = run(logger, configuration)
	if err != nil {
		logger.Fatal().Err(err).Msg("Exited with error")
	}
}

func newLogger(configuration valk.LoggingConfiguration) (zerolog.Logger, error) {
	level := zerolog.InfoLevel

	if configuration.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(configuration.Level)
		if err != nil {
			return zerolog.Logger{}, err
		}
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}}

	if configuration.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   configuration.File,
			MaxSize:    configuration.MaxSize,
			MaxBackups: configuration.MaxBackups,
			MaxAge:     configuration.MaxAge,
			Compress:   configuration.Compress,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger(), nil
}

func run(logger zerolog.Logger, configuration *valk.Configuration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := reactor.New(logger, clock.New())

	reactorCtx, cancelReactor := context.WithCancel(context.Background())
	defer cancelReactor()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.Run(reactorCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	producer, err := valk.NewProducerFromConfiguration(ctx, logger, configuration.Producer)
	if err != nil {
		return err
	}

	if producer != nil {
		g.Go(func() error {
			return producer.Run(gctx)
		})
	}

	client, err := valk.NewClient(logger, r, configuration, producer)
	if err != nil {
		return err
	}

	client.OnDispatch(func(shard *valk.Shard, event string, _ valkjson.RawMessage) {
		shard.Logger.Trace().Str("type", event).Msg("Dispatch")
	})

	if configuration.HTTP.Enabled {
		status := valk.NewStatusServer(logger, client)

		g.Go(func() error {
			return status.ListenAndServe(gctx, configuration.HTTP.Host)
		})
	}

	err = client.Login(ctx)
	if err != nil {
		return err
	}

	logger.Info().Str("version", valk.Version).Int("shards", len(client.Shards())).Msg("Valk is running")

	<-gctx.Done()

	logger.Info().Msg("Shutting down")

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()

	err = client.Close(closeCtx)

	cancelReactor()

	return errors.Join(err, g.Wait())
}
