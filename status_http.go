package valk

import (
	"context"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/king1600/Valk/valkjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RestResponse is the envelope of every status API response.
type RestResponse struct {
	Success  bool   `json:"success"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ShardStatusSnapshot struct {
	ShardID    int32       `json:"shard_id"`
	Status     ShardStatus `json:"status"`
	Sequence   int64       `json:"sequence"`
	SessionID  string      `json:"session_id,omitempty"`
	LatencyMS  int64       `json:"latency_ms"`
	Reconnects int32       `json:"reconnects"`
}

type StatusResponse struct {
	Identifier string                `json:"identifier"`
	Version    string                `json:"version"`
	Uptime     string                `json:"uptime"`
	Shards     []ShardStatusSnapshot `json:"shards"`
}

// StatusServer serves shard status and prometheus metrics.
type StatusServer struct {
	logger    zerolog.Logger
	client    *Client
	startedAt time.Time

	server *fasthttp.Server
}

func NewStatusServer(logger zerolog.Logger, client *Client) *StatusServer {
	s := &StatusServer{
		logger:    logger.With().Str("component", "http").Logger(),
		client:    client,
		startedAt: time.Now(),
	}

	s.server = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "valk",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *StatusServer) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/api/status", s.handleStatus)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		s.writeResponse(ctx, fasthttp.StatusNotFound, RestResponse{Success: false, Error: "not found"})
	}

	return s.logRequest(r.Handler)
}

// Status snapshots every shard. It is safe to call from any goroutine.
func (s *StatusServer) Status() StatusResponse {
	shards := s.client.Shards()

	response := StatusResponse{
		Identifier: s.client.Configuration.Identifier,
		Version:    Version,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Shards:     make([]ShardStatusSnapshot, 0, len(shards)),
	}

	for _, shard := range shards {
		response.Shards = append(response.Shards, ShardStatusSnapshot{
			ShardID:    shard.ShardID(),
			Status:     shard.Status(),
			Sequence:   shard.Sequence(),
			SessionID:  shard.SessionID(),
			LatencyMS:  shard.Latency().Milliseconds(),
			Reconnects: shard.Reconnects(),
		})
	}

	return response
}

func (s *StatusServer) handleStatus(ctx *fasthttp.RequestCtx) {
	s.writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: s.Status()})
}

func (s *StatusServer) writeResponse(ctx *fasthttp.RequestCtx, statusCode int, response RestResponse) {
	ctx.SetContentType("application/json;charset=UTF-8")
	ctx.SetStatusCode(statusCode)

	err := valkjson.MarshalToWriter(ctx, response)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

func (s *StatusServer) logRequest(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		next(ctx)

		s.logger.Debug().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	}
}

// ListenAndServe serves on host until ctx is done.
func (s *StatusServer) ListenAndServe(ctx context.Context, host string) error {
	errs := make(chan error, 1)

	go func() {
		s.logger.Info().Str("host", host).Msg("Running HTTP server")
		errs <- s.server.ListenAndServe(host)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		err := s.server.Shutdown()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}
}
