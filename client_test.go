package valk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newRESTServer(t *testing.T, gatewayURL string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v10/gateway/bot" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		assert.Equal(t, "Bot token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":%q,"shards":2,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":2}}`, gatewayURL)
	}))

	t.Cleanup(server.Close)

	return server
}

func TestClientLoginAndClose(t *testing.T) {
	t.Setenv(TokenEnvironmentKey, "")

	gs := newGatewayServer(t)
	restServer := newRESTServer(t, gs.URL())

	configuration, err := ParseConfiguration([]byte(fmt.Sprintf("identifier: valk\ntoken: token\nrest:\n  base_url: %s/api\n", restServer.URL)))
	require.NoError(t, err)

	r := reactor.New(zerolog.Nop(), clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = r.Run(ctx)
	}()

	broker := &fakeMQClient{}
	producer := NewProducer(zerolog.Nop(), broker, "events", 8)

	go func() {
		_ = producer.Run(ctx)
	}()

	client, err := NewClient(zerolog.Nop(), r, configuration, producer)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []string
	)

	client.OnDispatch(func(shard *Shard, event string, _ valkjson.RawMessage) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, fmt.Sprintf("%s:%d", event, shard.ShardID()))
	})

	require.NoError(t, client.Login(ctx))
	require.Len(t, client.Shards(), 2)

	identified := map[int32]*gatewayConn{}

	for i := 0; i < 2; i++ {
		gc := gs.accept(t)

		gc.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

		payload := gc.read()
		require.Equal(t, 2, payload.Op)

		var identify Identify

		require.NoError(t, valkjson.Unmarshal(payload.D, &identify))
		assert.Equal(t, int32(2), identify.Shard[1])

		identified[identify.Shard[0]] = gc

		require.Equal(t, 1, gc.read().Op)
	}

	require.Len(t, identified, 2)

	for id, gc := range identified {
		gc.send(0, Ready{SessionID: fmt.Sprintf("session-%d", id)}, 1, "READY")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(events) == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{"READY:0", "READY:1"}, events)

	assert.Eventually(t, func() bool { return len(broker.snapshot()) == 2 }, 3*time.Second, 5*time.Millisecond)

	for _, shard := range client.Shards() {
		assert.Equal(t, ShardStatusHeartbeating, shard.Status())
		assert.Equal(t, fmt.Sprintf("session-%d", shard.ShardID()), shard.SessionID())
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, 3*time.Second)
	defer closeCancel()

	closed := make(chan error, 1)

	go func() {
		closed <- client.Close(closeCtx)
	}()

	for _, gc := range identified {
		assert.Equal(t, websocket.StatusNormalClosure, gc.expectClose())
	}

	require.NoError(t, <-closed)

	for _, shard := range client.Shards() {
		assert.Equal(t, ShardStatusClosed, shard.Status())
	}

	assert.ErrorIs(t, client.Close(ctx), ErrClientClosed)
	assert.ErrorIs(t, client.Login(ctx), ErrClientClosed)
}

func TestClientLoginFailsWithoutGateway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))
	}))
	t.Cleanup(server.Close)

	configuration, err := ParseConfiguration([]byte(fmt.Sprintf("token: token\nrest:\n  base_url: %s/api\n", server.URL)))
	require.NoError(t, err)

	r := reactor.New(zerolog.Nop(), clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = r.Run(ctx)
	}()

	client, err := NewClient(zerolog.Nop(), r, configuration, nil)
	require.NoError(t, err)

	loginCtx, loginCancel := context.WithTimeout(ctx, 3*time.Second)
	defer loginCancel()

	assert.Error(t, client.Login(loginCtx))
	assert.Empty(t, client.Shards())
}
