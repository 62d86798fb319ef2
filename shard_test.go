package valk

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/valkjson"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testHeartbeatInterval = 41250 * time.Millisecond

type gatewayServer struct {
	server *httptest.Server
	conns  chan *gatewayConn
}

type gatewayConn struct {
	t       *testing.T
	conn    *websocket.Conn
	query   url.Values
	release chan struct{}
}

type receivedPayload struct {
	Op int                 `json:"op"`
	D  valkjson.RawMessage `json:"d"`
}

func newGatewayServer(t *testing.T) *gatewayServer {
	t.Helper()

	gs := &gatewayServer{conns: make(chan *gatewayConn, 4)}

	gs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		conn.SetReadLimit(1 << 20)

		gc := &gatewayConn{t: t, conn: conn, query: r.URL.Query(), release: make(chan struct{})}
		gs.conns <- gc

		<-gc.release
	}))

	t.Cleanup(gs.server.Close)

	return gs
}

func (gs *gatewayServer) URL() string {
	return "ws" + strings.TrimPrefix(gs.server.URL, "http")
}

func (gs *gatewayServer) accept(t *testing.T) *gatewayConn {
	t.Helper()

	select {
	case gc := <-gs.conns:
		t.Cleanup(func() { close(gc.release) })

		return gc
	case <-time.After(3 * time.Second):
		t.Fatal("shard did not connect")

		return nil
	}
}

// acceptAdvancing moves the mock clock forward until the shard reconnects.
func (gs *gatewayServer) acceptAdvancing(t *testing.T, mock *clock.Mock) *gatewayConn {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case gc := <-gs.conns:
			t.Cleanup(func() { close(gc.release) })

			return gc
		case <-time.After(10 * time.Millisecond):
			mock.Add(10 * time.Millisecond)
		case <-deadline:
			t.Fatal("shard did not reconnect")

			return nil
		}
	}
}

func (gs *gatewayServer) expectNoConnection(t *testing.T, mock *clock.Mock) {
	t.Helper()

	for i := 0; i < 20; i++ {
		mock.Add(50 * time.Millisecond)

		select {
		case <-gs.conns:
			t.Fatal("shard reconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (gc *gatewayConn) send(op int, data any, sequence int64, event string) {
	gc.t.Helper()

	gc.write(websocket.MessageText, gc.encode(op, data, sequence, event))
}

func (gc *gatewayConn) sendCompressed(op int, data any, sequence int64, event string) {
	gc.t.Helper()

	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)
	_, err := writer.Write(gc.encode(op, data, sequence, event))
	require.NoError(gc.t, err)
	require.NoError(gc.t, writer.Close())

	gc.write(websocket.MessageBinary, buf.Bytes())
}

func (gc *gatewayConn) encode(op int, data any, sequence int64, event string) []byte {
	envelope := map[string]any{"op": op, "d": data}

	if sequence > 0 {
		envelope["s"] = sequence
	}

	if event != "" {
		envelope["t"] = event
	}

	payload, err := valkjson.Marshal(envelope)
	require.NoError(gc.t, err)

	return payload
}

func (gc *gatewayConn) write(typ websocket.MessageType, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(gc.t, gc.conn.Write(ctx, typ, payload))
}

func (gc *gatewayConn) read() receivedPayload {
	gc.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := gc.conn.Read(ctx)
	require.NoError(gc.t, err)

	var payload receivedPayload

	require.NoError(gc.t, valkjson.Unmarshal(data, &payload))

	return payload
}

// expectClose reads until the client closes and returns the close code.
func (gc *gatewayConn) expectClose() websocket.StatusCode {
	gc.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, _, err := gc.conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

type dispatchEvent struct {
	shard *Shard
	event string
	data  string
}

type shardHarness struct {
	t          *testing.T
	mock       *clock.Mock
	reactor    *reactor.Reactor
	shard      *Shard
	dispatches chan dispatchEvent
	errors     chan error
}

func newShardHarness(t *testing.T, gatewayURL string) *shardHarness {
	t.Helper()

	mock := clock.NewMock()
	r := reactor.New(zerolog.Nop(), mock)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = r.Run(ctx)
	}()

	t.Cleanup(cancel)

	h := &shardHarness{
		t:       t,
		mock:    mock,
		reactor: r,
		shard: NewShard(zerolog.Nop(), r, ShardOptions{
			Identifier:     "test",
			Token:          "token",
			URL:            gatewayURL,
			ShardID:        0,
			ShardCount:     1,
			Intents:        513,
			LargeThreshold: DefaultLargeThreshold,
			Compress:       true,
		}),
		dispatches: make(chan dispatchEvent, 16),
		errors:     make(chan error, 4),
	}

	h.shard.OnDispatch(func(shard *Shard, event string, data valkjson.RawMessage) {
		h.dispatches <- dispatchEvent{shard, event, string(data)}
	})

	h.shard.OnError(func(_ *Shard, err error) {
		h.errors <- err
	})

	return h
}

func (h *shardHarness) invoke(fn func()) {
	h.t.Helper()

	require.NoError(h.t, h.reactor.Invoke(context.Background(), fn))
}

func (h *shardHarness) connect() {
	h.t.Helper()

	h.invoke(func() {
		require.NoError(h.t, h.shard.Connect())
	})
}

// sync waits for every callback already posted to the reactor.
func (h *shardHarness) sync() {
	h.invoke(func() {})
}

func (h *shardHarness) nextDispatch() dispatchEvent {
	h.t.Helper()

	select {
	case event := <-h.dispatches:
		return event
	case <-time.After(3 * time.Second):
		h.t.Fatal("no dispatch received")

		return dispatchEvent{}
	}
}

func (h *shardHarness) waitStatus(status ShardStatus) {
	h.t.Helper()

	assert.Eventually(h.t, func() bool { return h.shard.Status() == status }, 3*time.Second, 5*time.Millisecond,
		"expected %s, have %s", status, h.shard.Status())
}

// waitAcknowledged waits until the shard has handled a heartbeat ack.
func (h *shardHarness) waitAcknowledged() {
	h.t.Helper()

	assert.Eventually(h.t, func() bool {
		var acknowledged bool

		err := h.reactor.Invoke(context.Background(), func() { acknowledged = h.shard.acknowledged })

		return err == nil && acknowledged
	}, 3*time.Second, 5*time.Millisecond)
}

// ready performs hello, identify and READY on gc.
func (h *shardHarness) ready(gs *gatewayServer, gc *gatewayConn) {
	h.t.Helper()

	gc.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	require.Equal(h.t, 2, gc.read().Op)
	require.Equal(h.t, 1, gc.read().Op)

	gc.send(0, Ready{SessionID: "abc", ResumeGatewayURL: gs.URL()}, 1, "READY")

	assert.Equal(h.t, "READY", h.nextDispatch().event)
	h.waitStatus(ShardStatusHeartbeating)
}

func TestShardIdentifiesAndDispatches(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	assert.Equal(t, "10", gc.query.Get("v"))
	assert.Equal(t, "json", gc.query.Get("encoding"))

	gc.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	identifyPayload := gc.read()
	require.Equal(t, 2, identifyPayload.Op)

	var identify Identify

	require.NoError(t, valkjson.Unmarshal(identifyPayload.D, &identify))
	assert.Equal(t, "token", identify.Token)
	assert.Equal(t, [2]int32{0, 1}, identify.Shard)
	assert.Equal(t, int64(513), identify.Intents)
	assert.Equal(t, int32(DefaultLargeThreshold), identify.LargeThreshold)
	assert.True(t, identify.Compress)
	assert.Equal(t, runtime.GOOS, identify.Properties.OS)
	assert.Equal(t, ShardStatusIdentifying, h.shard.Status())

	heartbeat := gc.read()
	assert.Equal(t, 1, heartbeat.Op)
	assert.Equal(t, "null", string(heartbeat.D))

	gc.send(0, Ready{SessionID: "abc", ResumeGatewayURL: gs.URL()}, 1, "READY")

	event := h.nextDispatch()
	assert.Equal(t, "READY", event.event)
	assert.Contains(t, event.data, `"abc"`)
	assert.Same(t, h.shard, event.shard)

	h.waitStatus(ShardStatusHeartbeating)
	assert.Equal(t, "abc", h.shard.SessionID())
	assert.Equal(t, int64(1), h.shard.Sequence())

	gc.send(11, nil, 0, "")
	gc.send(0, map[string]any{"content": "hi"}, 5, "MESSAGE_CREATE")
	gc.send(0, map[string]any{}, 3, "TYPING_START")

	assert.Equal(t, "MESSAGE_CREATE", h.nextDispatch().event)
	assert.Equal(t, "TYPING_START", h.nextDispatch().event)

	// Sequence numbers never move backwards.
	assert.Equal(t, int64(5), h.shard.Sequence())
}

func TestShardResumesAfterMissedHeartbeatAck(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)
	h.sync()

	h.mock.Add(testHeartbeatInterval)

	assert.Equal(t, websocket.StatusInternalError, gc.expectClose())

	next := gs.acceptAdvancing(t, h.mock)
	assert.Equal(t, "10", next.query.Get("v"))

	next.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	resumePayload := next.read()
	require.Equal(t, 6, resumePayload.Op)

	var resume Resume

	require.NoError(t, valkjson.Unmarshal(resumePayload.D, &resume))
	assert.Equal(t, Resume{Token: "token", SessionID: "abc", Sequence: 1}, resume)

	heartbeat := next.read()
	assert.Equal(t, 1, heartbeat.Op)
	assert.Equal(t, "1", string(heartbeat.D))

	next.send(0, nil, 2, "RESUMED")

	assert.Equal(t, "RESUMED", h.nextDispatch().event)
	h.waitStatus(ShardStatusHeartbeating)
	assert.Equal(t, int32(1), h.shard.Reconnects())
	assert.Equal(t, int64(2), h.shard.Sequence())
}

func TestShardAcknowledgedHeartbeatsContinue(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	gc.send(11, nil, 0, "")
	h.waitAcknowledged()

	h.mock.Add(testHeartbeatInterval)

	heartbeat := gc.read()
	assert.Equal(t, 1, heartbeat.Op)
	assert.Equal(t, "1", string(heartbeat.D))
	assert.Equal(t, ShardStatusHeartbeating, h.shard.Status())
}

func TestShardInvalidSessionIdentifiesAgain(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	gc.send(9, false, 0, "")

	assert.Eventually(t, func() bool { return h.shard.SessionID() == "" }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), h.shard.Sequence())

	h.sync()
	h.mock.Add(DefaultInvalidSession)

	assert.Equal(t, websocket.StatusCode(WebsocketReconnectCloseCode), gc.expectClose())

	next := gs.acceptAdvancing(t, h.mock)
	next.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	assert.Equal(t, 2, next.read().Op)
}

func TestShardReconnectRequestResumes(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	gc.send(7, nil, 0, "")

	assert.Equal(t, websocket.StatusGoingAway, gc.expectClose())

	next := gs.acceptAdvancing(t, h.mock)
	next.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	assert.Equal(t, 6, next.read().Op)
}

func TestShardKeepsResumingAfterResume(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	gc.send(7, nil, 0, "")

	assert.Equal(t, websocket.StatusGoingAway, gc.expectClose())

	resumed := gs.acceptAdvancing(t, h.mock)
	resumed.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	require.Equal(t, 6, resumed.read().Op)
	require.Equal(t, 1, resumed.read().Op)

	resumed.send(0, nil, 2, "RESUMED")

	assert.Equal(t, "RESUMED", h.nextDispatch().event)
	h.waitStatus(ShardStatusHeartbeating)

	go func() {
		_ = resumed.conn.Close(WebsocketReconnectCloseCode, "")
	}()

	h.waitStatus(ShardStatusReconnecting)

	next := gs.acceptAdvancing(t, h.mock)
	next.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	resumePayload := next.read()
	require.Equal(t, 6, resumePayload.Op)

	var resume Resume

	require.NoError(t, valkjson.Unmarshal(resumePayload.D, &resume))
	assert.Equal(t, Resume{Token: "token", SessionID: "abc", Sequence: 2}, resume)
	assert.Equal(t, int32(2), h.shard.Reconnects())
}

func TestShardFatalCloseFails(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	gc.send(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")
	require.Equal(t, 2, gc.read().Op)

	go func() {
		_ = gc.conn.Close(4004, "Authentication failed.")
	}()

	select {
	case err := <-h.errors:
		assert.ErrorIs(t, err, ErrShardFatalClose)

		var closeError *CloseError

		require.ErrorAs(t, err, &closeError)
		assert.Equal(t, 4004, closeError.Code)
		assert.Equal(t, "Authentication failed.", closeError.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("fatal close was not reported")
	}

	assert.Equal(t, ShardStatusFailed, h.shard.Status())

	gs.expectNoConnection(t, h.mock)
}

func TestShardCompressedPayloads(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	gc.sendCompressed(10, Hello{HeartbeatInterval: testHeartbeatInterval.Milliseconds()}, 0, "")

	assert.Equal(t, 2, gc.read().Op)
	assert.Equal(t, 1, gc.read().Op)

	gc.sendCompressed(0, Ready{SessionID: "zlib"}, 1, "READY")

	assert.Equal(t, "READY", h.nextDispatch().event)
	assert.Equal(t, "zlib", h.shard.SessionID())
}

func TestShardServerRequestedHeartbeat(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	gc.send(1, nil, 0, "")

	heartbeat := gc.read()
	assert.Equal(t, 1, heartbeat.Op)
	assert.Equal(t, "1", string(heartbeat.D))
}

func TestShardCommands(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	var nonce string

	h.invoke(func() {
		var err error

		nonce, err = h.shard.RequestGuildMembers(RequestGuildMembers{GuildID: 42})
		require.NoError(t, err)

		require.NoError(t, h.shard.UpdateVoiceState(UpdateVoiceState{GuildID: 42}))
	})

	assert.NotEmpty(t, nonce)

	request := gc.read()
	require.Equal(t, 8, request.Op)

	var members map[string]any

	require.NoError(t, valkjson.Unmarshal(request.D, &members))
	assert.Equal(t, "42", members["guild_id"])
	assert.Equal(t, nonce, members["nonce"])

	voice := gc.read()
	require.Equal(t, 4, voice.Op)

	var state map[string]any

	require.NoError(t, valkjson.Unmarshal(voice.D, &state))
	assert.Nil(t, state["channel_id"])
}

func TestShardUserClose(t *testing.T) {
	gs := newGatewayServer(t)
	h := newShardHarness(t, gs.URL())

	h.connect()

	gc := gs.accept(t)
	h.ready(gs, gc)

	h.invoke(func() {
		h.shard.Close(1000)
	})

	assert.Equal(t, websocket.StatusNormalClosure, gc.expectClose())

	h.waitStatus(ShardStatusClosed)
	gs.expectNoConnection(t, h.mock)

	h.invoke(func() {
		assert.ErrorIs(t, h.shard.SendEvent(3, nil), ErrShardNotConnected)
	})
}

func TestShardFatalCloseCodes(t *testing.T) {
	for _, code := range []int{4004, 4010, 4011, 4012, 4013, 4014} {
		assert.True(t, IsFatalCloseCode(code), code)
	}

	for _, code := range []int{1000, 1001, 1006, 1011, 4000, 4007, 4009} {
		assert.False(t, IsFatalCloseCode(code), code)
	}
}
