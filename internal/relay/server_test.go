package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/internal/auth"
	"github.com/gurungabit/iast/topic"
	"github.com/gurungabit/iast/wire"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type dirFunc func(ctx context.Context, id, userID string) (bool, error)

func (f dirFunc) ValidateSessionOwner(ctx context.Context, id, userID string) (bool, error) {
	return f(ctx, id, userID)
}

type testRelay struct {
	srv     *httptest.Server
	relay   *Relay
	mem     *broker.Memory
	manager *auth.Manager
}

func newTestRelay(t *testing.T, dir SessionDirectory, maxSessions int) *testRelay {
	t.Helper()

	mem := broker.NewMemory(nil)
	manager, err := auth.NewManager("relay-test-secret")
	require.NoError(t, err)

	r, err := New(Config{
		Broker:             mem,
		Verifier:           manager,
		Directory:          dir,
		MaxSessionsPerUser: maxSessions,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	router := gin.New()
	router.GET("/socket", r.HandleSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
		mem.Close()
	})
	return &testRelay{srv: srv, relay: r, mem: mem, manager: manager}
}

func (tr *testRelay) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := tr.manager.CreateToken(userID)
	require.NoError(t, err)
	return token
}

func (tr *testRelay) dial(t *testing.T, token, sessionID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/socket?session=" + sessionID
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// collect subscribes a probe to one topic and returns the delivery
// channel.
func (tr *testRelay) collect(t *testing.T, topicName string) <-chan broker.Message {
	t.Helper()
	ch := make(chan broker.Message, 16)
	sub, err := tr.mem.Subscribe(context.Background(), func(m broker.Message) { ch <- m }, topicName)
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return ch
}

func awaitMessage(t *testing.T, ch <-chan broker.Message) broker.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for broker message")
		return broker.Message{}
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

// expectClose drains frames until the peer closes and asserts the code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
			return
		}
	}
}

func encoded(t *testing.T, env *wire.Envelope) []byte {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	return data
}

func mustTopic(t *testing.T, scope topic.Scope, sessionID string) string {
	t.Helper()
	name, err := topic.For(scope, sessionID)
	require.NoError(t, err)
	return name
}

func TestHandshakeRequiresToken(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, "", "s1")
	expectClose(t, ws, wire.CloseAuthRequired)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, "not-a-token", "s1")
	expectClose(t, ws, wire.CloseAuthRejected)
}

func TestHandshakeRejectsInvalidSessionID(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	token := tr.token(t, "alice")

	ws := tr.dial(t, token, "bad.id")
	expectClose(t, ws, wire.CloseTransportError)

	ws = tr.dial(t, token, "")
	expectClose(t, ws, wire.CloseTransportError)
}

func TestHandshakeChecksOwnership(t *testing.T) {
	dir := dirFunc(func(_ context.Context, id, userID string) (bool, error) {
		return id == "s1" && userID == "alice", nil
	})
	tr := newTestRelay(t, dir, 0)

	ws := tr.dial(t, tr.token(t, "bob"), "s1")
	expectClose(t, ws, wire.CloseAuthRejected)

	ws = tr.dial(t, tr.token(t, "alice"), "s2")
	expectClose(t, ws, wire.CloseAuthRejected)

	ws = tr.dial(t, tr.token(t, "alice"), "s1")
	publishOutput(t, tr, "s1", wire.NewData("s1", "ok"))
	require.Equal(t, "ok", readEnvelope(t, ws).Payload)
}

func publishOutput(t *testing.T, tr *testRelay, sessionID string, env *wire.Envelope) {
	t.Helper()
	err := tr.mem.Publish(context.Background(), mustTopic(t, topic.SessionOutput, sessionID), encoded(t, env))
	require.NoError(t, err)
}

func TestClientTrafficRoutesByKind(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	input := tr.collect(t, mustTopic(t, topic.SessionInput, "s1"))
	control := tr.collect(t, mustTopic(t, topic.SessionControl, "s1"))

	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	sent := encoded(t, wire.NewData("s1", "ls -la\r"))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, sent))
	require.Equal(t, sent, awaitMessage(t, input).Payload, "input forwarded verbatim")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, wire.NewResize("s1", 120, 40))))
	resized, err := wire.Decode(awaitMessage(t, input).Payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeResize, resized.Type)

	run := encoded(t, wire.NewTaskRun("s1", &wire.TaskRunMeta{ExecutionID: "e1", AstName: "batch"}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, run))
	require.Equal(t, run, awaitMessage(t, control).Payload, "task commands go to the control topic")

	cancel := encoded(t, wire.NewTaskControl(wire.TypeTaskCancel, "s1", "e1"))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, cancel))
	require.Equal(t, cancel, awaitMessage(t, control).Payload)
}

func TestPingAnsweredLocally(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	input := tr.collect(t, mustTopic(t, topic.SessionInput, "s1"))

	ws := tr.dial(t, tr.token(t, "alice"), "s1")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, wire.NewPing("s1"))))

	pong := readEnvelope(t, ws)
	require.Equal(t, wire.TypePong, pong.Type)
	require.Equal(t, "s1", pong.SessionID)

	// The ping itself never reaches the broker.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, wire.NewData("s1", "after"))))
	first, err := wire.Decode(awaitMessage(t, input).Payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeData, first.Type)
	require.Equal(t, "after", first.Payload)
}

func TestBadFramesAreDroppedNotFatal(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	input := tr.collect(t, mustTopic(t, topic.SessionInput, "s1"))

	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	// Garbage, a foreign session, and a backend-only kind all cost only
	// the offending frame.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not an envelope")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, wire.NewData("s2", "wrong session"))))
	spoofed := wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecSuccess})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, spoofed)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded(t, wire.NewData("s1", "still here"))))
	env, err := wire.Decode(awaitMessage(t, input).Payload)
	require.NoError(t, err)
	require.Equal(t, "still here", env.Payload)

	select {
	case m := <-input:
		t.Fatalf("unexpected extra input message: %s", m.Payload)
	default:
	}
}

func TestOutputForwardedVerbatim(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	out := encoded(t, wire.NewData("s1", "MVS READY\r\n"))
	require.NoError(t, tr.mem.Publish(context.Background(), mustTopic(t, topic.SessionOutput, "s1"), out))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, got, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, out, got)
}

func TestIndexRecordsAreNotForwarded(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	index := mustTopic(t, topic.SessionIndex, "s1")
	created := wire.NewSessionCreated("s1", &wire.SessionCreatedMeta{Shell: "tso"})
	require.NoError(t, tr.mem.Publish(context.Background(), index, encoded(t, created)))

	// Only the output record reaches the client.
	publishOutput(t, tr, "s1", wire.NewData("s1", "visible"))
	require.Equal(t, "visible", readEnvelope(t, ws).Payload)
}

func TestSessionDestroyedEndsConnection(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	publishOutput(t, tr, "s1", wire.NewData("s1", "warm"))
	require.Equal(t, "warm", readEnvelope(t, ws).Payload)
	require.Equal(t, 1, tr.relay.SessionCount())

	index := mustTopic(t, topic.SessionIndex, "s1")
	destroyed := wire.NewSessionDestroyed("s1", "host exited")
	require.NoError(t, tr.mem.Publish(context.Background(), index, encoded(t, destroyed)))

	// The client sees the destroy record first, then a peer-ended close.
	env := readEnvelope(t, ws)
	require.Equal(t, wire.TypeSessionDestroyed, env.Type)
	expectClose(t, ws, wire.ClosePeerEnded)
	require.Equal(t, 0, tr.relay.SessionCount())
}

func TestSecondClaimSupersedesFirst(t *testing.T) {
	tr := newTestRelay(t, nil, 1)
	token := tr.token(t, "alice")
	input := tr.collect(t, mustTopic(t, topic.SessionInput, "s1"))

	first := tr.dial(t, token, "s1")
	publishOutput(t, tr, "s1", wire.NewData("s1", "hello first"))
	require.Equal(t, "hello first", readEnvelope(t, first).Payload)

	second := tr.dial(t, token, "s1")
	expectClose(t, first, wire.CloseSuperseded)

	// The new holder owns the session end to end.
	require.NoError(t, second.WriteMessage(websocket.TextMessage, encoded(t, wire.NewData("s1", "from second"))))
	env, err := wire.Decode(awaitMessage(t, input).Payload)
	require.NoError(t, err)
	require.Equal(t, "from second", env.Payload)

	publishOutput(t, tr, "s1", wire.NewData("s1", "hello second"))
	require.Equal(t, "hello second", readEnvelope(t, second).Payload)
	require.Equal(t, 1, tr.relay.SessionCount())
}

func TestSessionLimitRejectsExtraSessions(t *testing.T) {
	tr := newTestRelay(t, nil, 1)
	token := tr.token(t, "alice")

	first := tr.dial(t, token, "s1")
	publishOutput(t, tr, "s1", wire.NewData("s1", "up"))
	require.Equal(t, "up", readEnvelope(t, first).Payload)

	second := tr.dial(t, token, "s2")
	expectClose(t, second, wire.CloseSessionLimit)

	// A different user is not affected by alice's cap.
	other := tr.dial(t, tr.token(t, "bob"), "s2")
	publishOutput(t, tr, "s2", wire.NewData("s2", "bob up"))
	require.Equal(t, "bob up", readEnvelope(t, other).Payload)

	// The first connection survived the rejected attempt.
	publishOutput(t, tr, "s1", wire.NewData("s1", "still up"))
	require.Equal(t, "still up", readEnvelope(t, first).Payload)
}

func TestGlobalControlReachesAttachedClient(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	publishOutput(t, tr, "s1", wire.NewData("s1", "attached"))
	require.Equal(t, "attached", readEnvelope(t, ws).Payload)

	global := mustTopic(t, topic.GlobalControl, "")
	destroyed := wire.NewSessionDestroyed("s1", "maintenance window")
	require.NoError(t, tr.mem.Publish(context.Background(), global, encoded(t, destroyed)))

	env := readEnvelope(t, ws)
	require.Equal(t, wire.TypeSessionDestroyed, env.Type)
	expectClose(t, ws, wire.ClosePeerEnded)
}

func TestClientCloseReleasesClaim(t *testing.T) {
	tr := newTestRelay(t, nil, 0)
	ws := tr.dial(t, tr.token(t, "alice"), "s1")

	publishOutput(t, tr, "s1", wire.NewData("s1", "up"))
	require.Equal(t, "up", readEnvelope(t, ws).Payload)
	require.Equal(t, 1, tr.relay.SessionCount())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	ws.Close()

	require.Eventually(t, func() bool {
		return tr.relay.SessionCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// Reclaiming the session afterwards works.
	again := tr.dial(t, tr.token(t, "alice"), "s1")
	publishOutput(t, tr, "s1", wire.NewData("s1", "back"))
	require.Equal(t, "back", readEnvelope(t, again).Payload)
}
