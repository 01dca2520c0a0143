package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/storage"
	"github.com/ravel-labs/ravel/internal/trajectory"
)

type fakeRunner struct {
	response string
	err      error
	block    bool
}

func (r *fakeRunner) Run(ctx context.Context, conversationID, user, message, clientMessageID string, events Emitter) (string, error) {
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", r.err
	}
	return r.response, nil
}

func newTestTrajectoryStore(t *testing.T) *trajectory.Store {
	t.Helper()
	return trajectory.New(storage.New(t.TempDir()))
}

func startTestServer(t *testing.T, runner Runner) (wsURL string, closeFn func()) {
	t.Helper()
	store := newTestTrajectoryStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		newRunner := func(gate *confirm.Gate) Runner { return runner }
		if err := Serve(w, r, "alice", store, newRunner, store, nil); err != nil {
			t.Logf("serve ended: %v", err)
		}
	}))
	wsURL = "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readEventsUntil(t *testing.T, conn *websocket.Conn, wantKind string, timeout time.Duration) outboundEnvelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		var env struct {
			ConversationID string         `json:"conversationId"`
			Payload        map[string]any `json:"payload"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read failed waiting for %q: %v", wantKind, err)
		}
		if kind, _ := env.Payload["kind"].(string); kind == wantKind {
			return outboundEnvelope{ConversationID: env.ConversationID, Payload: env.Payload}
		}
	}
	t.Fatalf("timed out waiting for event kind %q", wantKind)
	return outboundEnvelope{}
}

func TestServeMessageRunsToCompletion(t *testing.T) {
	url, closeFn := startTestServer(t, &fakeRunner{response: "done"})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"kind": cmdMessage, "message": "hello"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readEventsUntil(t, conn, EventConversationCreated, time.Second)
	readEventsUntil(t, conn, EventRunStarted, time.Second)
	complete := readEventsUntil(t, conn, EventComplete, time.Second)
	if complete.Payload["response"] != "done" {
		t.Errorf("expected response %q, got %v", "done", complete.Payload["response"])
	}
}

func TestServeStopHaltsRun(t *testing.T) {
	blockRunner := &fakeRunner{block: true}
	url, closeFn := startTestServer(t, blockRunner)
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"kind": cmdMessage, "message": "hello"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	created := readEventsUntil(t, conn, EventConversationCreated, time.Second)
	readEventsUntil(t, conn, EventRunStarted, time.Second)

	convID, _ := created.Payload["conversationId"].(string)
	if err := conn.WriteJSON(map[string]any{"kind": cmdStop, "conversationId": convID}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readEventsUntil(t, conn, EventRunStopped, time.Second)
}

func TestServeUnknownCommandKindIsIgnored(t *testing.T) {
	url, closeFn := startTestServer(t, &fakeRunner{response: "done"})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"kind": "not_a_real_command"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"kind": cmdMessage, "message": "hello"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readEventsUntil(t, conn, EventConversationCreated, time.Second)
}
