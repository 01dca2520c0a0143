// Package channel implements the bidirectional WebSocket command/event
// dispatch loop described in SPEC_FULL §4.5, replacing the teacher's
// one-way SSE stream (internal/server/sse.go) with a connection that can
// carry client-originated stop/fork/confirmation_response commands.
package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ravel-labs/ravel/internal/command"
	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/runstate"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Runner drives one logical research-loop run. It is supplied by the
// caller (cmd/ravelserver) so this package stays independent of the LLM
// provider wiring; Run must honor ctx cancellation as the abort token, and
// reports intermediate tool-call/iteration progress through events.
type Runner interface {
	Run(ctx context.Context, conversationID, user, message string, clientMessageID string, events Emitter) (finalMessage string, err error)
}

// Emitter lets a Runner push intermediate research-loop events (tool call
// starts, completed iterations, reasoning) for the duration of one run,
// without needing access to the Connection itself.
type Emitter interface {
	ToolCallStart(thought, message string, calls []types.ToolCall)
	Iteration(stepID int, message string, metrics *types.StepMetrics)
	Reasoning(reasoning string)
}

// connEmitter binds an Emitter to one conversation on a Connection.
type connEmitter struct {
	c              *Connection
	conversationID string
}

func (e connEmitter) ToolCallStart(thought, message string, calls []types.ToolCall) {
	e.c.emit(e.conversationID, ToolCallStartEvent{Kind: EventToolCallStart, Thought: thought, Message: message, ToolCalls: calls})
}

func (e connEmitter) Iteration(stepID int, message string, metrics *types.StepMetrics) {
	e.c.emit(e.conversationID, IterationEvent{Kind: EventIteration, StepID: stepID, Message: message, Metrics: metrics})
}

func (e connEmitter) Reasoning(reasoning string) {
	e.c.emit(e.conversationID, ResearchEvent{Kind: EventResearch, Reasoning: reasoning})
}

// Forker deep-copies a trajectory into a new conversation.
type Forker interface {
	Fork(ctx context.Context, sourceConversationID string) (newConversationID string, err error)
}

// RunnerFactory builds a Runner bound to the confirmation gate Serve creates
// for one connection. A tool call raised mid-run must resolve against the
// same gate handleConfirmationResponse resolves against, so the Runner
// cannot be constructed until the gate exists.
type RunnerFactory func(gate *confirm.Gate) Runner

// Connection is one client's WebSocket session: the Map<conversationId,
// Session> named in SPEC_FULL §4.5, plus the confirmation gate and store
// shared across every conversation on this connection.
type Connection struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	user     string
	sessions *runstate.Registry
	gate     *confirm.Gate
	store    *trajectory.Store
	runner   Runner
	forker   Forker
	commands *command.Executor
}

// Serve upgrades r into a WebSocket and runs the read/dispatch loop until
// the client disconnects or the request context is cancelled. cmdExecutor
// may be nil, in which case messages beginning with "/" are sent through to
// the runner unexpanded.
func Serve(w http.ResponseWriter, r *http.Request, user string, store *trajectory.Store, newRunner RunnerFactory, forker Forker, cmdExecutor *command.Executor) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &Connection{
		conn:     conn,
		user:     user,
		sessions: runstate.NewRegistry(),
		store:    store,
		forker:   forker,
		commands: cmdExecutor,
	}
	c.gate = confirm.New(c.sessions, c.emitConfirmationRequest)
	c.runner = newRunner(c.gate)

	defer c.sessions.CloseAll()

	for {
		var msg inboundEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		c.dispatch(r.Context(), msg)
	}
}

// emit sends a typed event to the client, tagged with conversationID.
// Concurrent runs on distinct conversations may call this from separate
// goroutines, so writes are serialized with writeMu (gorilla/websocket
// connections are not safe for concurrent writers).
func (c *Connection) emit(conversationID string, payload any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteJSON(newEvent(conversationID, payload))
}

// emitConfirmationRequest adapts confirm.Gate's emit signature.
func (c *Connection) emitConfirmationRequest(conversationID string, req types.ConfirmationRequest) {
	c.emit(conversationID, ConfirmationRequestEvent{Kind: EventConfirmationRequest, Request: req})
}
