package channel

import (
	"context"
	"log"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/runstate"
	"github.com/ravel-labs/ravel/pkg/types"
)

// inboundEnvelope is the wire shape of every client-originated command,
// per SPEC_FULL §4.5's command taxonomy.
type inboundEnvelope struct {
	Kind string `json:"kind"`

	// message
	Message         string `json:"message,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	RunID           string `json:"runId,omitempty"`

	// fork
	SourceConversationID string `json:"sourceConversationId,omitempty"`

	// confirmation_response
	Data *types.ConfirmationResponse `json:"data,omitempty"`
}

const (
	cmdMessage              = "message"
	cmdStop                 = "stop"
	cmdFork                 = "fork"
	cmdConfirmationResponse = "confirmation_response"
)

// dispatch routes one inbound envelope to its command handler, per the
// matches/execute dispatch contract of SPEC_FULL §4.5.
func (c *Connection) dispatch(ctx context.Context, msg inboundEnvelope) {
	switch msg.Kind {
	case cmdMessage:
		c.handleMessage(ctx, msg)
	case cmdStop:
		c.handleStop(msg)
	case cmdFork:
		c.handleFork(ctx, msg)
	case cmdConfirmationResponse:
		c.handleConfirmationResponse(msg)
	default:
		log.Printf("channel: unrecognized command kind %q", msg.Kind)
	}
}

// handleMessage implements SPEC_FULL §4.5's message command logic: start a
// fresh run if the conversation is unknown or idle, otherwise queue as a
// soft interrupt (escalating to a hard stop if a confirmation is pending).
func (c *Connection) handleMessage(ctx context.Context, msg inboundEnvelope) {
	conversationID := msg.ConversationID
	isNew := conversationID == ""
	if isNew {
		conversationID = ulid.Make().String()
	}

	message, err := c.expandCommand(ctx, msg.Message)
	if err != nil {
		c.emit(conversationID, ErrorEvent{Kind: EventError, Error: err.Error()})
		return
	}
	msg.Message = message

	sess := c.sessions.GetOrCreate(conversationID, c.user)
	if isNew {
		c.emit(conversationID, ConversationCreatedEvent{Kind: EventConversationCreated, ConversationID: conversationID})
	}

	snap := sess.Snapshot()
	if snap.Phase == types.PhaseIdle {
		c.startRun(ctx, sess, conversationID, msg.RunID, msg.Message, msg.ClientMessageID)
		return
	}

	sess.SoftInterrupt(msg.RunID, msg.ClientMessageID, msg.Message)
}

// handleStop implements SPEC_FULL §4.5's stop command logic: hard stop,
// clearing the queue and rejecting every pending confirmation. run_stopped
// is emitted by the run goroutine when it observes ctx.Done, not here.
func (c *Connection) handleStop(msg inboundEnvelope) {
	sess, ok := c.sessions.Get(msg.ConversationID)
	if !ok {
		return
	}
	if !validRunID(sess, msg.RunID) {
		log.Printf("channel: stop for %s dropped, runId mismatch", msg.ConversationID)
		return
	}
	sess.HardStop(types.StopReasonUserStop, true)
}

// handleFork implements SPEC_FULL §4.5's fork command logic.
func (c *Connection) handleFork(ctx context.Context, msg inboundEnvelope) {
	if c.forker == nil {
		c.emit(msg.SourceConversationID, ErrorEvent{Kind: EventError, Error: "fork not supported"})
		return
	}
	newID, err := c.forker.Fork(ctx, msg.SourceConversationID)
	if err != nil {
		c.emit(msg.SourceConversationID, ErrorEvent{Kind: EventError, Error: err.Error()})
		return
	}
	c.emit(newID, ConversationCreatedEvent{Kind: EventConversationCreated, ConversationID: newID})
	sess := c.sessions.GetOrCreate(newID, c.user)
	c.startRun(ctx, sess, newID, msg.RunID, msg.Message, msg.ClientMessageID)
}

// handleConfirmationResponse resolves a pending confirmation future,
// applying the gate's fan-out auto-approval rule.
func (c *Connection) handleConfirmationResponse(msg inboundEnvelope) {
	if msg.Data == nil {
		return
	}
	sess, ok := c.sessions.Get(msg.ConversationID)
	if !ok {
		return
	}
	if !validRunID(sess, msg.RunID) {
		log.Printf("channel: confirmation_response for %s dropped, runId mismatch", msg.ConversationID)
		return
	}
	c.gate.Respond(msg.ConversationID, *msg.Data)
}

// startRun transitions sess to Running and spawns the run goroutine that
// drives the research loop and reports terminal events.
func (c *Connection) startRun(ctx context.Context, sess *runstate.Session, conversationID, runID, message, clientMessageID string) {
	if runID == "" {
		runID = ulid.Make().String()
	}
	runCtx, err := sess.StartRun(ctx, runID, clientMessageID)
	if err != nil {
		c.emit(conversationID, ErrorEvent{Kind: EventError, Error: err.Error()})
		return
	}
	c.emit(conversationID, RunStartedEvent{Kind: EventRunStarted, RunID: runID})

	go func() {
		if c.runner == nil {
			sess.RunError()
			c.emit(conversationID, ErrorEvent{Kind: EventError, Error: "no runner configured"})
			return
		}
		response, err := c.runner.Run(runCtx, conversationID, c.user, message, clientMessageID, connEmitter{c: c, conversationID: conversationID})
		if runCtx.Err() != nil {
			snap := sess.Snapshot()
			c.emit(conversationID, RunStoppedEvent{Kind: EventRunStopped, Reason: snap.StopReason})
			return
		}
		if err != nil {
			sess.RunError()
			c.emit(conversationID, ErrorEvent{Kind: EventError, Error: err.Error()})
			return
		}
		sess.RunComplete()
		c.emit(conversationID, CompleteEvent{Kind: EventComplete, Response: response})
	}()
}

// validRunID reports whether runID is empty (new-conversation message) or
// matches the session's currently active run.
func validRunID(sess *runstate.Session, runID string) bool {
	if runID == "" {
		return true
	}
	return sess.Snapshot().RunID == runID
}

// expandCommand expands a leading "/name args" slash command into its
// template prompt via internal/command, so a custom command file under
// .opencode/command/ or the config's [command] table can stand in for a
// hand-typed prompt. Non-command messages and connections with no executor
// configured pass through unchanged.
func (c *Connection) expandCommand(ctx context.Context, message string) (string, error) {
	if c.commands == nil || !strings.HasPrefix(message, "/") {
		return message, nil
	}

	rest := strings.TrimPrefix(message, "/")
	name, args, _ := strings.Cut(rest, " ")
	if name == "" {
		return message, nil
	}

	if _, ok := c.commands.Get(name); !ok {
		return message, nil
	}

	result, err := c.commands.Execute(ctx, name, args)
	if err != nil {
		return "", err
	}
	return result.Prompt, nil
}
