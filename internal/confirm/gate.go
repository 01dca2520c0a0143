// Package confirm implements the confirmation gate: a request/response
// round-trip between a tool adapter and the client, generalized from
// internal/permission.Checker's single pending-channel map into the
// fan-out, risk-mapped, run-scoped gate SPEC_FULL §4.3 requires.
package confirm

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/ravel-labs/ravel/internal/runstate"
	"github.com/ravel-labs/ravel/pkg/types"
)

// RiskTable maps an operation (and, for a handful of operations, a
// sub-type) to its RiskLevel, per SPEC_FULL §4.3.
var defaultOperationRisk = map[string]types.RiskLevel{
	"edit_file":           types.RiskMedium,
	"write_file":          types.RiskMedium,
	"read_sensitive_file":  types.RiskMedium,
	"grep_sensitive_path":  types.RiskMedium,
	"fetch_internal_url":   types.RiskMedium,
	"mcp_tool_call":        types.RiskMedium,
	"delete_file":          types.RiskHigh,
	"execute_command":      types.RiskHigh,
}

var executeCommandSubTypeRisk = map[string]types.RiskLevel{
	"read-only":  types.RiskLow,
	"write-only": types.RiskMedium,
	"read-write": types.RiskHigh,
}

var mcpSubTypeRisk = map[string]types.RiskLevel{
	"safe":   types.RiskLow,
	"unsafe": types.RiskHigh,
}

// RiskFor computes the RiskLevel for an operation and optional sub-type.
func RiskFor(operation, subType string) types.RiskLevel {
	if operation == "execute_command" && subType != "" {
		if r, ok := executeCommandSubTypeRisk[subType]; ok {
			return r
		}
	}
	if operation == "mcp_tool_call" && subType != "" {
		// subType here is "<serverName>:<safe|unsafe>"; only the tail matters.
		tail := subType
		if idx := lastColon(subType); idx >= 0 {
			tail = subType[idx+1:]
		}
		if r, ok := mcpSubTypeRisk[tail]; ok {
			return r
		}
	}
	if r, ok := defaultOperationRisk[operation]; ok {
		return r
	}
	return types.RiskMedium
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// ErrRejected is returned when a confirmation resolves to a denial, either
// by explicit "no"/"guidance" or by cancellation.
type ErrRejected struct {
	Reason string
}

func (e *ErrRejected) Error() string { return fmt.Sprintf("confirmation denied: %s", e.Reason) }

// Gate mediates confirmation round-trips for runs tracked in a
// runstate.Registry. The WebSocket-driven gate never times out
// (TimeoutMs=0); the automation-driven gate (internal/automation) uses its
// own durable variant instead of this type.
type Gate struct {
	sessions *runstate.Registry
	emit     func(conversationID string, req types.ConfirmationRequest)
	denials  *DenialStreakTracker
}

// New constructs a Gate over the given session registry. emit is called to
// deliver the confirmation_request event to the client channel.
func New(sessions *runstate.Registry, emit func(conversationID string, req types.ConfirmationRequest)) *Gate {
	return &Gate{sessions: sessions, emit: emit, denials: NewDenialStreakTracker()}
}

// ShouldHardStop reports whether conversationID just crossed the
// consecutive-denial threshold for key and ought to be force-stopped
// rather than prompted again.
func (g *Gate) ShouldHardStop(conversationID, key string, approved bool) bool {
	return g.denials.RecordAndCheck(conversationID, key, approved)
}

// Details carries the caller-provided content of a confirmation prompt.
type Details struct {
	Title           string
	Message         string
	Diff            string
	ToolArgs        map[string]any
	AffectedFiles   []string
	DefaultOptionID string
}

// RequestOperationConfirmation blocks until the user (or an automatic
// fan-out resolution) answers, or ctx is cancelled.
func (g *Gate) RequestOperationConfirmation(ctx context.Context, conversationID, user, op, subType string, d Details) (types.ConfirmationResult, error) {
	sess := g.sessions.GetOrCreate(conversationID, user)
	key := types.ConfirmationKey(op, subType)

	if sess.Prefs.Allows(key) {
		return types.ConfirmationResult{Approved: true, SelectedOption: "yes_dont_ask", SkipFutureConfirmations: true}, nil
	}

	req := types.ConfirmationRequest{
		RequestID: ulid.Make().String(),
		InputType: "confirmation",
		Title:     d.Title,
		Message:   d.Message,
		Operation: op,
		Context: types.ConfirmationContext{
			ToolName:      op,
			ToolArgs:      d.ToolArgs,
			AffectedFiles: d.AffectedFiles,
			RiskLevel:     RiskFor(op, subType),
			OperationType: subType,
		},
		Diff:            d.Diff,
		Options:         types.StandardConfirmationOptions(),
		DefaultOptionID: d.DefaultOptionID,
		TimeoutMs:       0,
	}

	resolve := make(chan types.ConfirmationResult, 1)
	sess.RegisterPending(req.RequestID, &types.PendingGateEntry{Key: key, Request: req, Resolve: resolve})

	if g.emit != nil {
		g.emit(conversationID, req)
	}

	select {
	case <-ctx.Done():
		sess.TakePending(req.RequestID)
		return types.ConfirmationResult{Approved: false, DenialReason: "aborted"}, ctx.Err()
	case res := <-resolve:
		return res, nil
	}
}

// Respond resolves an outstanding confirmation for conversationID, applying
// the fan-out auto-approval rule atomically when selectedOptionID is
// "yes_dont_ask".
func (g *Gate) Respond(conversationID string, resp types.ConfirmationResponse) {
	sess, ok := g.sessions.Get(conversationID)
	if !ok {
		return
	}
	entry, ok := sess.TakePending(resp.RequestID)
	if !ok {
		return
	}

	result := resolveOption(resp)
	entry.Resolve <- result

	if g.denials.RecordAndCheck(conversationID, entry.Key, result.Approved) {
		sess.HardStop(types.StopReasonError, true)
	}

	if resp.SelectedOptionID == "yes_dont_ask" {
		sess.Prefs.Grant(entry.Key)
		for _, id := range sess.PendingByKey(entry.Key) {
			if e, ok := sess.TakePending(id); ok {
				e.Resolve <- types.ConfirmationResult{Approved: true, SelectedOption: "yes_dont_ask", SkipFutureConfirmations: true}
			}
		}
	}
}

// RejectAll rejects every pending confirmation for conversationID with
// reason, used by stop and by soft-interrupt-with-pending escalation. The
// runstate package already performs this as part of EffectAbortAndRejectAll;
// this is exposed for callers that reject without a state transition (e.g.
// connection close).
func (g *Gate) RejectAll(conversationID, reason string) {
	sess, ok := g.sessions.Get(conversationID)
	if !ok {
		return
	}
	state := sess.Snapshot()
	for id := range state.PendingConfirmations {
		if e, ok := sess.TakePending(id); ok {
			e.Resolve <- types.ConfirmationResult{Approved: false, DenialReason: reason}
		}
	}
}

func resolveOption(resp types.ConfirmationResponse) types.ConfirmationResult {
	switch resp.SelectedOptionID {
	case "yes":
		return types.ConfirmationResult{Approved: true, SelectedOption: "yes"}
	case "yes_dont_ask":
		return types.ConfirmationResult{Approved: true, SelectedOption: "yes_dont_ask", SkipFutureConfirmations: true}
	case "no":
		return types.ConfirmationResult{Approved: false, SelectedOption: "no", DenialReason: "denied by user"}
	case "guidance":
		return types.ConfirmationResult{Approved: false, SelectedOption: "guidance", DenialReason: resp.Guidance}
	default:
		return types.ConfirmationResult{Approved: false, SelectedOption: resp.SelectedOptionID, DenialReason: "unrecognized option"}
	}
}
