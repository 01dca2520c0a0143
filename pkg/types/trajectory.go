package types

import "encoding/json"

// StepSource identifies who produced a trajectory step.
type StepSource string

const (
	StepSystem StepSource = "system"
	StepUser   StepSource = "user"
	StepAgent  StepSource = "agent"
)

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ToolCallID   string          `json:"tool_call_id"`
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
}

// ObservationResult carries the output of one tool call, linked by
// SourceCallID rather than position in the slice.
type ObservationResult struct {
	SourceCallID string          `json:"source_call_id"`
	Content      ObservationData `json:"content"`
}

// Observation bundles the results of every tool call within one step.
type Observation struct {
	Results []ObservationResult `json:"results"`
}

// ObservationData is a tagged variant: plain text, or a multi-part
// sequence mixing text, image, and audio parts.
type ObservationData struct {
	Text  string `json:"-"`
	Parts []Part `json:"-"`
}

// PartKind enumerates ObservationData multi-part kinds.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
)

// Part is one element of a multi-part observation.
type Part struct {
	Kind   PartKind `json:"type"`
	Text   string   `json:"text,omitempty"`
	Mime   string   `json:"mime,omitempty"`
	Base64 string   `json:"base64,omitempty"`
}

// MarshalJSON renders a text-only observation as a bare string and a
// multi-part observation as an array, matching the wire shape in SPEC_FULL §9.
func (o ObservationData) MarshalJSON() ([]byte, error) {
	if o.Parts == nil {
		return json.Marshal(o.Text)
	}
	return json.Marshal(o.Parts)
}

func (o *ObservationData) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Text = s
		o.Parts = nil
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	o.Parts = parts
	return nil
}

// StepMetrics records token/cost accounting for one step.
type StepMetrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates another step's metrics into the receiver.
func (m *StepMetrics) Add(other *StepMetrics) {
	if other == nil {
		return
	}
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.CachedTokens += other.CachedTokens
	m.CostUSD += other.CostUSD
}

// Step is one entry in a Trajectory.
type Step struct {
	StepID      int             `json:"step_id"`
	Timestamp   int64           `json:"timestamp"`
	Source      StepSource      `json:"source"`
	Message     string          `json:"message,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	Observation *Observation    `json:"observation,omitempty"`
	Metrics     *StepMetrics    `json:"metrics,omitempty"`
	RawOutput   json.RawMessage `json:"raw_output,omitempty"`
}

// IsAgent reports whether the step was produced by the agent.
func (s Step) IsAgent() bool { return s.Source == StepAgent }

// SchemaVersionPrefix is prepended to exported trajectory schema versions.
const SchemaVersionPrefix = "ATIF-"

// Trajectory is the ordered, append-only per-conversation log of steps.
type Trajectory struct {
	SchemaVersion string       `json:"schema_version"`
	ConversationID string      `json:"conversation_id"`
	SessionID     string       `json:"session_id"`
	AgentConfig   string       `json:"agent_config"`
	Steps         []Step       `json:"steps"`
	FinalMetrics  StepMetrics  `json:"final_metrics"`
}
