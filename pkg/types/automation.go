package types

import "encoding/json"

// TriggerType distinguishes the two ways an automation can fire.
type TriggerType string

const (
	TriggerCron      TriggerType = "cron"
	TriggerFileWatch TriggerType = "file_watch"
	TriggerNone      TriggerType = ""
)

// AutomationStatus is the lifecycle state of an Automation definition.
type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationDisabled AutomationStatus = "disabled"
)

// CronTriggerConfig is the persisted config for a cron-triggered automation.
type CronTriggerConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// FileWatchTriggerConfig is the persisted config for a file-watch automation.
type FileWatchTriggerConfig struct {
	Paths      []string `json:"paths"`
	Pattern    string   `json:"pattern,omitempty"`
	Events     []string `json:"events"`
	DebounceMs int      `json:"debounceMs,omitempty"`
}

// Automation is a user-defined time- or filesystem-triggered background run.
type Automation struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"userId"`
	Name                string           `json:"name"`
	Prompt              string           `json:"prompt"`
	TriggerType         TriggerType      `json:"triggerType"`
	TriggerConfig       json.RawMessage  `json:"triggerConfig,omitempty"`
	Status              AutomationStatus `json:"status"`
	MaxExecutionsPerHour int             `json:"maxExecutionsPerHour,omitempty"`
	MaxExecutionsPerDay  int             `json:"maxExecutionsPerDay,omitempty"`
	ConversationID      string           `json:"conversationId,omitempty"`
	LastExecutedAt      *int64           `json:"lastExecutedAt,omitempty"`
	NextScheduledAt     *int64           `json:"nextScheduledAt,omitempty"`
}

// ExecutionStatus is the lifecycle state of one AutomationExecution.
type ExecutionStatus string

const (
	ExecutionPending             ExecutionStatus = "pending"
	ExecutionRunning             ExecutionStatus = "running"
	ExecutionAwaitingConfirmation ExecutionStatus = "awaiting_confirmation"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionCancelled           ExecutionStatus = "cancelled"
)

// AutomationExecution is one run of an Automation.
type AutomationExecution struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automationId"`
	Status       ExecutionStatus `json:"status"`
	TriggerData  json.RawMessage `json:"triggerData,omitempty"`
	StartedAt    *int64          `json:"startedAt,omitempty"`
	CompletedAt  *int64          `json:"completedAt,omitempty"`
	RetryCount   int             `json:"retryCount"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// PendingConfirmationStatus tracks the durable confirmation lifecycle.
type PendingConfirmationStatus string

const (
	PendingConfirmationPending  PendingConfirmationStatus = "pending"
	PendingConfirmationApproved PendingConfirmationStatus = "approved"
	PendingConfirmationDenied   PendingConfirmationStatus = "denied"
	PendingConfirmationExpired  PendingConfirmationStatus = "expired"
)

// PendingConfirmation is the durable counterpart to the in-memory
// confirmation future, surviving process restarts.
type PendingConfirmation struct {
	ID          string                    `json:"id"`
	ExecutionID string                    `json:"executionId"`
	Request     ConfirmationRequest       `json:"request"`
	Status      PendingConfirmationStatus `json:"status"`
	ExpiresAt   int64                     `json:"expiresAt"`
	RespondedAt *int64                    `json:"respondedAt,omitempty"`
}

// MCPTransportType is the wire protocol used to reach an MCP server.
type MCPTransportType string

const (
	MCPTransportStdio MCPTransportType = "stdio"
	MCPTransportHTTP  MCPTransportType = "http"
)

// MCPConfirmationMode controls how aggressively an MCP server's tools prompt.
type MCPConfirmationMode string

const (
	MCPConfirmAlways     MCPConfirmationMode = "always"
	MCPConfirmUnsafeOnly MCPConfirmationMode = "unsafe_only"
	MCPConfirmNever      MCPConfirmationMode = "never"
)

// MCPServerRecord is the persisted configuration for one MCP server.
type MCPServerRecord struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Enabled          bool                `json:"enabled"`
	TransportType    MCPTransportType    `json:"transportType"`
	Path             string              `json:"path"`
	APIKey           string              `json:"apiKey,omitempty"`
	Env              map[string]string   `json:"env,omitempty"`
	EnabledTools     []string            `json:"enabledTools,omitempty"`
	ConfirmationMode MCPConfirmationMode `json:"confirmationMode"`
	LastConnectedAt  *int64              `json:"lastConnectedAt,omitempty"`
	LastError        string              `json:"lastError,omitempty"`
}
