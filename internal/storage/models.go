package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TradeAlert lifecycle states.
const (
	AlertStatusOpen   = "open"
	AlertStatusClosed = "closed"
)

// Notification queue states.
const (
	QueueStatusPending     = "pending"
	QueueStatusSending     = "sending"
	QueueStatusSent        = "sent"
	QueueStatusRateLimited = "rate_limited"
	QueueStatusFailed      = "failed"
)

// Dead letter states.
const (
	DeadLetterStatusPending  = "pending"
	DeadLetterStatusRetrying = "retrying"
	DeadLetterStatusResolved = "resolved"
	DeadLetterStatusFailed   = "failed"
)

// Dead letter stages.
const (
	DeadLetterStageEvaluation = "evaluation"
	DeadLetterStageDispatch   = "dispatch"
)

// TradeAlert is one tracked position keyed by its deterministic alert id.
type TradeAlert struct {
	AlertID    string
	SourceID   string
	Ticker     string
	Strategy   string
	Action     string
	EntryPrice decimal.Decimal
	Strike     *decimal.Decimal
	Expiration *time.Time
	Quantity   decimal.Decimal
	PostedAt   time.Time
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProviderScore records one provider's contribution to a consensus verdict.
// Score is nil when the provider failed or its circuit was open.
type ProviderScore struct {
	Provider  string   `json:"provider"`
	Weight    float64  `json:"weight"`
	Score     *float64 `json:"score"`
	LatencyMS int64    `json:"latency_ms"`
	Error     string   `json:"error,omitempty"`
}

// Evaluation is one immutable consensus verdict for an alert.
type Evaluation struct {
	ID             int64
	AlertID        string
	ConsensusScore float64
	ScoreStdDev    float64
	ProvidersUsed  int
	Recommendation string
	Reasoning      string
	KeyRisk        string
	ProviderScores []ProviderScore
	Duration       time.Duration
	EvaluatedAt    time.Time
	CreatedAt      time.Time
}

// NotificationQueueEntry is one candidate outbound message.
type NotificationQueueEntry struct {
	ID           int64
	EvaluationID int64
	AlertID      string
	Priority     float64
	Status       string
	RetryCount   int
	NextRetryAt  *time.Time
	LastError    *string
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RateLimitWindow is one time-bounded notification counter.
type RateLimitWindow struct {
	ID                int64
	WindowStart       time.Time
	WindowEnd         time.Time
	NotificationsSent int
	MaxNotifications  int
	IsActive          bool
	CreatedAt         time.Time
}

// DeadLetterEntry preserves a failed unit of work for retry or manual triage.
type DeadLetterEntry struct {
	ID           int64
	Stage        string
	AlertID      *string
	EvaluationID *int64
	ErrorClass   string
	LastError    string
	Payload      json.RawMessage
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time
	Status       string
	ResolvedAt   *time.Time
	ResolvedBy   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DiffPlan is the set of state changes one reconciliation batch applies.
// Dropped lists planned inserts the store refused because a row with the same
// alert id already exists; Insert holds only the rows actually written.
type DiffPlan struct {
	Insert  []TradeAlert
	Update  []TradeAlert
	Close   []string
	Dropped []DroppedInsert
}

// DroppedInsert identifies a refused insert and the status of the conflicting
// row at the time of the conflict.
type DroppedInsert struct {
	AlertID string
	Status  string
}
