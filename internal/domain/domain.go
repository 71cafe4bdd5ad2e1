package domain

// Partition names for the durable store. Events live in needs-action until
// acked into done; approvals move pending -> approved/rejected/timed_out.
const (
	PartitionNeedsAction = "needs-action"
	PartitionDone        = "done"
)

// Plan and step statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalTimedOut = "timed_out"
)

// Risk levels, ordered from least to most restrictive.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

type Event struct {
	EventID      string  `json:"event_id"`
	Source       string  `json:"source" enum:"gmail,whatsapp,linkedin,filesystem,calendar,slack,scheduler"`
	Kind         string  `json:"kind"`
	Priority     string  `json:"priority" enum:"low,medium,high,urgent"`
	Summary      string  `json:"summary,omitempty"`
	Body         string  `json:"body"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	Partition    string  `json:"partition" enum:"needs-action,done"`
	Processed    bool    `json:"processed"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Plan struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Objective   string     `json:"objective"`
	Category    string     `json:"category"`
	Complexity  string     `json:"complexity" enum:"simple,routine,complex,critical"`
	RiskLevel   string     `json:"risk_level" enum:"low,medium,high"`
	Status      string     `json:"status" enum:"pending,in_progress,completed,failed"`
	Steps       []Step     `json:"steps,omitempty"`
	Log         []PlanNote `json:"log,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the plan can no longer change.
func (p Plan) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

type Step struct {
	PlanID           string  `json:"plan_id"`
	Index            int     `json:"index"`
	Kind             string  `json:"kind"`
	Description      string  `json:"description"`
	Status           string  `json:"status" enum:"pending,in_progress,completed,failed"`
	RequiresApproval bool    `json:"requires_approval"`
	AttemptCount     int     `json:"attempt_count"`
	LastError        *string `json:"last_error,omitempty"`
	NextRetryAt      *string `json:"next_retry_at,omitempty" format:"date-time"`
	StartedAt        *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	Result           *string `json:"result,omitempty"`
}

// PlanNote is one append-only entry in a plan's chronological log.
type PlanNote struct {
	PlanID string `json:"plan_id"`
	TS     string `json:"ts" format:"date-time"`
	Note   string `json:"note"`
}

type ApprovalRequest struct {
	ActionID    string  `json:"action_id"`
	PlanID      string  `json:"plan_id"`
	StepIndex   int     `json:"step_index"`
	ActionType  string  `json:"action_type"`
	RiskLevel   string  `json:"risk_level" enum:"low,medium,high"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"pending,approved,rejected,timed_out"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
}

type Escalation struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AuditEntry is one append-only row in the action journal.
type AuditEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Level       string `json:"level" enum:"info,warning,error"`
	Component   string `json:"component"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	Target      string `json:"target,omitempty"`
	Status      string `json:"status"`
	DetailsJSON string `json:"details_json"`
	DurationMS  *int64 `json:"duration_ms,omitempty"`
}
