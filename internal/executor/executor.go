package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/approval"
	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/repo"
	"steward/internal/retry"
	"steward/internal/risk"
)

// Outcome names what a single Advance call did. Every Advance performs at
// most one side effect, so the outcome is also a record of that effect.
type Outcome string

const (
	OutcomeNoop              Outcome = "noop"
	OutcomeApprovalRequested Outcome = "approval_requested"
	OutcomeWaitingApproval   Outcome = "waiting_approval"
	OutcomeWaitingRetry      Outcome = "waiting_retry"
	OutcomeStepCompleted     Outcome = "step_completed"
	OutcomeRetryScheduled    Outcome = "retry_scheduled"
	OutcomePlanCompleted     Outcome = "plan_completed"
	OutcomePlanFailed        Outcome = "plan_failed"
)

// Result reports what Advance did and to which step.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	PlanID    string  `json:"plan_id"`
	StepIndex int     `json:"step_index"`
	Detail    string  `json:"detail,omitempty"`
}

// Executor turns events into plans and drives plans forward one step effect
// at a time. It never blocks waiting for approvals or retry windows; callers
// re-invoke Advance until the plan reaches a terminal status.
type Executor struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Gate       approval.Gate
	Registry   *Registry
	Retry      retry.Controller
	Classifier risk.Classifier
	DryRun     bool
	Now        func() time.Time
}

func New(db *sql.DB, gate approval.Gate, reg *Registry, ctrl retry.Controller, cls risk.Classifier) Executor {
	return Executor{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Writer{DB: db},
		Gate:       gate,
		Registry:   reg,
		Retry:      ctrl,
		Classifier: cls,
		Now:        time.Now,
	}
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// outwardKinds carry the event content into risk classification, since what
// they do is shaped by what the event asks for.
var outwardKinds = map[string]bool{
	KindSend:     true,
	KindPublish:  true,
	KindSchedule: true,
}

// Start analyzes an event and persists a plan for it. Idempotent per event:
// if an active plan already exists it is returned as-is, so a crash between
// planning and acking never produces two plans.
func (x Executor) Start(ctx context.Context, e domain.Event) (domain.Plan, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	if existing, err := x.Repo.ActivePlanForEvent(ctx, tx, e.EventID); err == nil {
		steps, err := x.Repo.ListStepsTx(ctx, tx, existing.ID)
		if err != nil {
			return domain.Plan{}, err
		}
		existing.Steps = steps
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Plan{}, err
	}

	analysis := Analyze(e)
	templates := Synthesize(analysis)
	now := x.now().UTC().Format(time.RFC3339)

	p := domain.Plan{
		ID:         uuid.NewString(),
		EventID:    e.EventID,
		Objective:  analysis.Objective,
		Category:   analysis.Category,
		Complexity: analysis.Complexity,
		RiskLevel:  domain.RiskLow,
		Status:     domain.StatusPending,
		CreatedAt:  now,
	}
	for i, t := range templates {
		desc := t.Description
		if outwardKinds[t.Kind] {
			desc = desc + ": " + e.Summary + " " + e.Body
		}
		assessment := x.Classifier.Classify(risk.Action{
			Type:        t.Kind,
			Description: desc,
			Metadata:    decodeMetadata(e.MetadataJSON),
		})
		p.RiskLevel = risk.Max(p.RiskLevel, assessment.Level)
		p.Steps = append(p.Steps, domain.Step{
			PlanID:           p.ID,
			Index:            i,
			Kind:             t.Kind,
			Description:      t.Description,
			Status:           domain.StatusPending,
			RequiresApproval: assessment.Level != domain.RiskLow,
		})
	}

	if err := x.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	for _, s := range p.Steps {
		if err := x.Repo.InsertStep(ctx, tx, s); err != nil {
			return domain.Plan{}, err
		}
	}
	if err := x.Repo.AppendPlanNote(ctx, tx, domain.PlanNote{
		PlanID: p.ID, TS: now,
		Note: fmt.Sprintf("plan created: category=%s complexity=%s risk=%s steps=%d", p.Category, p.Complexity, p.RiskLevel, len(p.Steps)),
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := x.Audit.Append(ctx, tx, "executor", "plan.create", audit.Entry{
		Target: p.ID,
		Details: audit.Details{
			"event_id": e.EventID, "category": p.Category,
			"complexity": p.Complexity, "risk_level": p.RiskLevel, "steps": len(p.Steps),
		},
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// Advance moves a plan forward by at most one effect: request an approval,
// run one handler, schedule one retry, or finalize the plan. Terminal plans
// are a no-op.
func (x Executor) Advance(ctx context.Context, planID string) (Result, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	plan, err := x.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return Result{}, err
	}
	if plan.Terminal() {
		return Result{Outcome: OutcomeNoop, PlanID: planID, StepIndex: -1, Detail: "plan is " + plan.Status}, nil
	}
	steps, err := x.Repo.ListStepsTx(ctx, tx, planID)
	if err != nil {
		return Result{}, err
	}

	current := -1
	for _, s := range steps {
		if s.Status != domain.StatusCompleted {
			current = s.Index
			break
		}
	}
	if current == -1 {
		return x.finalize(ctx, tx, plan)
	}
	step := steps[current]

	event, err := x.Repo.GetEventTx(ctx, tx, plan.EventID)
	if err != nil {
		return Result{}, err
	}
	// read-only so far; approval and handler effects manage their own txs
	tx.Rollback()

	if step.RequiresApproval {
		res, proceed, err := x.checkGate(ctx, plan, step)
		if err != nil || !proceed {
			return res, err
		}
	}

	if step.NextRetryAt != nil {
		due, err := time.Parse(time.RFC3339, *step.NextRetryAt)
		if err != nil {
			return Result{}, fmt.Errorf("parse next_retry_at: %w", err)
		}
		if x.now().UTC().Before(due) {
			return Result{Outcome: OutcomeWaitingRetry, PlanID: planID, StepIndex: step.Index, Detail: "retry due " + *step.NextRetryAt}, nil
		}
	}

	return x.execute(ctx, plan, event, step)
}

// checkGate resolves the approval state of a gated step. proceed is true
// only when the step is approved and the handler may run.
func (x Executor) checkGate(ctx context.Context, plan domain.Plan, step domain.Step) (Result, bool, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, false, err
	}
	a, err := x.Repo.ApprovalForStep(ctx, tx, plan.ID, step.Index)
	tx.Rollback()
	if errors.Is(err, repo.ErrNotFound) {
		req, err := x.Gate.Request(ctx, plan.ID, step.Index, step.Kind, plan.RiskLevel, step.Description)
		if err != nil {
			return Result{}, false, err
		}
		return Result{Outcome: OutcomeApprovalRequested, PlanID: plan.ID, StepIndex: step.Index, Detail: "approval " + req.ActionID}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}

	a, err = x.Gate.Poll(ctx, a.ActionID)
	if err != nil {
		return Result{}, false, err
	}
	switch a.Status {
	case domain.ApprovalPending:
		return Result{Outcome: OutcomeWaitingApproval, PlanID: plan.ID, StepIndex: step.Index, Detail: "approval " + a.ActionID}, false, nil
	case domain.ApprovalApproved:
		return Result{}, true, nil
	default:
		res, err := x.failPlan(ctx, plan, step, fmt.Sprintf("approval %s: %s", a.ActionID, a.Status))
		return res, false, err
	}
}

// execute runs the step handler and records exactly one outcome.
func (x Executor) execute(ctx context.Context, plan domain.Plan, event domain.Event, step domain.Step) (Result, error) {
	started := x.now()
	var result string
	var runErr error
	if x.DryRun {
		result = fmt.Sprintf("dry-run: %s skipped", step.Kind)
	} else {
		var h Handler
		h, runErr = x.Registry.Resolve(step.Kind)
		if runErr == nil {
			result, runErr = h(ctx, event, step)
		}
	}
	elapsed := x.now().Sub(started).Milliseconds()

	if runErr != nil {
		return x.recordFailure(ctx, plan, step, runErr, elapsed)
	}
	return x.recordSuccess(ctx, plan, step, result, started, elapsed)
}

func (x Executor) recordSuccess(ctx context.Context, plan domain.Plan, step domain.Step, result string, started time.Time, elapsed int64) (Result, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	startedAt := started.UTC().Format(time.RFC3339)
	step.Status = domain.StatusCompleted
	step.AttemptCount++
	step.LastError = nil
	step.NextRetryAt = nil
	if step.StartedAt == nil {
		step.StartedAt = &startedAt
	}
	step.CompletedAt = &now
	step.Result = &result
	if err := x.Repo.UpdateStep(ctx, tx, step); err != nil {
		return Result{}, err
	}
	if plan.Status == domain.StatusPending {
		if err := x.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.StatusInProgress, nil); err != nil {
			return Result{}, err
		}
	}
	if err := x.Repo.AppendPlanNote(ctx, tx, domain.PlanNote{
		PlanID: plan.ID, TS: now,
		Note: fmt.Sprintf("step %d (%s) completed: %s", step.Index, step.Kind, result),
	}); err != nil {
		return Result{}, err
	}
	if err := x.Audit.Append(ctx, tx, "executor", "step.complete", audit.Entry{
		Target:     plan.ID,
		Details:    audit.Details{"step_index": step.Index, "kind": step.Kind, "result": result},
		DurationMS: &elapsed,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeStepCompleted, PlanID: plan.ID, StepIndex: step.Index, Detail: result}, nil
}

func (x Executor) recordFailure(ctx context.Context, plan domain.Plan, step domain.Step, runErr error, elapsed int64) (Result, error) {
	attempts := step.AttemptCount + 1
	step.AttemptCount = attempts
	decision := x.Retry.Decide(runErr, attempts, x.now().UTC())
	if !decision.Retry {
		return x.failPlan(ctx, plan, step, fmt.Sprintf("%s after %d attempts: %v", decision.Reason, attempts, runErr))
	}

	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	next := decision.NextAttempt.Format(time.RFC3339)
	msg := runErr.Error()
	step.Status = domain.StatusPending
	step.LastError = &msg
	step.NextRetryAt = &next
	if err := x.Repo.UpdateStep(ctx, tx, step); err != nil {
		return Result{}, err
	}
	if plan.Status == domain.StatusPending {
		if err := x.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.StatusInProgress, nil); err != nil {
			return Result{}, err
		}
	}
	if err := x.Repo.AppendPlanNote(ctx, tx, domain.PlanNote{
		PlanID: plan.ID, TS: now,
		Note: fmt.Sprintf("step %d (%s) attempt %d failed, retry at %s: %s", step.Index, step.Kind, attempts, next, msg),
	}); err != nil {
		return Result{}, err
	}
	if err := x.Audit.Append(ctx, tx, "executor", "step.retry", audit.Entry{
		Level:      "warning",
		Target:     plan.ID,
		Status:     "retry_scheduled",
		Details:    audit.Details{"step_index": step.Index, "kind": step.Kind, "attempt": attempts, "next_retry_at": next, "error": msg},
		DurationMS: &elapsed,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeRetryScheduled, PlanID: plan.ID, StepIndex: step.Index, Detail: "retry at " + next}, nil
}

// failPlan marks the step and plan failed and raises exactly one escalation
// for the step, even across repeated calls.
func (x Executor) failPlan(ctx context.Context, plan domain.Plan, step domain.Step, reason string) (Result, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	msg := reason
	step.Status = domain.StatusFailed
	step.LastError = &msg
	step.NextRetryAt = nil
	step.CompletedAt = &now
	if err := x.Repo.UpdateStep(ctx, tx, step); err != nil {
		return Result{}, err
	}
	if err := x.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.StatusFailed, &now); err != nil {
		return Result{}, err
	}
	inserted, err := x.Repo.InsertEscalation(ctx, tx, domain.Escalation{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		StepIndex: step.Index,
		Reason:    reason,
		CreatedAt: now,
	})
	if err != nil {
		return Result{}, err
	}
	if err := x.Repo.AppendPlanNote(ctx, tx, domain.PlanNote{
		PlanID: plan.ID, TS: now,
		Note: fmt.Sprintf("step %d (%s) failed, plan escalated: %s", step.Index, step.Kind, reason),
	}); err != nil {
		return Result{}, err
	}
	if err := x.Audit.Append(ctx, tx, "executor", "plan.fail", audit.Entry{
		Level:   "error",
		Target:  plan.ID,
		Status:  domain.StatusFailed,
		Details: audit.Details{"step_index": step.Index, "reason": reason, "escalated": inserted},
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomePlanFailed, PlanID: plan.ID, StepIndex: step.Index, Detail: reason}, nil
}

// finalize completes a plan whose steps are all done, marks its event
// processed and moves the event to done if nothing did so earlier.
func (x Executor) finalize(ctx context.Context, tx *sql.Tx, plan domain.Plan) (Result, error) {
	now := x.now().UTC().Format(time.RFC3339)
	if err := x.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.StatusCompleted, &now); err != nil {
		return Result{}, err
	}
	if err := x.Repo.MarkEventProcessed(ctx, tx, plan.EventID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}
	err := x.Repo.MoveEvent(ctx, tx, plan.EventID, domain.PartitionNeedsAction, domain.PartitionDone)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}
	if err := x.Repo.AppendPlanNote(ctx, tx, domain.PlanNote{
		PlanID: plan.ID, TS: now, Note: "plan completed",
	}); err != nil {
		return Result{}, err
	}
	if err := x.Audit.Append(ctx, tx, "executor", "plan.complete", audit.Entry{
		Target:  plan.ID,
		Details: audit.Details{"event_id": plan.EventID},
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomePlanCompleted, PlanID: plan.ID, StepIndex: -1}, nil
}

// Run drives a plan until it parks or reaches a terminal status. Parked
// means waiting on an approval or a retry window; the caller comes back on
// the next cycle.
func (x Executor) Run(ctx context.Context, planID string) (Result, error) {
	for {
		res, err := x.Advance(ctx, planID)
		if err != nil {
			return res, err
		}
		switch res.Outcome {
		case OutcomeStepCompleted:
			continue
		default:
			return res, nil
		}
	}
}

func decodeMetadata(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil
	}
	return m
}
