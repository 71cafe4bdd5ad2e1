package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/executor"
	"steward/internal/queue"
	"steward/internal/repo"
)

// Loop is the cooperative scheduler: one goroutine, one cycle at a time.
// Each cycle drains new events into plans, then advances every active plan
// until it parks. Failures are contained per item so one bad event cannot
// stall the rest of the cycle.
type Loop struct {
	Queue      queue.Queue
	Executor   executor.Executor
	Repo       repo.Repo
	Audit      audit.Writer
	Log        *slog.Logger
	DrainLimit int
	Interval   time.Duration
	Now        func() time.Time
}

// CycleResult summarizes one pass of the loop.
type CycleResult struct {
	Drained        int            `json:"drained"`
	PlansStarted   int            `json:"plans_started"`
	PlansAdvanced  int            `json:"plans_advanced"`
	PlansCompleted int            `json:"plans_completed"`
	PlansFailed    int            `json:"plans_failed"`
	Errors         []string       `json:"errors,omitempty"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
}

func (l Loop) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l Loop) drainLimit() int {
	if l.DrainLimit > 0 {
		return l.DrainLimit
	}
	return 10
}

// RunCycle performs one full pass: intake then advancement. It only returns
// an error when the store itself is unreachable; per-item failures are
// collected in the result.
func (l Loop) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Outcomes: map[string]int{}}
	log := l.logger()

	events, err := l.Queue.Drain(ctx, l.drainLimit())
	if err != nil {
		return res, err
	}
	res.Drained = len(events)
	for _, e := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		plan, err := l.Executor.Start(ctx, e)
		if err != nil {
			res.Errors = append(res.Errors, "start "+e.EventID+": "+err.Error())
			log.Error("plan start failed", "event_id", e.EventID, "error", err)
			continue
		}
		res.PlansStarted++
		// ack as soon as the plan is durable; completion tolerates the
		// event already being gone
		if err := l.Queue.Ack(ctx, e.EventID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			res.Errors = append(res.Errors, "ack "+e.EventID+": "+err.Error())
			log.Error("event ack failed", "event_id", e.EventID, "error", err)
		}
		log.Info("plan started", "event_id", e.EventID, "plan_id", plan.ID, "category", plan.Category, "risk_level", plan.RiskLevel)
	}

	active, err := l.Repo.ActivePlans(ctx, 0)
	if err != nil {
		return res, err
	}
	for _, p := range active {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		out, err := l.Executor.Run(ctx, p.ID)
		if err != nil {
			res.Errors = append(res.Errors, "advance "+p.ID+": "+err.Error())
			log.Error("plan advance failed", "plan_id", p.ID, "error", err)
			continue
		}
		res.PlansAdvanced++
		res.Outcomes[string(out.Outcome)]++
		switch out.Outcome {
		case executor.OutcomePlanCompleted:
			res.PlansCompleted++
			log.Info("plan completed", "plan_id", p.ID)
		case executor.OutcomePlanFailed:
			res.PlansFailed++
			log.Warn("plan failed", "plan_id", p.ID, "detail", out.Detail)
		default:
			log.Info("plan parked", "plan_id", p.ID, "outcome", out.Outcome, "detail", out.Detail)
		}
	}

	status := "success"
	if len(res.Errors) > 0 {
		status = "partial"
	}
	if err := l.Audit.Log(ctx, "orchestrator", "cycle.complete", audit.Entry{
		Status: status,
		Details: audit.Details{
			"drained": res.Drained, "started": res.PlansStarted,
			"advanced": res.PlansAdvanced, "completed": res.PlansCompleted,
			"failed": res.PlansFailed, "errors": len(res.Errors),
		},
	}); err != nil {
		log.Error("cycle audit failed", "error", err)
	}
	return res, nil
}

// Run executes cycles at the configured interval until the context is
// canceled. A first cycle runs immediately.
func (l Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := l.logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health summarizes queue, plan and approval counts for status reporting.
type Health struct {
	Events    map[string]int `json:"events"`
	Plans     map[string]int `json:"plans"`
	Approvals map[string]int `json:"approvals"`
	Backlog   int            `json:"backlog"`
}

// Status reports current store counts.
func (l Loop) Status(ctx context.Context) (Health, error) {
	var h Health
	var err error
	if h.Events, err = l.Repo.CountEventsByPartition(ctx); err != nil {
		return h, err
	}
	if h.Plans, err = l.Repo.CountPlansByStatus(ctx); err != nil {
		return h, err
	}
	if h.Approvals, err = l.Repo.CountApprovalsByStatus(ctx); err != nil {
		return h, err
	}
	h.Backlog = h.Events[domain.PartitionNeedsAction]
	return h, nil
}
