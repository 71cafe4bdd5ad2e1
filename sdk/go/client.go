package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event represents a queued event.
type Event struct {
	EventID   string         `json:"event_id"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Priority  string         `json:"priority"`
	Summary   string         `json:"summary,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Partition string         `json:"partition"`
	Processed bool           `json:"processed"`
	CreatedAt string         `json:"created_at"`
}

// Step represents one unit of work inside a plan.
type Step struct {
	Index            int     `json:"index"`
	Kind             string  `json:"kind"`
	Description      string  `json:"description"`
	Status           string  `json:"status"`
	RequiresApproval bool    `json:"requires_approval"`
	AttemptCount     int     `json:"attempt_count"`
	LastError        *string `json:"last_error,omitempty"`
	NextRetryAt      *string `json:"next_retry_at,omitempty"`
	Result           *string `json:"result,omitempty"`
}

// PlanNote is one line of a plan's execution log.
type PlanNote struct {
	TS   string `json:"ts"`
	Note string `json:"note"`
}

// Plan represents a plan for a single event.
type Plan struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Objective   string     `json:"objective"`
	Category    string     `json:"category"`
	Complexity  string     `json:"complexity"`
	RiskLevel   string     `json:"risk_level"`
	Status      string     `json:"status"`
	Steps       []Step     `json:"steps,omitempty"`
	Log         []PlanNote `json:"log,omitempty"`
	CreatedAt   string     `json:"created_at"`
	CompletedAt *string    `json:"completed_at,omitempty"`
}

// Approval represents a pending or resolved approval request.
type Approval struct {
	ActionID    string  `json:"action_id"`
	PlanID      string  `json:"plan_id"`
	StepIndex   int     `json:"step_index"`
	ActionType  string  `json:"action_type"`
	RiskLevel   string  `json:"risk_level"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
}

// Escalation is a step handed off to a human.
type Escalation struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Level      string         `json:"level"`
	Component  string         `json:"component"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target,omitempty"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`
}

// AdvanceResult is the executor's report after driving a plan.
type AdvanceResult struct {
	Outcome   string `json:"outcome"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Detail    string `json:"detail,omitempty"`
}

// CycleResult summarizes one orchestrator pass.
type CycleResult struct {
	Drained        int            `json:"drained"`
	PlansStarted   int            `json:"plans_started"`
	PlansAdvanced  int            `json:"plans_advanced"`
	PlansCompleted int            `json:"plans_completed"`
	PlansFailed    int            `json:"plans_failed"`
	Errors         []string       `json:"errors,omitempty"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
}

// Health reports queue, plan, and approval counts.
type Health struct {
	Events    map[string]int `json:"events"`
	Plans     map[string]int `json:"plans"`
	Approvals map[string]int `json:"approvals"`
	Backlog   int            `json:"backlog"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PushEvent queues an event. Source, kind, and body are required; the server
// generates the event id when left empty.
func (c *Client) PushEvent(ctx context.Context, e Event) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", e, &resp)
	return resp, err
}

// Events lists events, optionally filtered by partition and source.
func (c *Client) Events(ctx context.Context, partition, source string, limit int) ([]Event, error) {
	q := url.Values{}
	if partition != "" {
		q.Set("partition", partition)
	}
	if source != "" {
		q.Set("source", source)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

// Event fetches one event by id.
func (c *Client) Event(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, "v0/events/"+url.PathEscape(eventID), nil, &resp)
	return resp, err
}

// RejectEvent marks an event unprocessable and moves it out of the queue.
func (c *Client) RejectEvent(ctx context.Context, eventID, reason string) (Event, error) {
	var resp Event
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, "v0/events/"+url.PathEscape(eventID)+"/reject", body, &resp)
	return resp, err
}

// Plans lists plans, optionally filtered by status or event.
func (c *Client) Plans(ctx context.Context, status, eventID string, limit int) ([]Plan, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if eventID != "" {
		q.Set("event_id", eventID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Plan
	err := c.do(ctx, http.MethodGet, withQuery("v0/plans", q), nil, &resp)
	return resp, err
}

// Plan fetches a plan with its steps and log.
func (c *Client) Plan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "v0/plans/"+url.PathEscape(planID), nil, &resp)
	return resp, err
}

// AdvancePlan drives a plan until it parks on an approval, a retry delay,
// or a terminal state.
func (c *Client) AdvancePlan(ctx context.Context, planID string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, "v0/plans/"+url.PathEscape(planID)+"/advance", nil, &resp)
	return resp, err
}

// Approvals lists approvals by status (pending by default on the server).
func (c *Client) Approvals(ctx context.Context, status string, limit int) ([]Approval, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, withQuery("v0/approvals", q), nil, &resp)
	return resp, err
}

// Approval fetches one approval, applying timeout expiry if due.
func (c *Client) Approval(ctx context.Context, actionID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "v0/approvals/"+url.PathEscape(actionID), nil, &resp)
	return resp, err
}

// Approve resolves a pending approval as approved.
func (c *Client) Approve(ctx context.Context, actionID, comment string) (Approval, error) {
	return c.resolveApproval(ctx, actionID, "approve", comment)
}

// Reject resolves a pending approval as rejected.
func (c *Client) Reject(ctx context.Context, actionID, comment string) (Approval, error) {
	return c.resolveApproval(ctx, actionID, "reject", comment)
}

func (c *Client) resolveApproval(ctx context.Context, actionID, verb, comment string) (Approval, error) {
	var body any
	if comment != "" {
		body = map[string]any{"comment": comment}
	}
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/%s", url.PathEscape(actionID), verb)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Escalations lists escalations, optionally for a single plan.
func (c *Client) Escalations(ctx context.Context, planID string, limit int) ([]Escalation, error) {
	q := url.Values{}
	if planID != "" {
		q.Set("plan_id", planID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, withQuery("v0/escalations", q), nil, &resp)
	return resp, err
}

// Audit returns recent audit entries, newest first. A non-zero cursor
// returns entries with ids below it.
func (c *Client) Audit(ctx context.Context, component string, limit int, cursor int64) ([]AuditEntry, error) {
	q := url.Values{}
	if component != "" {
		q.Set("component", component)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, withQuery("v0/audit", q), nil, &resp)
	return resp, err
}

// Status returns queue and plan health counters.
func (c *Client) Status(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// RunCycle triggers one orchestrator pass and returns its summary.
func (c *Client) RunCycle(ctx context.Context) (CycleResult, error) {
	var resp CycleResult
	err := c.do(ctx, http.MethodPost, "v0/cycle", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
