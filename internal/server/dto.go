package server

import (
	"encoding/json"

	"steward/internal/domain"
)

// Request payloads

type PushEventRequest struct {
	EventID   string         `json:"event_id,omitempty"`
	Source    string         `json:"source" enum:"gmail,whatsapp,linkedin,filesystem,calendar,slack,scheduler"`
	Kind      string         `json:"kind"`
	Priority  string         `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Summary   string         `json:"summary,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at,omitempty" format:"date-time"`
}

type RejectEventRequest struct {
	Reason string `json:"reason"`
}

type ResolveApprovalRequest struct {
	Comment string `json:"comment,omitempty"`
}

// Responses

type EventResponse struct {
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

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		EventID:   e.EventID,
		Source:    e.Source,
		Kind:      e.Kind,
		Priority:  e.Priority,
		Summary:   e.Summary,
		Body:      e.Body,
		Partition: e.Partition,
		Processed: e.Processed,
		CreatedAt: e.CreatedAt,
	}
	if e.MetadataJSON != nil && *e.MetadataJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(*e.MetadataJSON), &m); err == nil {
			resp.Metadata = m
		}
	}
	return resp
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

type StepResponse struct {
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

type PlanNoteResponse struct {
	TS   string `json:"ts"`
	Note string `json:"note"`
}

type PlanResponse struct {
	ID          string             `json:"id"`
	EventID     string             `json:"event_id"`
	Objective   string             `json:"objective"`
	Category    string             `json:"category"`
	Complexity  string             `json:"complexity"`
	RiskLevel   string             `json:"risk_level"`
	Status      string             `json:"status"`
	Steps       []StepResponse     `json:"steps,omitempty"`
	Log         []PlanNoteResponse `json:"log,omitempty"`
	CreatedAt   string             `json:"created_at"`
	CompletedAt *string            `json:"completed_at,omitempty"`
}

func planResponse(p domain.Plan) PlanResponse {
	resp := PlanResponse{
		ID:          p.ID,
		EventID:     p.EventID,
		Objective:   p.Objective,
		Category:    p.Category,
		Complexity:  p.Complexity,
		RiskLevel:   p.RiskLevel,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
	}
	for _, s := range p.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Index:            s.Index,
			Kind:             s.Kind,
			Description:      s.Description,
			Status:           s.Status,
			RequiresApproval: s.RequiresApproval,
			AttemptCount:     s.AttemptCount,
			LastError:        s.LastError,
			NextRetryAt:      s.NextRetryAt,
			Result:           s.Result,
		})
	}
	for _, n := range p.Log {
		resp.Log = append(resp.Log, PlanNoteResponse{TS: n.TS, Note: n.Note})
	}
	return resp
}

func mapPlans(items []domain.Plan) []PlanResponse {
	res := make([]PlanResponse, 0, len(items))
	for _, p := range items {
		res = append(res, planResponse(p))
	}
	return res
}

type ApprovalResponse struct {
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

func approvalResponse(a domain.ApprovalRequest) ApprovalResponse {
	return ApprovalResponse(a)
}

func mapApprovals(items []domain.ApprovalRequest) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

type EscalationResponse struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func mapEscalations(items []domain.Escalation) []EscalationResponse {
	res := make([]EscalationResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EscalationResponse(e))
	}
	return res
}

type AuditEntryResponse struct {
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

func auditEntryResponse(a domain.AuditEntry) AuditEntryResponse {
	resp := AuditEntryResponse{
		ID:         a.ID,
		TS:         a.TS,
		Level:      a.Level,
		Component:  a.Component,
		Action:     a.Action,
		Actor:      a.Actor,
		Target:     a.Target,
		Status:     a.Status,
		DurationMS: a.DurationMS,
	}
	if a.DetailsJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(a.DetailsJSON), &m); err == nil {
			resp.Details = m
		}
	}
	return resp
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, a := range items {
		res = append(res, auditEntryResponse(a))
	}
	return res
}
