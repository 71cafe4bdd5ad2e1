package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/migrate"
)

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rt := app.Build(conn, config.Default(), app.Options{
		Now: func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) },
	})
	handler, err := New(Config{
		Queue:    rt.Queue,
		Gate:     rt.Gate,
		Executor: rt.Executor,
		Loop:     rt.Loop,
		Repo:     rt.Repo,
		BasePath: "/v0",
		Auth:     auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Runtime: rt,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestEventLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_id": "evt-1",
		"source":   "gmail",
		"kind":     "email_received",
		"body":     "hello, nothing special here",
		"metadata": map[string]any{"thread": "t-9"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("push status %d: %s", res.StatusCode, data)
	}
	var pushed EventResponse
	decodeInto(t, data, &pushed)
	if pushed.Partition != "needs-action" || pushed.Metadata["thread"] != "t-9" {
		t.Fatalf("pushed %+v", pushed)
	}

	// duplicate push conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_id": "evt-1", "source": "gmail", "kind": "email_received", "body": "again",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "duplicate_event" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/evt-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing event status %d", res.StatusCode)
	}

	// reject requires a reason
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/evt-1/reject", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reject without reason status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/evt-1/reject", map[string]any{
		"reason": "test fixture",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, data)
	}
	var rejected EventResponse
	decodeInto(t, data, &rejected)
	if rejected.Partition != "done" {
		t.Fatalf("rejected event partition %q", rejected.Partition)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"source": "scheduler", "kind": "cron", "body": "weekly report time",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("push status %d: %s", res.StatusCode, data)
	}

	// one cycle drains the event and parks the plan on its approval
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle status %d: %s", res.StatusCode, data)
	}
	var cycle struct {
		PlansStarted int            `json:"plans_started"`
		Outcomes     map[string]int `json:"outcomes"`
	}
	decodeInto(t, data, &cycle)
	if cycle.PlansStarted != 1 || cycle.Outcomes["approval_requested"] != 1 {
		t.Fatalf("cycle %+v", cycle)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals status %d: %s", res.StatusCode, data)
	}
	var pending []ApprovalResponse
	decodeInto(t, data, &pending)
	if len(pending) != 1 {
		t.Fatalf("pending approvals %+v", pending)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+pending[0].ActionID+"/approve",
		map[string]any{"comment": "looks fine"}, map[string]string{"X-Actor-Id": "alex"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	var approved ApprovalResponse
	decodeInto(t, data, &approved)
	if approved.Status != "approved" || approved.ResolvedBy == nil || *approved.ResolvedBy != "alex" {
		t.Fatalf("approved %+v", approved)
	}

	// a second decision conflicts
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+pending[0].ActionID+"/reject", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-resolve status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second cycle status %d: %s", res.StatusCode, data)
	}
	var second struct {
		PlansCompleted int `json:"plans_completed"`
	}
	decodeInto(t, data, &second)
	if second.PlansCompleted != 1 {
		t.Fatalf("second cycle %+v", second)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans?status=completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list plans status %d: %s", res.StatusCode, data)
	}
	var plans []PlanResponse
	decodeInto(t, data, &plans)
	if len(plans) != 1 {
		t.Fatalf("completed plans %+v", plans)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plans[0].ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get plan status %d: %s", res.StatusCode, data)
	}
	var plan PlanResponse
	decodeInto(t, data, &plan)
	if len(plan.Steps) == 0 || len(plan.Log) == 0 {
		t.Fatalf("plan detail missing steps or log: %+v", plan)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var health struct {
		Backlog int `json:"backlog"`
	}
	decodeInto(t, data, &health)
	if health.Backlog != 0 {
		t.Fatalf("backlog %d", health.Backlog)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?component=approval", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, data)
	}
	var entries []AuditEntryResponse
	decodeInto(t, data, &entries)
	if len(entries) == 0 {
		t.Fatal("expected approval audit entries")
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := srv.Client()

	// health stays open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, data)
	}
}
