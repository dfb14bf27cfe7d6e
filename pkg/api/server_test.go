package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/policy"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

type stubReasoner struct{}

func (stubReasoner) Reason(_ context.Context, _ []*models.Signal) (*reasoning.Result, error) {
	return &reasoning.Result{Draft: reasoning.Draft{
		Title:      "Checkout failures",
		Summary:    "Checkout is failing",
		Category:   models.CategoryPlatformBug,
		RootCause:  "Gateway rejects requests",
		Confidence: 0.8,
		Impact:     models.ImpactHigh,
	}, Source: reasoning.SourceFallback}, nil
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, _ models.ActionType, _ map[string]interface{}) (actions.Result, error) {
	return actions.Succeeded(map[string]interface{}{"ok": true}), nil
}

type stubGuard struct{}

func (stubGuard) EvaluateStep(_ context.Context, _ *policy.PolicyInput) (*policy.PolicyResult, error) {
	return &policy.PolicyResult{Allowed: true}, nil
}

type testServer struct {
	URL    string
	store  *stores.SQLiteStore
	engine *engine.Engine
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	e, err := engine.New(engine.Options{
		Store:     store,
		Telemetry: telemetry.NewNop(),
		Reasoner:  stubReasoner{},
		Actions:   stubDispatcher{},
		Guard:     stubGuard{},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	srvCtx, cancel := context.WithCancel(context.Background())
	handler, err := New(srvCtx, Config{
		Engine:       e,
		Store:        store,
		Auth:         auth,
		WebhookRPS:   0.01,
		WebhookBurst: 2,
		Version:      "test",
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = e.Shutdown(shutdownCtx)
		_ = store.Close()
	})

	return &testServer{URL: srv.URL, store: store, engine: e}
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		if raw, ok := body.([]byte); ok {
			reader = bytes.NewReader(raw)
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("failed to marshal body: %v", err)
			}
			reader = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
}

func createPendingWorkflow(t *testing.T, store stores.Store, required int) *models.Workflow {
	t.Helper()

	now := time.Now().UTC()
	issue := &models.Issue{
		ID:               uuid.New().String(),
		SignalIDs:        []string{},
		Category:         models.CategoryPlatformBug,
		Title:            "Checkout failures",
		Summary:          "Checkout failing",
		RootCause:        "Gateway misconfiguration",
		ReasoningChain:   []models.ReasoningStep{},
		Confidence:       0.8,
		AffectedSubjects: []string{"m_1"},
		SubjectCount:     1,
		EstimatedImpact:  models.ImpactMedium,
		Status:           models.IssueStatusDetected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateIssue(context.Background(), issue); err != nil {
		t.Fatalf("failed to create issue: %v", err)
	}

	wf := &models.Workflow{
		ID:                    uuid.New().String(),
		IssueID:               issue.ID,
		Name:                  "Remediation: " + issue.Title,
		OverallRisk:           models.RiskMedium,
		RequiresApproval:      true,
		ApprovalCountRequired: required,
		Approvals:             []models.Approval{},
		Rejections:            []models.Rejection{},
		Status:                models.WorkflowStatusPendingApproval,
		CreatedAt:             now,
		UpdatedAt:             now,
		Steps: []models.WorkflowStep{{
			ID:         1,
			Name:       "Notify team",
			ActionType: models.ActionSendNotification,
			Parameters: map[string]interface{}{"channel": "support"},
			RiskLevel:  models.RiskLow,
			Status:     models.StepStatusPending,
			DependsOn:  []int{},
		}},
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return wf
}

// TestHealth tests the health endpoint
func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var body healthBody
	decode(t, data, &body)
	if body.Status != "healthy" || body.Database != "ok" || body.AgentRunning {
		t.Errorf("unexpected health: %+v", body)
	}
}

// TestSignals tests signal creation, listing and filter validation
func TestSignals(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/signals", map[string]interface{}{
		"type":       "checkout_event",
		"source":     "test",
		"subject_id": "m_1",
		"title":      "Checkout failed",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, data)
	}
	var created models.Signal
	decode(t, data, &created)
	if created.ID == "" || created.Severity != models.SeverityMedium || created.Processed {
		t.Errorf("unexpected signal: %+v", created)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/api/signals?processed=false", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var signals []models.Signal
	decode(t, data, &signals)
	if len(signals) != 1 || signals[0].ID != created.ID {
		t.Errorf("expected the created signal, got %+v", signals)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/api/signals?type=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, data)
	}
	var envelope apiError
	decode(t, data, &envelope)
	if envelope.Body.Code != "bad_request" {
		t.Errorf("expected bad_request envelope, got %s", data)
	}
}

// TestTrigger tests synthetic signal generation
func TestTrigger(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/trigger/checkout-failure?merchant_id=m_9&error_type=timeout", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, data)
	}
	var body ingestedBody
	decode(t, data, &body)
	if body.Signal == nil || body.Signal.SubjectID != "m_9" || body.Signal.Severity != models.SeverityCritical {
		t.Errorf("unexpected triggered signal: %s", data)
	}

	stored, err := ts.store.GetSignal(context.Background(), body.SignalID)
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if stored.Type != models.SignalTypeCheckoutEvent {
		t.Errorf("expected checkout_event, got %s", stored.Type)
	}
}

// TestWebhooks tests webhook normalization and rate limiting
func TestWebhooks(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/webhooks/stripe",
		[]byte(`{"id":"evt_1","type":"charge.failed","data":{"object":{"metadata":{"merchant_id":"m_3"}}}}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var body ingestedBody
	decode(t, data, &body)
	signal, err := ts.store.GetSignal(context.Background(), body.SignalID)
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if signal.SubjectID != "m_3" || signal.Severity != models.SeverityHigh {
		t.Errorf("unexpected stripe signal: %+v", signal)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/webhooks/generic", []byte(`{broken`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid generic payload, got %d: %s", resp.StatusCode, data)
	}

	// burst of 2 is spent and the limiter barely refills
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/webhooks/zendesk", []byte(`{}`), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the burst is spent, got %d", resp.StatusCode)
	}
}

// TestApproveExecutes tests that the final approval queues execution
func TestApproveExecutes(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	wf := createPendingWorkflow(t, ts.store, 1)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/workflows/"+wf.ID+"/approve",
		map[string]string{"approver": "alice", "comment": "looks good"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var body approvalBody
	decode(t, data, &body)
	if !body.Approved || body.Approvals != 1 || !body.ExecutionSubmitted {
		t.Errorf("unexpected approval state: %s", data)
	}

	ts.engine.Pool.Wait()

	stored, err := ts.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if stored.Status != models.WorkflowStatusCompleted {
		t.Errorf("expected completed, got %s", stored.Status)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/workflows/"+wf.ID+"/approve",
		map[string]string{"approver": "bob"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 approving a completed workflow, got %d: %s", resp.StatusCode, data)
	}
}

// TestWorkflowNotFound tests the not found envelope
func TestWorkflowNotFound(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/workflows/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, data)
	}
	var envelope apiError
	decode(t, data, &envelope)
	if envelope.Body.Code != "not_found" {
		t.Errorf("expected not_found code, got %s", data)
	}
}

// TestRejectAndResubmit tests rejecting to draft and resubmitting
func TestRejectAndResubmit(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	wf := createPendingWorkflow(t, ts.store, 2)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/workflows/"+wf.ID+"/reject",
		map[string]string{"rejector": "carol", "reason": "too risky"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var state approvalBody
	decode(t, data, &state)
	if state.Status != models.WorkflowStatusDraft {
		t.Errorf("expected draft, got %s", state.Status)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/workflows/"+wf.ID+"/submit", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	decode(t, data, &state)
	if state.Status != models.WorkflowStatusPendingApproval || state.Approvals != 0 {
		t.Errorf("unexpected resubmitted state: %s", data)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// TestApproveRequiresToken tests bearer authentication on approvals
func TestApproveRequiresToken(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})
	wf := createPendingWorkflow(t, ts.store, 2)
	url := ts.URL + "/api/workflows/" + wf.ID + "/approve"

	resp, data := doJSON(t, http.MethodPost, url, map[string]string{"approver": "mallory"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", resp.StatusCode, data)
	}

	resp, _ = doJSON(t, http.MethodPost, url, nil, map[string]string{"Authorization": "Bearer " + signToken(t, "wrong", "alice")})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a foreign token, got %d", resp.StatusCode)
	}

	resp, data = doJSON(t, http.MethodPost, url, map[string]string{"approver": "mallory"},
		map[string]string{"Authorization": "Bearer " + signToken(t, secret, "alice")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", resp.StatusCode, data)
	}

	stored, err := ts.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if len(stored.Approvals) != 1 || stored.Approvals[0].User != "alice" {
		t.Errorf("expected approval recorded for token subject, got %+v", stored.Approvals)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/workflows/pending", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected reads to stay open, got %d", resp.StatusCode)
	}
}

// TestAgentLifecycle tests starting and stopping the control loop
func TestAgentLifecycle(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/agent/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var body agentActionBody
	decode(t, data, &body)
	if body.Status != "started" || !body.Agent.Running {
		t.Errorf("unexpected start response: %s", data)
	}

	_, data = doJSON(t, http.MethodPost, ts.URL+"/api/agent/start", nil, nil)
	decode(t, data, &body)
	if body.Status != "already_running" {
		t.Errorf("expected already_running, got %s", body.Status)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/agent/stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	decode(t, data, &body)
	if body.Agent.Running {
		t.Errorf("expected stopped agent, got %+v", body.Agent)
	}
}

// TestDashboardAndPurge tests aggregate stats and clearing the database
func TestDashboardAndPurge(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	createPendingWorkflow(t, ts.store, 1)
	doJSON(t, http.MethodPost, ts.URL+"/api/trigger/support-ticket", nil, nil)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/dashboard/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var stats dashboardStats
	decode(t, data, &stats)
	if stats.TotalSignals != 1 || stats.UnprocessedSignals != 1 || stats.TotalIssues != 1 {
		t.Errorf("unexpected stats: %s", data)
	}
	if stats.Workflows == nil || stats.Workflows.PendingApproval != 1 {
		t.Errorf("expected one pending workflow, got %s", data)
	}

	resp, data = doJSON(t, http.MethodDelete, ts.URL+"/api/clear-database", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var purged purgeBody
	decode(t, data, &purged)
	if purged.Deleted == nil || purged.Deleted.Signals != 1 || purged.Deleted.Workflows != 1 {
		t.Errorf("unexpected purge result: %s", data)
	}
}
