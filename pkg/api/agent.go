package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/stores"
)

// statsWindow is the lookback of signal statistics.
const statsWindow = 24 * time.Hour

type healthBody struct {
	Status       string `json:"status" example:"healthy"`
	Database     string `json:"database" example:"ok"`
	AgentRunning bool   `json:"agent_running"`
	Version      string `json:"version"`
}

type healthOutput struct {
	Body healthBody
}

type agentStatusOutput struct {
	Body engine.LoopState
}

type agentActionBody struct {
	Status string           `json:"status" example:"started"`
	Agent  engine.LoopState `json:"agent"`
}

type agentActionOutput struct {
	Body agentActionBody
}

type purgeBody struct {
	Status  string              `json:"status" example:"cleared"`
	Deleted *stores.PurgeResult `json:"deleted"`
}

type purgeOutput struct {
	Body purgeBody
}

type dashboardStats struct {
	Signals            *stores.SignalStats     `json:"signals"`
	TotalSignals       int                     `json:"total_signals"`
	UnprocessedSignals int                     `json:"unprocessed_signals"`
	TotalIssues        int                     `json:"total_issues"`
	OpenIssues         int                     `json:"open_issues"`
	Workflows          *engine.WorkflowSummary `json:"workflows"`
	ExecutionsInFlight int                     `json:"executions_in_flight"`
	Agent              engine.LoopState        `json:"agent"`
}

type dashboardOutput struct {
	Body dashboardStats
}

func (s *server) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		body := healthBody{
			Status:       "healthy",
			Database:     "ok",
			AgentRunning: s.cfg.Engine.Loop.Status().Running,
			Version:      s.cfg.Version,
		}
		if err := s.cfg.Store.HealthCheck(ctx); err != nil {
			body.Status = "degraded"
			body.Database = err.Error()
		}
		return &healthOutput{Body: body}, nil
	})
}

func (s *server) registerAgent(api huma.API) {
	loop := s.cfg.Engine.Loop

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/agent/status",
		Summary:     "Control loop status",
		Tags:        []string{"agent"},
	}, func(ctx context.Context, _ *struct{}) (*agentStatusOutput, error) {
		return &agentStatusOutput{Body: loop.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-start",
		Method:      http.MethodPost,
		Path:        "/agent/start",
		Summary:     "Start the control loop",
		Tags:        []string{"agent"},
	}, func(ctx context.Context, _ *struct{}) (*agentActionOutput, error) {
		status := "started"
		if err := loop.Start(); err != nil {
			if engine.ErrorCode(err) != engine.ErrCodePrecondition {
				return nil, handleError(err)
			}
			status = "already_running"
		}
		s.logger.Info().Str("status", status).Msg("Agent start requested")
		return &agentActionOutput{Body: agentActionBody{Status: status, Agent: loop.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-stop",
		Method:      http.MethodPost,
		Path:        "/agent/stop",
		Summary:     "Stop the control loop",
		Tags:        []string{"agent"},
	}, func(ctx context.Context, _ *struct{}) (*agentActionOutput, error) {
		if err := loop.Stop(ctx); err != nil {
			return nil, handleError(err)
		}
		s.logger.Info().Msg("Agent stopped")
		return &agentActionOutput{Body: agentActionBody{Status: "stopped", Agent: loop.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-database",
		Method:      http.MethodDelete,
		Path:        "/clear-database",
		Summary:     "Delete every signal, issue, workflow and audit entry",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*purgeOutput, error) {
		res, err := s.cfg.Store.Purge(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s.logger.Warn().
			Int64("signals", res.Signals).
			Int64("issues", res.Issues).
			Int64("workflows", res.Workflows).
			Int64("audit_logs", res.AuditLogs).
			Msg("Database cleared")
		return &purgeOutput{Body: purgeBody{Status: "cleared", Deleted: res}}, nil
	})
}

func (s *server) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Aggregate pipeline statistics",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*dashboardOutput, error) {
		st := s.cfg.Store

		signals, err := st.SignalStats(ctx, time.Now().UTC().Add(-statsWindow))
		if err != nil {
			return nil, handleError(err)
		}
		total, err := st.CountSignals(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		unprocessed := false
		pending, err := st.CountSignals(ctx, &unprocessed)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := st.CountIssues(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := st.CountIssues(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		workflows, err := s.cfg.Engine.Workflows.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}

		return &dashboardOutput{Body: dashboardStats{
			Signals:            signals,
			TotalSignals:       total,
			UnprocessedSignals: pending,
			TotalIssues:        issues,
			OpenIssues:         open,
			Workflows:          workflows,
			ExecutionsInFlight: s.cfg.Engine.Pool.Len(),
			Agent:              s.cfg.Engine.Loop.Status(),
		}}, nil
	})
}
