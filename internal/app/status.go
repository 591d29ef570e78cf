package app

import (
	"context"

	"buildsched/internal/observability/debug"
	"buildsched/internal/report"
	logx "buildsched/pkg/logx"
)

// Status is served by the debug server's /status endpoint.
type Status struct {
	BuildFile string          `json:"build_file"`
	RunID     string          `json:"run_id,omitempty"`
	Summary   report.Summary  `json:"summary"`
	Tasks     []report.Record `json:"tasks,omitempty"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	runID := a.runID
	a.mu.Unlock()
	return Status{
		BuildFile: a.effective().Build.File,
		RunID:     runID,
		Summary:   a.rec.Summarize(),
		Tasks:     a.rec.Records(),
	}
}

// debugServer returns nil when debug.addr is unset.
func (a *App) debugServer() *debug.Server {
	cfg := a.effective().DebugConfig()
	if cfg.Addr == "" {
		return nil
	}
	return debug.New(cfg, func() any { return a.Status() }, a.log.With(logx.String("comp", "debug")))
}

func runDebug(ctx context.Context, s *debug.Server) error {
	if s == nil {
		return nil
	}
	return s.Run(ctx)
}
