package native

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/baseline"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Risk weights per kind of change to a server's tool surface.
const (
	riskRemoved  = 3
	riskModified = 2
	riskAdded    = 1
)

type rugPullConfig struct {
	RiskThreshold         int  `json:"risk_threshold"`
	UpdateBaselineOnAllow bool `json:"update_baseline_on_allow"`
}

// rugPull detects servers that change their tools after being trusted. The
// first tool list seen for a server becomes its baseline.
type rugPull struct {
	Base
	threshold     int
	updateOnAllow bool
	store         baseline.Store
	logger        *zap.Logger
	now           func() time.Time
}

func newRugPull(spec *guard.Spec, deps Deps) (Guard, error) {
	cfg := rugPullConfig{RiskThreshold: 5, UpdateBaselineOnAllow: true}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.RiskThreshold < 1 {
		return nil, guard.ConfigErrorf(spec.ID, "risk_threshold must be at least 1, got %d", cfg.RiskThreshold)
	}
	store := deps.Baselines
	if store == nil {
		deps.Logger.Warn("no baseline store configured, baselines will not survive a reload")
		store = baseline.NewMemoryStore()
	}
	return &rugPull{
		threshold:     cfg.RiskThreshold,
		updateOnAllow: cfg.UpdateBaselineOnAllow,
		store:         store,
		logger:        deps.Logger,
		now:           time.Now,
	}, nil
}

func (g *rugPull) EvaluateToolsList(ctx context.Context, tools []guard.Tool, gctx guard.GuardContext) (guard.Decision, error) {
	snapshot := baseline.FromTools(gctx.ServerName, tools, g.now())

	prev, err := g.store.Load(ctx, gctx.ServerName)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("load baseline: %w", err)
	}
	if prev == nil {
		if err := g.store.Save(ctx, snapshot); err != nil {
			return guard.Decision{}, fmt.Errorf("record baseline: %w", err)
		}
		g.logger.Info("recorded tool baseline",
			zap.String("server_name", gctx.ServerName),
			zap.Int("tools", len(tools)),
		)
		return guard.Allow(), nil
	}

	changes := prev.Diff(snapshot)
	if changes.Empty() {
		return guard.Allow(), nil
	}
	risk := riskRemoved*len(changes.Removed) + riskModified*len(changes.Modified) + riskAdded*len(changes.Added)
	if risk >= g.threshold {
		return deny("rug_pull_detected",
			fmt.Sprintf("Tools of server %q changed since they were first trusted (risk score %d)", gctx.ServerName, risk),
			map[string]any{
				"added":      toAnySlice(changes.Added),
				"removed":    toAnySlice(changes.Removed),
				"modified":   toAnySlice(changes.Modified),
				"risk_score": risk,
				"threshold":  g.threshold,
			},
		), nil
	}

	if g.updateOnAllow {
		if err := g.store.Save(ctx, snapshot); err != nil {
			g.logger.Warn("failed to update tool baseline",
				zap.String("server_name", gctx.ServerName),
				zap.Error(err),
			)
		}
	}
	return guard.Allow(), nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
