package decay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/arcspace-ai/archon/internal/telemetry"
)

// SweepResult summarizes one time-decay sweep.
type SweepResult struct {
	Examined int `json:"examined"`
	Applied  int `json:"applied"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Disabled int `json:"disabled"`
}

const (
	defaultBatchSize   = 500
	defaultConcurrency = 8

	// maxBatches bounds a single sweep so rows that persistently fail
	// to update cannot loop the job forever; they are retried on the
	// next scheduled run.
	maxBatches = 200
)

type sweepTick struct {
	applied  bool
	disabled bool
	failed   bool
}

// Sweep applies the scheduled time decay to every active rule whose
// last decay tick is older than the window. Each rule update is an
// independent atomic write guarded by last_health_decay_at, so the
// sweep is idempotent within the window and safe to run concurrently
// with request-driven updates to the same rows. Per-row failures are
// counted and logged; the sweep continues to the next row.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := telemetry.Tracer("archon/decay").Start(ctx, "decay.sweep")
	defer span.End()

	var result SweepResult
	start := time.Now()
	defer func() {
		e.sweepDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		span.SetAttributes(
			attribute.Int("decay.examined", result.Examined),
			attribute.Int("decay.applied", result.Applied),
			attribute.Int("decay.failed", result.Failed),
			attribute.Int("decay.disabled", result.Disabled),
		)
	}()

	for batch := 0; batch < maxBatches; batch++ {
		rules, err := e.store.ListRulesDueForDecay(ctx, DecayWindow, defaultBatchSize)
		if err != nil {
			return result, fmt.Errorf("decay: list due rules: %w", err)
		}
		if len(rules) == 0 {
			break
		}
		result.Examined += len(rules)

		ticks := make([]sweepTick, len(rules))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(defaultConcurrency)
		for i, rule := range rules {
			g.Go(func() error {
				updated, applied, err := e.store.ApplyTimeDecay(gctx, rule.ID, TimeDecayAmount, DecayWindow)
				if err != nil {
					ticks[i].failed = true
					e.logger.Warn("decay: time decay failed for rule", "error", err, "rule_id", rule.ID)
					return nil
				}
				if !applied {
					// Another sweep or a concurrent override got here first.
					return nil
				}
				ticks[i].applied = true
				ticks[i].disabled = updated.Health == 0
				if updated.Stage != rule.Stage {
					e.logger.Info("decay: rule demoted",
						"rule_id", rule.ID,
						"stage", string(updated.Stage), "prev_stage", string(rule.Stage),
						"health", updated.Health)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, fmt.Errorf("decay: sweep batch: %w", err)
		}

		var applied, disabled int64
		for _, t := range ticks {
			switch {
			case t.failed:
				result.Failed++
			case t.applied:
				result.Applied++
				applied++
				if t.disabled {
					result.Disabled++
					disabled++
				}
			default:
				result.Skipped++
			}
		}
		e.decayApplied.Add(ctx, applied)
		e.rulesDisabled.Add(ctx, disabled)

		if len(rules) < defaultBatchSize {
			break
		}
	}

	e.logger.Info("decay: sweep complete",
		"examined", result.Examined, "applied", result.Applied,
		"skipped", result.Skipped, "failed", result.Failed, "disabled", result.Disabled)
	return result, nil
}

// Run executes Sweep on the given interval until the context is
// canceled. The job body is a pure function over rules due for decay,
// so the loop composes with an external scheduler or a horizontally
// scaled deployment triggering sweeps elsewhere.
func (e *Engine) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				logger.Error("decay: sweep failed", "error", err)
			}
		}
	}
}
