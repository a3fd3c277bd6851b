package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/otel"
	"github.com/hollis/autodev/internal/persistence"
)

// BudgetGuard enforces the per-job spend ceilings. Check runs before every
// agent call and re-reads the job row, so concurrent cost accumulation from
// an in-flight call is always observed before the next one starts.
type BudgetGuard struct {
	store    *persistence.Store
	eventBus *bus.Bus
	metrics  *otel.Metrics
	cfg      config.BudgetConfig
}

func NewBudgetGuard(store *persistence.Store, eventBus *bus.Bus, metrics *otel.Metrics, cfg config.BudgetConfig) *BudgetGuard {
	return &BudgetGuard{store: store, eventBus: eventBus, metrics: metrics, cfg: cfg}
}

// Check aborts with BudgetExceededError when any hard ceiling is reached and
// otherwise emits each crossed warning threshold exactly once, in increasing
// order.
func (g *BudgetGuard) Check(ctx context.Context, jobID string) error {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if job == nil {
		return fmt.Errorf("budget check: job %s not found", jobID)
	}

	if job.CostUSD >= g.cfg.MaxCostUSD {
		return &BudgetExceededError{
			JobID:  jobID,
			Limit:  "cost",
			Detail: fmt.Sprintf("$%.4f of $%.2f spent", job.CostUSD, g.cfg.MaxCostUSD),
		}
	}
	if job.RequestCount >= g.cfg.MaxRequests {
		return &BudgetExceededError{
			JobID:  jobID,
			Limit:  "requests",
			Detail: fmt.Sprintf("%d of %d requests used", job.RequestCount, g.cfg.MaxRequests),
		}
	}
	if job.StartedAt != nil {
		elapsed := time.Since(*job.StartedAt)
		limit := time.Duration(g.cfg.MaxWallclockMinutes) * time.Minute
		if elapsed >= limit {
			return &BudgetExceededError{
				JobID:  jobID,
				Limit:  "wallclock",
				Detail: fmt.Sprintf("%s elapsed of %s allowed", elapsed.Round(time.Second), limit),
			}
		}
	}

	usedPct := job.CostUSD / g.cfg.MaxCostUSD
	if g.cfg.MaxRequests > 0 {
		if reqPct := float64(job.RequestCount) / float64(g.cfg.MaxRequests); reqPct > usedPct {
			usedPct = reqPct
		}
	}
	for _, threshold := range g.cfg.WarningThresholds {
		if usedPct < threshold {
			break
		}
		first, err := g.store.MarkWarningSent(ctx, jobID, threshold)
		if err != nil {
			return fmt.Errorf("mark budget warning: %w", err)
		}
		if !first {
			continue
		}
		slog.Warn("budget warning threshold crossed",
			"job_id", jobID,
			"threshold", threshold,
			"used_pct", usedPct,
			"cost_usd", job.CostUSD)
		if g.metrics != nil {
			g.metrics.BudgetWarnings.Add(ctx, 1)
		}
		if g.eventBus != nil {
			g.eventBus.Publish(bus.TopicJobBudgetWarning, bus.BudgetWarningEvent{
				JobID:     jobID,
				Threshold: threshold,
				UsedPct:   usedPct,
				CostUSD:   job.CostUSD,
			})
		}
	}
	return nil
}

// StallDetector flags a job whose last progress timestamp is older than the
// stall window. A stalled job is handled like a failed step.
type StallDetector struct {
	Timeout time.Duration
}

func (d *StallDetector) Stalled(job *persistence.Job, now time.Time) bool {
	if d.Timeout <= 0 || job == nil {
		return false
	}
	last := job.CreatedAt
	if job.LastProgressAt != nil {
		last = *job.LastProgressAt
	} else if job.StartedAt != nil {
		last = *job.StartedAt
	}
	return now.Sub(last) > d.Timeout
}
