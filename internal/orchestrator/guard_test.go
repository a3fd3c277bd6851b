package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "autodev.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBudget() config.BudgetConfig {
	return config.BudgetConfig{
		MaxCostUSD:          1.00,
		MaxRequests:         10,
		MaxWallclockMinutes: 120,
		WarningThresholds:   []float64{0.5, 0.8},
	}
}

func TestBudgetGuard_CostCeilingAborts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, "task", "")

	guard := NewBudgetGuard(store, nil, nil, testBudget())
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1", 1000, 1000, 1.00); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	err := guard.Check(ctx, job.ID)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if exceeded.Limit != "cost" {
		t.Fatalf("limit = %q", exceeded.Limit)
	}
}

func TestBudgetGuard_RequestCeilingAborts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, "task", "")

	cfg := testBudget()
	cfg.MaxRequests = 2
	guard := NewBudgetGuard(store, nil, nil, cfg)

	for i := 0; i < 2; i++ {
		if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1-mini", 10, 10, 0.0001); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	err := guard.Check(ctx, job.ID)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) || exceeded.Limit != "requests" {
		t.Fatalf("err = %v, want requests ceiling", err)
	}
}

func TestBudgetGuard_WarningsFireOnceInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, "task", "")

	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicJobBudgetWarning)
	defer eventBus.Unsubscribe(sub)

	guard := NewBudgetGuard(store, eventBus, nil, testBudget())

	// 60% of the cost ceiling: only the 0.5 threshold fires.
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1", 0, 0, 0.60); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := guard.Check(ctx, job.ID); err != nil {
		t.Fatalf("check: %v", err)
	}
	// Repeat check must not refire.
	if err := guard.Check(ctx, job.ID); err != nil {
		t.Fatalf("check: %v", err)
	}

	// 90%: the 0.8 threshold fires once.
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1", 0, 0, 0.30); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := guard.Check(ctx, job.ID); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := guard.Check(ctx, job.ID); err != nil {
		t.Fatalf("check: %v", err)
	}

	var thresholds []float64
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-sub.Ch():
			warn := ev.Payload.(bus.BudgetWarningEvent)
			thresholds = append(thresholds, warn.Threshold)
			if len(thresholds) == 2 {
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	if len(thresholds) != 2 || thresholds[0] != 0.5 || thresholds[1] != 0.8 {
		t.Fatalf("thresholds = %v, want [0.5 0.8] exactly once each", thresholds)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra warning: %+v", ev.Payload)
	default:
	}
}

func TestStallDetector(t *testing.T) {
	d := &StallDetector{Timeout: 10 * time.Minute}
	now := time.Now()

	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	if d.Stalled(&persistence.Job{CreatedAt: stale, LastProgressAt: &recent}, now) {
		t.Fatal("recent progress must not stall")
	}
	if !d.Stalled(&persistence.Job{CreatedAt: stale, LastProgressAt: &stale}, now) {
		t.Fatal("stale progress must stall")
	}
	if d.Stalled(&persistence.Job{CreatedAt: recent}, now) {
		t.Fatal("fresh job without progress timestamps must not stall")
	}

	zero := &StallDetector{}
	if zero.Stalled(&persistence.Job{CreatedAt: stale}, now) {
		t.Fatal("zero timeout disables stall detection")
	}
}
