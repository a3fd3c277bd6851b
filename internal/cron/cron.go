// Package cron runs periodic maintenance: memory archival sweeps and
// retention pruning for diagnostics and job event logs.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hollis/autodev/internal/archivist"
	"github.com/hollis/autodev/internal/persistence"
)

type Scheduler struct {
	cron      *cron.Cron
	store     *persistence.Store
	archivist *archivist.Archivist

	diagnosticsRetention time.Duration
	eventsRetention      time.Duration
}

// New builds a scheduler that runs one maintenance sweep per tick of the
// given cron spec. Retention of zero disables the corresponding pruning.
func New(store *persistence.Store, arch *archivist.Archivist, spec string, diagnosticsDays, eventsDays int) (*Scheduler, error) {
	s := &Scheduler{
		cron:                 cron.New(),
		store:                store,
		archivist:            arch,
		diagnosticsRetention: time.Duration(diagnosticsDays) * 24 * time.Hour,
		eventsRetention:      time.Duration(eventsDays) * 24 * time.Hour,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one maintenance pass. Each task logs and continues on failure
// so a broken archive does not stop retention pruning.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()

	if s.archivist != nil {
		if err := s.archivist.MaintainAll(ctx); err != nil {
			slog.Error("maintenance: memory archive", "error", err)
		}
	}
	if s.diagnosticsRetention > 0 {
		if n, err := s.store.PruneDiagnostics(ctx, s.diagnosticsRetention); err != nil {
			slog.Error("maintenance: prune diagnostics", "error", err)
		} else if n > 0 {
			slog.Info("maintenance: pruned diagnostics", "rows", n)
		}
	}
	if s.eventsRetention > 0 {
		if n, err := s.store.PruneJobEvents(ctx, s.eventsRetention); err != nil {
			slog.Error("maintenance: prune job events", "error", err)
		} else if n > 0 {
			slog.Info("maintenance: pruned job events", "rows", n)
		}
	}

	slog.Debug("maintenance sweep done", "duration_ms", time.Since(start).Milliseconds())
}
