// Package reconcile implements the nightly full reconciliation sweep:
// every registered denormalized statistics table is compared against a
// fresh recomputation from its authoritative source, drift is logged
// and optionally auto-fixed, and the precomputed read views are
// refreshed afterwards.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"trailhead/api/internal/metrics"
	"trailhead/api/internal/store"
)

// CheckFunc compares one denormalized table against its authoritative
// source inside its own transaction. It returns the discrepancies it
// saw and how many rows it fixed.
type CheckFunc func(ctx context.Context, fix bool) ([]store.Discrepancy, int, error)

// Check is one registered denormalized table.
type Check struct {
	Table string
	Run   CheckFunc
}

// Refresher rebuilds one precomputed read view after all tables have
// been reconciled.
type Refresher struct {
	Name string
	Run  func(ctx context.Context) error
}

// Archiver persists the finished report for audit. Best-effort.
type Archiver interface {
	StoreReport(ctx context.Context, r Report) error
}

// Report is the outcome of one sweep run.
type Report struct {
	StartedAt          time.Time           `json:"started_at"`
	CompletedAt        time.Time           `json:"completed_at"`
	TablesChecked      []string            `json:"tables_checked"`
	DiscrepanciesFound int                 `json:"discrepancies_found"`
	DiscrepanciesFixed int                 `json:"discrepancies_fixed"`
	Discrepancies      []store.Discrepancy `json:"discrepancies,omitempty"`
	Errors             []string            `json:"errors,omitempty"`
}

// Clean reports whether the scheduler should treat the run as a
// success: no errors and nothing left unfixed.
func (r Report) Clean() bool {
	return len(r.Errors) == 0 && r.DiscrepanciesFound <= r.DiscrepanciesFixed
}

// Sweeper runs registered checks in sequence, isolating each table's
// failure from the rest of the run.
type Sweeper struct {
	autoFix    bool
	checks     []Check
	refreshers []Refresher
	archiver   Archiver // nil disables archival
}

func NewSweeper(autoFix bool, checks ...Check) *Sweeper {
	return &Sweeper{autoFix: autoFix, checks: checks}
}

// WithRefreshers registers read views to rebuild after the table pass.
func (s *Sweeper) WithRefreshers(refreshers ...Refresher) *Sweeper {
	s.refreshers = append(s.refreshers, refreshers...)
	return s
}

// WithArchiver registers a report archive destination.
func (s *Sweeper) WithArchiver(a Archiver) *Sweeper {
	s.archiver = a
	return s
}

// Run executes one full sweep. A failure on one table never aborts the
// others; it is recorded in the report instead.
func (s *Sweeper) Run(ctx context.Context) Report {
	report := Report{StartedAt: time.Now().UTC()}

	for _, check := range s.checks {
		found, fixed, err := check.Run(ctx, s.autoFix)
		report.TablesChecked = append(report.TablesChecked, check.Table)
		report.DiscrepanciesFound += len(found)
		report.DiscrepanciesFixed += fixed
		report.Discrepancies = append(report.Discrepancies, found...)

		metrics.SweepDiscrepancies.WithLabelValues(check.Table, "found").Add(float64(len(found)))
		metrics.SweepDiscrepancies.WithLabelValues(check.Table, "fixed").Add(float64(fixed))

		for _, d := range found {
			log.Printf("sweep: drift %s key=%s field=%s expected=%s actual=%s",
				d.Table, d.Key, d.Field, d.Expected, d.Actual)
		}
		if err != nil {
			metrics.SweepErrors.Inc()
			log.Printf("sweep: table %s: %v", check.Table, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", check.Table, err))
		}
	}

	for _, refresher := range s.refreshers {
		if err := refresher.Run(ctx); err != nil {
			metrics.SweepErrors.Inc()
			log.Printf("sweep: refresh %s: %v", refresher.Name, err)
			report.Errors = append(report.Errors, fmt.Sprintf("refresh %s: %v", refresher.Name, err))
		}
	}

	report.CompletedAt = time.Now().UTC()

	if s.archiver != nil {
		if err := s.archiver.StoreReport(ctx, report); err != nil {
			// Archival never fails the run.
			log.Printf("sweep: archive report: %v", err)
		}
	}

	return report
}
