/*
maintenance.go - Background upkeep of the ledger and event log

PURPOSE:
  Three best-effort maintenance passes, all safe to re-run:

  1. Monthly guardianship reset: once per calendar month, guardianship
     accounts are zeroed (their sponsor settles monthly). Guarded by
     the LAST_RESET config key so restarts don't double-apply.
  2. Retention pruning: events older than the retention window are
     deleted. The only sanctioned bulk deletion from the event log.
  3. Guardianship backfill: events recorded as Advance for patrons who
     are NOW guardianship-sponsored are retagged, scoped to ONE month.
     Run just before building that month's report. The narrow scope is
     deliberate: it mirrors how sponsors settle, month by month, and it
     never rewrites months that were already reported.

  Maintenance failures are surfaced to the caller but must never block
  normal ledger operations; the scheduler logs and moves on.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRetentionYears is how long events are kept before pruning.
const DefaultRetentionYears = 2

// Maintenance runs the background upkeep passes.
type Maintenance struct {
	store TxStore
	now   func() time.Time
}

// NewMaintenance creates a maintenance runner.
func NewMaintenance(store TxStore) *Maintenance {
	return &Maintenance{store: store, now: time.Now}
}

// WithClock overrides the clock. For tests.
func (m *Maintenance) WithClock(now func() time.Time) *Maintenance {
	m.now = now
	return m
}

// ResetResult summarizes one monthly reset pass.
type ResetResult struct {
	Month          string // YYYY-MM
	PatronsReset   int
	TicketsCleared int64
}

// MonthlyResetIfDue zeroes every guardianship account once per calendar
// month. Returns (nil, nil) when the current month was already reset.
// The per-patron reset events and the LAST_RESET advance commit in one
// transaction. System action: not undoable.
func (m *Maintenance) MonthlyResetIfDue(ctx context.Context) (*ResetResult, error) {
	month := m.now().Format("2006-01")

	last, err := m.store.GetConfig(ctx, ConfigLastReset)
	if err != nil {
		return nil, err
	}
	if last == month {
		return nil, nil
	}

	result := &ResetResult{Month: month}
	now := m.now()

	err = m.store.WithTx(ctx, func(s Store) error {
		patrons, err := s.ListPatrons(ctx)
		if err != nil {
			return err
		}

		for _, p := range patrons {
			if p.Status != StatusGuardianship {
				continue
			}
			result.TicketsCleared += p.TicketCount

			cleared := p.TicketCount
			p.TicketCount = 0
			p.Balance = decimal.Zero
			if err := s.SavePatron(ctx, p); err != nil {
				return err
			}

			ev := Event{
				Action:        ActionMonthlyReset,
				Detail:        FormatInt(cleared) + " tickets",
				Sex:           p.Sex,
				PatronID:      &p.ID,
				Date:          now.Format("2006-01-02"),
				Time:          now.Format("15:04:05"),
				StatusAtEvent: string(StatusGuardianship),
			}
			if err := s.AppendEvent(ctx, &ev); err != nil {
				return err
			}
			result.PatronsReset++
		}

		return s.SetConfig(ctx, ConfigLastReset, month)
	})
	if err != nil {
		return nil, fmt.Errorf("monthly reset %s: %w", month, err)
	}
	return result, nil
}

// Prune deletes events older than retentionYears, honoring the
// AUTO_CLEAN_ENABLED switch. Returns the number of rows pruned.
func (m *Maintenance) Prune(ctx context.Context, retentionYears int) (int64, error) {
	enabled, err := m.store.GetConfig(ctx, ConfigAutoCleanEnabled)
	if err != nil {
		return 0, err
	}
	if enabled == "0" {
		return 0, nil
	}
	if retentionYears <= 0 {
		retentionYears = DefaultRetentionYears
	}

	cutoff := m.now().AddDate(-retentionYears, 0, 0).Format("2006-01-02")
	return m.store.PruneEventsBefore(ctx, cutoff)
}

// BackfillGuardianship retags Advance events of currently-guardianship
// patrons to Guardianship, for the given month only. Returns rows
// changed. Idempotent.
func (m *Maintenance) BackfillGuardianship(ctx context.Context, year int, month time.Month) (int64, error) {
	patrons, err := m.store.ListPatrons(ctx)
	if err != nil {
		return 0, err
	}

	var ids []int64
	for _, p := range patrons {
		if p.Status == StatusGuardianship {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	prefix := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
	return m.store.RetagAdvanceEvents(ctx, ids, prefix)
}
