/*
report.go - Read-only aggregation over the event log

PURPOSE:
  Rebuilds periodic statistics from the normalized movement view:
  attendance by sex, tickets by reporting bucket, daily counters, the
  per-patron per-day monthly breakdown consumed by the PDF layer, and
  the financial reconciliation (cash collected vs theoretical value).

INVARIANTS:
  - Strictly read-only: the aggregator never writes.
  - Every bucket decision goes through CategoryOf (category.go); no
    second mapping exists anywhere in the repository.
  - Idempotent: aggregating the same immutable range twice yields
    identical results.

RECONCILIATION NOTE:
  "Cash collected" (recharges + anonymous sales x price) and
  "theoretical consumption value" (all buckets x price) are expected to
  diverge: price changes, free tickets, partial periods. Reporting both
  side by side is the feature; they are not reconciled.

SEE ALSO:
  - category.go: The canonical bucket mapping
  - store.go: Movements (the normalizing view)
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pricer resolves the unit price. Implemented by Engine.
type Pricer interface {
	UnitPrice(ctx context.Context) (decimal.Decimal, error)
}

// Aggregator computes statistics from the event log.
type Aggregator struct {
	store  Store
	pricer Pricer
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store Store, pricer Pricer) *Aggregator {
	return &Aggregator{store: store, pricer: pricer}
}

// =============================================================================
// RANGE STATISTICS
// =============================================================================

// Stats is the aggregate over a date range.
type Stats struct {
	From string
	To   string

	TotalBySex        map[Sex]int64
	TicketsByCategory map[Category]int64
	TotalPassages     int64
}

// Aggregate buckets ticket movements in [from, to] by sex and category.
// CategoryOther quantities are excluded from the named buckets but do
// count toward the sex totals and total passages.
func (a *Aggregator) Aggregate(ctx context.Context, from, to string) (*Stats, error) {
	movements, err := a.store.Movements(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s..%s: %w", from, to, err)
	}

	stats := &Stats{
		From:              from,
		To:                to,
		TotalBySex:        map[Sex]int64{SexMale: 0, SexFemale: 0},
		TicketsByCategory: make(map[Category]int64),
	}
	for _, c := range Categories {
		stats.TicketsByCategory[c] = 0
	}

	for _, m := range movements {
		stats.TotalBySex[m.Sex] += m.Quantity
		if cat := CategoryOf(m.StatusAtEvent); cat != CategoryOther {
			stats.TicketsByCategory[cat] += m.Quantity
		}
	}
	stats.TotalPassages = stats.TotalBySex[SexMale] + stats.TotalBySex[SexFemale]
	return stats, nil
}

// =============================================================================
// DAILY COUNTERS
// =============================================================================

// DailyCounters is the at-a-glance view for one day.
type DailyCounters struct {
	Date          string
	PassagesBySex map[Sex]int64
	TotalPassages int64
	CashCollected decimal.Decimal
}

// Daily returns passages and cash collected for one date. Cash is the
// sum of recharge amounts plus anonymous paid walk-ins at unit price.
func (a *Aggregator) Daily(ctx context.Context, date string) (*DailyCounters, error) {
	stats, err := a.Aggregate(ctx, date, date)
	if err != nil {
		return nil, err
	}
	price, err := a.pricer.UnitPrice(ctx)
	if err != nil {
		return nil, err
	}
	recharges, anonPaid, err := a.cashComponents(ctx, date, date)
	if err != nil {
		return nil, err
	}
	return &DailyCounters{
		Date:          date,
		PassagesBySex: stats.TotalBySex,
		TotalPassages: stats.TotalPassages,
		CashCollected: recharges.Add(price.Mul(decimal.NewFromInt(anonPaid))),
	}, nil
}

// =============================================================================
// FINANCIAL RECONCILIATION
// =============================================================================

// FinancialSummary reports actual cash against theoretical consumption
// value over a range. The two figures legitimately diverge.
type FinancialSummary struct {
	From string
	To   string

	UnitPrice          decimal.Decimal
	RechargeTotal      decimal.Decimal
	AnonymousPaidCount int64
	CashCollected      decimal.Decimal

	TicketsByCategory map[Category]int64
	TheoreticalValue  decimal.Decimal
}

// Reconcile computes the financial summary for [from, to].
func (a *Aggregator) Reconcile(ctx context.Context, from, to string) (*FinancialSummary, error) {
	price, err := a.pricer.UnitPrice(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := a.Aggregate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	recharges, anonPaid, err := a.cashComponents(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var totalTickets int64
	for _, c := range Categories {
		totalTickets += stats.TicketsByCategory[c]
	}

	return &FinancialSummary{
		From:               from,
		To:                 to,
		UnitPrice:          price,
		RechargeTotal:      recharges,
		AnonymousPaidCount: anonPaid,
		CashCollected:      recharges.Add(price.Mul(decimal.NewFromInt(anonPaid))),
		TicketsByCategory:  stats.TicketsByCategory,
		TheoreticalValue:   price.Mul(decimal.NewFromInt(totalTickets)),
	}, nil
}

// cashComponents sums recharge amounts and counts anonymous paid sales
// over a range. Returns (recharge total, anonymous paid count, err).
func (a *Aggregator) cashComponents(ctx context.Context, from, to string) (decimal.Decimal, int64, error) {
	events, err := a.store.EventsRange(ctx, from, to)
	if err != nil {
		return decimal.Zero, 0, err
	}

	recharges := decimal.Zero
	var anonPaid int64
	for _, ev := range events {
		switch ev.Action {
		case ActionRecharge:
			if amount, ok := parseRechargeDetail(ev.Detail); ok {
				recharges = recharges.Add(amount)
			}
		case ActionAnonymousPaid:
			if ev.Detail == DetailAnonymous {
				anonPaid++
			}
		}
	}
	return recharges, anonPaid, nil
}

// parseRechargeDetail reads an amount back out of a recharge detail
// string ("+5.00 €"). Tolerates the historical comma decimal separator.
func parseRechargeDetail(detail string) (decimal.Decimal, bool) {
	s := strings.NewReplacer("€", "", "+", "", ",", ".", " ", "").Replace(detail)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// =============================================================================
// MONTHLY BREAKDOWN - Per-patron, per-day tabular report
// =============================================================================

// breakdownGroups orders the report groups and names the anonymous
// aggregate rows that belong to each.
var breakdownGroups = []Category{
	CategoryPaid,
	CategoryAdvance,
	CategoryGuardianship,
	CategoryFirstTimeFree,
}

// BreakdownRow is one line of the monthly table: one patron (or one
// anonymous aggregate) within one group, with quantities by day of month.
type BreakdownRow struct {
	PatronID  *int64 // nil for the anonymous aggregate rows
	Name      string
	Group     Category
	ByDay     map[int]int64
	Total     int64
	Expense   decimal.Decimal
	Anonymous bool
}

// MonthlyBreakdown is the full monthly table plus its totals.
type MonthlyBreakdown struct {
	Year  int
	Month time.Month

	UnitPrice    decimal.Decimal
	Rows         []BreakdownRow
	DayTotals    map[int]int64
	TotalBySex   map[Sex]int64
	TotalTickets int64
	TotalExpense decimal.Decimal
}

// Breakdown builds the per-patron per-day table for one month.
// First-time-free quantities carry zero expense; everything else is
// quantity x unit price.
func (a *Aggregator) Breakdown(ctx context.Context, year int, month time.Month) (*MonthlyBreakdown, error) {
	price, err := a.pricer.UnitPrice(ctx)
	if err != nil {
		return nil, err
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	from, to := first.Format("2006-01-02"), last.Format("2006-01-02")

	movements, err := a.store.Movements(ctx, from, to)
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string)
	patrons, err := a.store.ListPatrons(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range patrons {
		names[p.ID] = strings.TrimSpace(p.LastName + " " + p.FirstName)
	}

	type rowKey struct {
		patronID  int64 // 0 for anonymous
		group     Category
		anonymous bool
		sex       Sex // only meaningful for anonymous rows
	}
	rows := make(map[rowKey]*BreakdownRow)

	out := &MonthlyBreakdown{
		Year:       year,
		Month:      month,
		UnitPrice:  price,
		DayTotals:  make(map[int]int64),
		TotalBySex: map[Sex]int64{SexMale: 0, SexFemale: 0},
	}

	for _, m := range movements {
		group := CategoryOf(m.StatusAtEvent)
		if group == CategoryOther {
			continue
		}
		day := dayOfMonth(m.Date)
		if day == 0 {
			continue
		}

		var k rowKey
		if m.PatronID == nil {
			k = rowKey{group: group, anonymous: true, sex: m.Sex}
		} else {
			k = rowKey{patronID: *m.PatronID, group: group}
		}

		row, ok := rows[k]
		if !ok {
			row = &BreakdownRow{Group: group, ByDay: make(map[int]int64)}
			if k.anonymous {
				row.Anonymous = true
				if m.Sex == SexFemale {
					row.Name = "Anonymes F"
				} else {
					row.Name = "Anonymes H"
				}
			} else {
				row.PatronID = m.PatronID
				if n, found := names[*m.PatronID]; found {
					row.Name = n
				} else {
					row.Name = fmt.Sprintf("(supprimé #%d)", *m.PatronID)
				}
			}
			rows[k] = row
		}

		row.ByDay[day] += m.Quantity
		row.Total += m.Quantity
		out.DayTotals[day] += m.Quantity
		out.TotalBySex[m.Sex] += m.Quantity
		out.TotalTickets += m.Quantity
	}

	out.TotalExpense = decimal.Zero
	for _, row := range rows {
		if row.Group == CategoryFirstTimeFree {
			row.Expense = decimal.Zero
		} else {
			row.Expense = price.Mul(decimal.NewFromInt(row.Total))
			out.TotalExpense = out.TotalExpense.Add(row.Expense)
		}
		out.Rows = append(out.Rows, *row)
	}

	sort.Slice(out.Rows, func(i, j int) bool {
		gi, gj := groupRank(out.Rows[i].Group), groupRank(out.Rows[j].Group)
		if gi != gj {
			return gi < gj
		}
		if out.Rows[i].Anonymous != out.Rows[j].Anonymous {
			return !out.Rows[i].Anonymous // named patrons before anonymous rows
		}
		return out.Rows[i].Name < out.Rows[j].Name
	})

	return out, nil
}

func groupRank(c Category) int {
	for i, g := range breakdownGroups {
		if g == c {
			return i
		}
	}
	return len(breakdownGroups)
}

// dayOfMonth extracts the day from a YYYY-MM-DD string, 0 if malformed.
func dayOfMonth(date string) int {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0
	}
	return t.Day()
}
