package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/canteen-ledger/ledger"
	"github.com/warp/canteen-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newReportFixture(t *testing.T) (*ledger.Engine, *ledger.Aggregator, *store.TxMemory) {
	t.Helper()
	engine, mem := newTestEngine(t)
	return engine, ledger.NewAggregator(mem, engine), mem
}

// appendRaw inserts a pre-built event row, bypassing the engine.
func appendRaw(t *testing.T, mem *store.TxMemory, ev ledger.Event) {
	t.Helper()
	require.NoError(t, mem.AppendEvent(context.Background(), &ev))
}

func patronRef(id int64) *int64 { return &id }

// =============================================================================
// RANGE AGGREGATION TESTS
// =============================================================================

func TestAggregate_BucketsBySexAndCategory(t *testing.T) {
	// GIVEN: A paid consumption of 3 (H) and a recharge of 5.00
	// WHEN: Aggregating the day
	// THEN: Paid bucket = 3, H total = 3; the recharge moves no tickets

	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionConsumption,
		Detail:        "3",
		Sex:           ledger.SexMale,
		PatronID:      patronRef(1),
		Date:          "2026-03-10",
		StatusAtEvent: string(ledger.StatusPaid),
	})
	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionRecharge,
		Detail:        "+5.00 €",
		Sex:           ledger.SexMale,
		PatronID:      patronRef(1),
		Date:          "2026-03-10",
		StatusAtEvent: string(ledger.StatusPaid),
	})

	stats, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TicketsByCategory[ledger.CategoryPaid])
	assert.Equal(t, int64(3), stats.TotalBySex[ledger.SexMale])
	assert.Equal(t, int64(0), stats.TotalBySex[ledger.SexFemale])
	assert.Equal(t, int64(3), stats.TotalPassages)
}

func TestAggregate_FourBucketMapping(t *testing.T) {
	// Every stored label lands in exactly the bucket the reports expect.
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	for _, label := range []string{
		string(ledger.StatusPaid),
		string(ledger.StatusAdvance),
		string(ledger.StatusGuardianship),
		string(ledger.StatusNoCredit),
		ledger.StatusFirstTime,
	} {
		appendRaw(t, mem, ledger.Event{
			Action:        ledger.ActionConsumption,
			Detail:        "1",
			Sex:           ledger.SexMale,
			PatronID:      patronRef(1),
			Date:          "2026-03-10",
			StatusAtEvent: label,
		})
	}
	// Anonymous sales count as paid.
	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionAnonymousPaid,
		Detail:        ledger.DetailAnonymous,
		Sex:           ledger.SexFemale,
		Date:          "2026-03-10",
		StatusAtEvent: string(ledger.StatusPaid),
	})

	stats, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)

	// Payés + Pas de crédit + Anonyme all map to paid.
	assert.Equal(t, int64(3), stats.TicketsByCategory[ledger.CategoryPaid])
	assert.Equal(t, int64(1), stats.TicketsByCategory[ledger.CategoryAdvance])
	assert.Equal(t, int64(1), stats.TicketsByCategory[ledger.CategoryGuardianship])
	assert.Equal(t, int64(1), stats.TicketsByCategory[ledger.CategoryFirstTimeFree])
	assert.Equal(t, int64(6), stats.TotalPassages)
}

func TestAggregate_UnknownLabel_CountsOnlyInTotals(t *testing.T) {
	// GIVEN: A movement with a label no bucket claims
	// WHEN: Aggregating
	// THEN: Sex totals include it; no named bucket does

	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionConsumption,
		Detail:        "2",
		Sex:           ledger.SexFemale,
		PatronID:      patronRef(1),
		Date:          "2026-03-10",
		StatusAtEvent: "Ancien statut",
	})

	stats, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.TotalBySex[ledger.SexFemale])
	var bucketed int64
	for _, c := range ledger.Categories {
		bucketed += stats.TicketsByCategory[c]
	}
	assert.Equal(t, int64(0), bucketed)
}

func TestAggregate_Idempotent(t *testing.T) {
	ctx := context.Background()
	engine, reports, mem := newReportFixture(t)
	seedPatron(t, mem, 1, ledger.StatusPaid, 10)

	_, err := engine.Consume(ctx, 1, 4)
	require.NoError(t, err)

	first, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	second, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAggregate_NonNumericDetailExcluded(t *testing.T) {
	// Legacy consumption rows with free-text details move no tickets.
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionConsumption,
		Detail:        "repas offert",
		Sex:           ledger.SexMale,
		PatronID:      patronRef(1),
		Date:          "2026-03-10",
		StatusAtEvent: string(ledger.StatusPaid),
	})

	stats, err := reports.Aggregate(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalPassages)
}

// =============================================================================
// DAILY COUNTERS + RECONCILIATION TESTS
// =============================================================================

func TestDaily_CashIncludesRechargesAndAnonymousSales(t *testing.T) {
	// GIVEN: A 5.00 recharge and two anonymous paid sales at 0.50
	// WHEN: Reading the daily counters
	// THEN: Cash collected = 6.00

	ctx := context.Background()
	engine, reports, mem := newReportFixture(t)
	seedPatron(t, mem, 1, ledger.StatusPaid, 0)

	_, err := engine.Recharge(ctx, 1, ledger.MustDecimal("5.00"))
	require.NoError(t, err)
	_, err = engine.RecordWalkIn(ctx, ledger.SexMale, false)
	require.NoError(t, err)
	_, err = engine.RecordWalkIn(ctx, ledger.SexFemale, false)
	require.NoError(t, err)

	daily, err := reports.Daily(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.True(t, daily.CashCollected.Equal(ledger.MustDecimal("6.00")),
		"cash = %s", daily.CashCollected)
	assert.Equal(t, int64(2), daily.TotalPassages, "recharges are not passages")
}

func TestReconcile_CashAndTheoreticalDiverge(t *testing.T) {
	// GIVEN: A first-time free meal and an advance consumption
	// WHEN: Reconciling
	// THEN: Theoretical value counts them, cash does not; both reported

	ctx := context.Background()
	engine, reports, mem := newReportFixture(t)
	seedPatron(t, mem, 1, ledger.StatusPaid, 0)

	_, err := engine.RecordWalkIn(ctx, ledger.SexMale, true) // free
	require.NoError(t, err)
	_, err = engine.Consume(ctx, 1, 2) // advance: zero tickets on the books
	require.NoError(t, err)
	_, err = engine.Recharge(ctx, 1, ledger.MustDecimal("1.00"))
	require.NoError(t, err)

	summary, err := reports.Reconcile(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)

	assert.True(t, summary.RechargeTotal.Equal(ledger.MustDecimal("1.00")))
	assert.Equal(t, int64(0), summary.AnonymousPaidCount)
	assert.True(t, summary.CashCollected.Equal(ledger.MustDecimal("1.00")))

	// 1 free + 2 advance tickets at 0.50
	assert.True(t, summary.TheoreticalValue.Equal(ledger.MustDecimal("1.50")),
		"theoretical = %s", summary.TheoreticalValue)
	assert.False(t, summary.CashCollected.Equal(summary.TheoreticalValue),
		"divergence is expected, not an error")
}

func TestReconcile_ParsesLegacyCommaDetails(t *testing.T) {
	// Pre-migration recharge rows used a comma decimal separator.
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action:        ledger.ActionRecharge,
		Detail:        "+2,50 €",
		Sex:           ledger.SexMale,
		PatronID:      patronRef(1),
		Date:          "2026-03-10",
		StatusAtEvent: string(ledger.StatusPaid),
	})

	summary, err := reports.Reconcile(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	assert.True(t, summary.RechargeTotal.Equal(ledger.MustDecimal("2.50")))
}

// =============================================================================
// MONTHLY BREAKDOWN TESTS
// =============================================================================

func TestBreakdown_RowsByPatronAndDay(t *testing.T) {
	// GIVEN: One patron eating on the 3rd and 15th, plus anonymous sales
	// WHEN: Building the March table
	// THEN: One named row with two day cells, one "Anonymes H" row

	ctx := context.Background()
	_, reports, mem := newReportFixture(t)
	require.NoError(t, mem.SavePatron(ctx, ledger.Patron{
		ID: 1, LastName: "DURAND", FirstName: "Alice", Sex: ledger.SexFemale,
		Status: ledger.StatusPaid,
	}))

	appendRaw(t, mem, ledger.Event{
		Action: ledger.ActionConsumption, Detail: "2", Sex: ledger.SexFemale,
		PatronID: patronRef(1), Date: "2026-03-03", StatusAtEvent: string(ledger.StatusPaid),
	})
	appendRaw(t, mem, ledger.Event{
		Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexFemale,
		PatronID: patronRef(1), Date: "2026-03-15", StatusAtEvent: string(ledger.StatusPaid),
	})
	appendRaw(t, mem, ledger.Event{
		Action: ledger.ActionAnonymousPaid, Detail: ledger.DetailAnonymous,
		Sex: ledger.SexMale, Date: "2026-03-03", StatusAtEvent: string(ledger.StatusPaid),
	})

	breakdown, err := reports.Breakdown(ctx, 2026, time.March)
	require.NoError(t, err)
	require.Len(t, breakdown.Rows, 2)

	named := breakdown.Rows[0]
	assert.Equal(t, "DURAND Alice", named.Name)
	assert.Equal(t, int64(2), named.ByDay[3])
	assert.Equal(t, int64(1), named.ByDay[15])
	assert.Equal(t, int64(3), named.Total)
	assert.True(t, named.Expense.Equal(ledger.MustDecimal("1.50")))

	anon := breakdown.Rows[1]
	assert.Equal(t, "Anonymes H", anon.Name)
	assert.True(t, anon.Anonymous)
	assert.Equal(t, int64(1), anon.Total)

	assert.Equal(t, int64(3), breakdown.DayTotals[3])
	assert.Equal(t, int64(4), breakdown.TotalTickets)
	assert.True(t, breakdown.TotalExpense.Equal(ledger.MustDecimal("2.00")))
}

func TestBreakdown_FirstTimeFreeCarriesNoExpense(t *testing.T) {
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action: ledger.ActionAnonymousFirstTime, Detail: ledger.DetailAnonymous,
		Sex: ledger.SexFemale, Date: "2026-03-05", StatusAtEvent: ledger.StatusFirstTime,
	})

	breakdown, err := reports.Breakdown(ctx, 2026, time.March)
	require.NoError(t, err)
	require.Len(t, breakdown.Rows, 1)
	assert.Equal(t, ledger.CategoryFirstTimeFree, breakdown.Rows[0].Group)
	assert.True(t, breakdown.Rows[0].Expense.IsZero())
	assert.True(t, breakdown.TotalExpense.IsZero())
}

func TestBreakdown_DeletedPatronStillReported(t *testing.T) {
	// Events outlive their patron row; the report keeps the line with a
	// placeholder name.
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	appendRaw(t, mem, ledger.Event{
		Action: ledger.ActionConsumption, Detail: "2", Sex: ledger.SexMale,
		PatronID: patronRef(42), Date: "2026-03-08", StatusAtEvent: string(ledger.StatusAdvance),
	})

	breakdown, err := reports.Breakdown(ctx, 2026, time.March)
	require.NoError(t, err)
	require.Len(t, breakdown.Rows, 1)
	assert.Equal(t, "(supprimé #42)", breakdown.Rows[0].Name)
	assert.Equal(t, ledger.CategoryAdvance, breakdown.Rows[0].Group)
}

func TestBreakdown_ExcludesNeighboringMonths(t *testing.T) {
	ctx := context.Background()
	_, reports, mem := newReportFixture(t)

	for _, date := range []string{"2026-02-28", "2026-03-01", "2026-03-31", "2026-04-01"} {
		appendRaw(t, mem, ledger.Event{
			Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			PatronID: patronRef(1), Date: date, StatusAtEvent: string(ledger.StatusPaid),
		})
	}

	breakdown, err := reports.Breakdown(ctx, 2026, time.March)
	require.NoError(t, err)
	assert.Equal(t, int64(2), breakdown.TotalTickets)
	assert.Equal(t, int64(1), breakdown.DayTotals[1])
	assert.Equal(t, int64(1), breakdown.DayTotals[31])
}
