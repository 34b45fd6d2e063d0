package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/canteen-ledger/ledger"
	"github.com/warp/canteen-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func patron(id int64, lastName string, status ledger.Status, tickets int64) ledger.Patron {
	return ledger.Patron{
		ID:          id,
		LastName:    lastName,
		FirstName:   "Test",
		Sex:         ledger.SexMale,
		Status:      status,
		TicketCount: tickets,
		Balance:     ledger.BalanceFor(tickets, ledger.MustDecimal("0.5")),
	}
}

// =============================================================================
// PATRON CRUD TESTS
// =============================================================================

func TestStore_SaveAndGetPatron(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p := ledger.Patron{
		ID: 1, LastName: "DURAND", FirstName: "Alice", Sex: ledger.SexFemale,
		Status: ledger.StatusPaid, TicketCount: 7,
		Balance: ledger.MustDecimal("3.50"), LastVisit: "2026-03-01",
		Comment: "dossier complet",
	}
	require.NoError(t, store.SavePatron(ctx, p))

	got, err := store.GetPatron(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "DURAND", got.LastName)
	assert.Equal(t, ledger.SexFemale, got.Sex)
	assert.Equal(t, int64(7), got.TicketCount)
	assert.True(t, got.Balance.Equal(ledger.MustDecimal("3.50")), "balance = %s", got.Balance)
	assert.Equal(t, "2026-03-01", got.LastVisit)
	assert.Equal(t, "dossier complet", got.Comment)
}

func TestStore_GetPatron_MissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.GetPatron(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SavePatron_Upserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SavePatron(ctx, patron(1, "DURAND", ledger.StatusPaid, 5)))

	updated := patron(1, "DURAND", ledger.StatusAdvance, -2)
	require.NoError(t, store.SavePatron(ctx, updated))

	got, err := store.GetPatron(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), got.TicketCount)
	assert.Equal(t, ledger.StatusAdvance, got.Status)

	all, err := store.ListPatrons(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "save of an existing id must not duplicate the row")
}

func TestStore_FindPatron_ByFullName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SavePatron(ctx, patron(1, "DURAND", ledger.StatusPaid, 5)))

	got, err := store.FindPatron(ctx, "DURAND", "Test")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.ID)

	missing, err := store.FindPatron(ctx, "DURAND", "Autre")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// ID ALLOCATION TESTS
// =============================================================================

func TestStore_NextPatronID_NeverReusesAfterDeletion(t *testing.T) {
	// GIVEN: Ids 1..3 allocated and the highest patron deleted
	// WHEN: Allocating the next id
	// THEN: 4, not 3 again

	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		id, err := store.NextPatronID(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SavePatron(ctx, patron(id, "P", ledger.StatusPaid, 0)))
	}
	require.NoError(t, store.DeletePatron(ctx, 3))

	next, err := store.NextPatronID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}

func TestStore_NextPatronID_CatchesUpWithManualRows(t *testing.T) {
	// Rows inserted with explicit ids (imports) advance the allocator.
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SavePatron(ctx, patron(41, "P", ledger.StatusPaid, 0)))

	next, err := store.NextPatronID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), next)
}

// =============================================================================
// EVENT LOG TESTS
// =============================================================================

func TestStore_AppendEvent_AssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id := int64(1)
	first := ledger.Event{
		Action: ledger.ActionConsumption, Detail: "2", Sex: ledger.SexMale,
		PatronID: &id, Date: "2026-03-10", Time: "12:00:00",
		StatusAtEvent: string(ledger.StatusPaid),
	}
	require.NoError(t, store.AppendEvent(ctx, &first))
	second := ledger.Event{
		Action: ledger.ActionRecharge, Detail: "+5.00 €", Sex: ledger.SexMale,
		PatronID: &id, Date: "2026-03-10", Time: "12:01:00",
		StatusAtEvent: string(ledger.StatusPaid),
	}
	require.NoError(t, store.AppendEvent(ctx, &second))

	assert.Greater(t, second.ID, first.ID)

	events, err := store.EventsForPatron(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].Detail)
	assert.Equal(t, "+5.00 €", events[1].Detail)
}

func TestStore_AppendEvent_StampsMissingDateAndTime(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ev := ledger.Event{Action: ledger.ActionAnonymousPaid, Detail: ledger.DetailAnonymous, Sex: ledger.SexFemale}
	require.NoError(t, store.AppendEvent(ctx, &ev))
	assert.NotEmpty(t, ev.Date)
	assert.NotEmpty(t, ev.Time)
}

func TestStore_DeleteEvents_ReportsCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		ev := ledger.Event{
			Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			Date: "2026-03-10", Time: "12:00:00", StatusAtEvent: string(ledger.StatusPaid),
		}
		require.NoError(t, store.AppendEvent(ctx, &ev))
		ids = append(ids, ev.ID)
	}

	deleted, err := store.DeleteEvents(ctx, ids[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Already deleted: count reflects reality, callers detect the drift.
	deleted, err = store.DeleteEvents(ctx, ids[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

// =============================================================================
// MOVEMENT VIEW TESTS
// =============================================================================

func TestStore_Movements_NormalizesTheEventLog(t *testing.T) {
	// GIVEN: A numeric consumption, a legacy free-text consumption,
	//        a recharge, and an anonymous sale
	// WHEN: Reading the movement view
	// THEN: Only ticket-moving rows appear, walk-ins count as 1

	ctx := context.Background()
	store := newTestStore(t)
	id := int64(1)

	for _, ev := range []ledger.Event{
		{Action: ledger.ActionConsumption, Detail: "3", Sex: ledger.SexMale,
			PatronID: &id, Date: "2026-03-10", Time: "12:00:00",
			StatusAtEvent: string(ledger.StatusPaid)},
		{Action: ledger.ActionConsumption, Detail: "repas offert", Sex: ledger.SexMale,
			PatronID: &id, Date: "2026-03-10", Time: "12:01:00",
			StatusAtEvent: string(ledger.StatusPaid)},
		{Action: ledger.ActionRecharge, Detail: "+5.00 €", Sex: ledger.SexMale,
			PatronID: &id, Date: "2026-03-10", Time: "12:02:00",
			StatusAtEvent: string(ledger.StatusPaid)},
		{Action: ledger.ActionAnonymousFirstTime, Detail: ledger.DetailAnonymous,
			Sex: ledger.SexFemale, Date: "2026-03-10", Time: "12:03:00",
			StatusAtEvent: ledger.StatusFirstTime},
	} {
		e := ev
		require.NoError(t, store.AppendEvent(ctx, &e))
	}

	moves, err := store.Movements(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	require.Len(t, moves, 2)

	assert.Equal(t, int64(3), moves[0].Quantity)
	assert.Equal(t, string(ledger.StatusPaid), moves[0].StatusAtEvent)

	assert.Equal(t, int64(1), moves[1].Quantity)
	assert.Nil(t, moves[1].PatronID)
	assert.Equal(t, ledger.StatusFirstTime, moves[1].StatusAtEvent)
}

func TestStore_Movements_FiltersByDate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, date := range []string{"2026-03-09", "2026-03-10", "2026-03-11"} {
		ev := ledger.Event{
			Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			Date: date, Time: "12:00:00", StatusAtEvent: string(ledger.StatusPaid),
		}
		require.NoError(t, store.AppendEvent(ctx, &ev))
	}

	moves, err := store.Movements(ctx, "2026-03-10", "2026-03-10")
	require.NoError(t, err)
	assert.Len(t, moves, 1)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A tx that saves a patron, appends an event, then fails
	// WHEN: The tx returns an error
	// THEN: Nothing is visible afterwards

	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SavePatron(ctx, patron(1, "DURAND", ledger.StatusPaid, 5)); err != nil {
			return err
		}
		id := int64(1)
		ev := ledger.Event{
			Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			PatronID: &id, Date: "2026-03-10", Time: "12:00:00",
			StatusAtEvent: string(ledger.StatusPaid),
		}
		if err := s.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := store.GetPatron(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, p)

	events, err := store.EventsForPatron(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, func(s ledger.Store) error {
		id, err := s.NextPatronID(ctx)
		if err != nil {
			return err
		}
		return s.SavePatron(ctx, patron(id, "DURAND", ledger.StatusPaid, 5))
	})
	require.NoError(t, err)

	p, err := store.GetPatron(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "DURAND", p.LastName)
}

// =============================================================================
// CONFIG + MAINTENANCE TESTS
// =============================================================================

func TestStore_Config_SeededAndWritable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	price, err := store.GetConfig(ctx, ledger.ConfigTicketPrice)
	require.NoError(t, err)
	assert.Equal(t, "0.5", price)

	require.NoError(t, store.SetConfig(ctx, ledger.ConfigTicketPrice, "0.75"))
	price, err = store.GetConfig(ctx, ledger.ConfigTicketPrice)
	require.NoError(t, err)
	assert.Equal(t, "0.75", price)

	missing, err := store.GetConfig(ctx, "NO_SUCH_KEY")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

func TestStore_RetagAdvanceEvents_ScopedByMonthAndPatron(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sponsored, other := int64(1), int64(2)

	for _, ev := range []ledger.Event{
		{Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			PatronID: &sponsored, Date: "2026-03-05", Time: "12:00:00",
			StatusAtEvent: string(ledger.StatusAdvance)},
		{Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			PatronID: &sponsored, Date: "2026-02-20", Time: "12:00:00",
			StatusAtEvent: string(ledger.StatusAdvance)},
		{Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			PatronID: &other, Date: "2026-03-05", Time: "12:00:00",
			StatusAtEvent: string(ledger.StatusAdvance)},
	} {
		e := ev
		require.NoError(t, store.AppendEvent(ctx, &e))
	}

	changed, err := store.RetagAdvanceEvents(ctx, []int64{sponsored}, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	events, err := store.EventsForPatron(ctx, sponsored)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(ledger.StatusGuardianship), events[0].StatusAtEvent)
	assert.Equal(t, string(ledger.StatusAdvance), events[1].StatusAtEvent)
}

func TestStore_PruneEventsBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, date := range []string{"2023-01-01", "2026-03-10"} {
		ev := ledger.Event{
			Action: ledger.ActionConsumption, Detail: "1", Sex: ledger.SexMale,
			Date: date, Time: "12:00:00", StatusAtEvent: string(ledger.StatusPaid),
		}
		require.NoError(t, store.AppendEvent(ctx, &ev))
	}

	pruned, err := store.PruneEventsBefore(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	remaining, err := store.EventsRange(ctx, "2000-01-01", "2099-12-31")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

// =============================================================================
// BACKUP TESTS
// =============================================================================

func TestStore_Backup_ProducesOpenableCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.New(filepath.Join(dir, "canteen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SavePatron(ctx, patron(1, "DURAND", ledger.StatusPaid, 5)))

	dest := filepath.Join(dir, "backup.db")
	require.NoError(t, store.Backup(ctx, dest))

	restored, err := sqlite.New(dest)
	require.NoError(t, err)
	t.Cleanup(func() { restored.Close() })

	p, err := restored.GetPatron(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "DURAND", p.LastName)
}
