/*
engine.go - Consumption, recharge, and patron lifecycle mutations

PURPOSE:
  The Engine is the ONLY writer of patron balance/ticket/status fields.
  Every operation runs inside one store transaction: the ledger update
  and the event rows it produces commit together or not at all.

CATEGORY TIE-BREAK (the central rule):
  Consuming num tickets with current count cur:
    Guardianship -> one event, full num, Guardianship category
    NoCredit     -> one event, full num, NoCredit category
                    (rejected up front if cur - num < 0)
    Paid/Advance -> if cur > 0: paid = min(num, cur), advance = num - paid;
                    one Paid event, plus an Advance event iff advance > 0
                    (a single consumption split across the zero crossing)
                    else: one Advance event for the full num
  One event row per category, NOT per ticket. New status follows the
  zero-crossing rule on the new count.

RECHARGE:
  new_balance = old + amount; new count = round(new_balance / price).
  The status flip is evaluated against the balance sign (count and
  balance agree by construction). The emitted event records the status
  BEFORE the recharge, same attribution convention as consumption.

UNDO RECORDS:
  Every undoable operation returns a MutationRecord capturing pre/post
  patron state and the created event rows. The caller hands it to the
  Coordinator; the Engine itself knows nothing about stacks.

SEE ALSO:
  - undo.go: MutationRecord and the Coordinator
  - types.go: NextStatus, BalanceFor, TicketsFor
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Engine executes ledger-mutating operations against a TxStore.
type Engine struct {
	store        TxStore
	defaultPrice decimal.Decimal

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewEngine creates an engine. defaultPrice is used when the store has
// no TICKET_PRICE config row yet.
func NewEngine(store TxStore, defaultPrice decimal.Decimal) *Engine {
	return &Engine{
		store:        store,
		defaultPrice: defaultPrice,
		now:          time.Now,
	}
}

// WithClock overrides the engine clock. For tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store exposes the underlying store for read paths.
func (e *Engine) Store() TxStore { return e.store }

// UnitPrice returns the configured unit price, falling back to the
// engine default when the config row is absent or unparsable.
func (e *Engine) UnitPrice(ctx context.Context) (decimal.Decimal, error) {
	return e.unitPrice(ctx, e.store)
}

func (e *Engine) unitPrice(ctx context.Context, s Store) (decimal.Decimal, error) {
	raw, err := s.GetConfig(ctx, ConfigTicketPrice)
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return e.defaultPrice, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return e.defaultPrice, nil
	}
	return price, nil
}

func (e *Engine) today() string   { return e.now().Format("2006-01-02") }
func (e *Engine) timeNow() string { return e.now().Format("15:04:05") }

func (e *Engine) stamp(ev *Event) {
	if ev.Date == "" {
		ev.Date = e.today()
	}
	if ev.Time == "" {
		ev.Time = e.timeNow()
	}
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// consumptionPart is one (quantity, category label) slice of a consumption.
type consumptionPart struct {
	Quantity int64
	Label    string
}

// splitConsumption applies the category tie-break to a consumption of
// quantity tickets from a patron. Pure; shared with tests.
func splitConsumption(status Status, current, quantity int64) []consumptionPart {
	switch status {
	case StatusGuardianship:
		return []consumptionPart{{quantity, string(StatusGuardianship)}}
	case StatusNoCredit:
		return []consumptionPart{{quantity, string(StatusNoCredit)}}
	}

	if current > 0 {
		paid := quantity
		if current < quantity {
			paid = current
		}
		parts := []consumptionPart{{paid, string(StatusPaid)}}
		if advance := quantity - paid; advance > 0 {
			parts = append(parts, consumptionPart{advance, string(StatusAdvance)})
		}
		return parts
	}
	return []consumptionPart{{quantity, string(StatusAdvance)}}
}

// Consume debits quantity tickets from a patron, emitting one event row
// per category slice and updating the ledger row, all in one transaction.
func (e *Engine) Consume(ctx context.Context, patronID, quantity int64) (*MutationRecord, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("consume %d: %w", quantity, ErrInvalidQuantity)
	}

	record := newMutationRecord(MutationConsume)

	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPatron(ctx, patronID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("patron %d: %w", patronID, ErrPatronNotFound)
		}

		if p.Status == StatusNoCredit && p.TicketCount-quantity < 0 {
			return &InsufficientBalanceError{
				PatronID:  patronID,
				Available: p.TicketCount,
				Requested: quantity,
				Shortfall: quantity - p.TicketCount,
			}
		}

		price, err := e.unitPrice(ctx, s)
		if err != nil {
			return err
		}

		record.snapshotBefore(*p)

		for _, part := range splitConsumption(p.Status, p.TicketCount, quantity) {
			ev := Event{
				Action:        ActionConsumption,
				Detail:        FormatInt(part.Quantity),
				Sex:           p.Sex,
				PatronID:      &p.ID,
				StatusAtEvent: part.Label,
			}
			e.stamp(&ev)
			if err := s.AppendEvent(ctx, &ev); err != nil {
				return err
			}
			record.addEvent(ev)
		}

		p.TicketCount -= quantity
		p.Status = NextStatus(p.Status, p.TicketCount)
		p.Balance = BalanceFor(p.TicketCount, price)
		p.LastVisit = e.today()
		if err := s.SavePatron(ctx, *p); err != nil {
			return err
		}

		record.snapshotAfter(*p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// =============================================================================
// RECHARGE
// =============================================================================

// Recharge credits a monetary amount to a patron. A zero amount is
// legal (a no-op button press) and still logged. The ticket count is
// re-derived from the new balance by rounding.
func (e *Engine) Recharge(ctx context.Context, patronID int64, amount decimal.Decimal) (*MutationRecord, error) {
	if amount.IsNegative() {
		return nil, &InvalidAmountError{Amount: amount}
	}

	record := newMutationRecord(MutationRecharge)

	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPatron(ctx, patronID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("patron %d: %w", patronID, ErrPatronNotFound)
		}

		price, err := e.unitPrice(ctx, s)
		if err != nil {
			return err
		}

		record.snapshotBefore(*p)
		statusBefore := p.Status

		p.Balance = p.Balance.Add(amount)
		p.TicketCount = TicketsFor(p.Balance, price)
		p.Status = statusAfterRecharge(p.Status, p.Balance)

		ev := Event{
			Action:        ActionRecharge,
			Detail:        FormatRechargeDetail(amount),
			Sex:           p.Sex,
			PatronID:      &p.ID,
			StatusAtEvent: string(statusBefore),
		}
		e.stamp(&ev)
		if err := s.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		record.addEvent(ev)

		if err := s.SavePatron(ctx, *p); err != nil {
			return err
		}
		record.snapshotAfter(*p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// statusAfterRecharge is the zero-crossing rule evaluated on the
// balance sign rather than the ticket count (they agree by construction).
func statusAfterRecharge(current Status, balance decimal.Decimal) Status {
	if current != StatusPaid && current != StatusAdvance {
		return current
	}
	switch {
	case balance.IsNegative():
		return StatusAdvance
	case balance.IsPositive():
		return StatusPaid
	default:
		return current
	}
}

// =============================================================================
// PATRON LIFECYCLE
// =============================================================================

// NewPatron carries the fields of a patron being created.
type NewPatron struct {
	LastName       string
	FirstName      string
	Sex            Sex
	Status         Status
	InitialTickets int64 // may be negative for Advance/Guardianship accounts
	Comment        string
}

// CreatePatron allocates a fresh id, inserts the ledger row, and logs
// the creation plus the initial balance, all in one transaction.
// Rejects exact (last name, first name) duplicates.
func (e *Engine) CreatePatron(ctx context.Context, np NewPatron) (*MutationRecord, error) {
	if np.LastName == "" {
		return nil, fmt.Errorf("create patron: last name required: %w", ErrInvalidPatron)
	}
	if !ValidStatus(np.Status) {
		np.Status = StatusPaid
	}

	record := newMutationRecord(MutationCreate)

	err := e.store.WithTx(ctx, func(s Store) error {
		existing, err := s.FindPatron(ctx, np.LastName, np.FirstName)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicatePatronError{
				LastName:   np.LastName,
				FirstName:  np.FirstName,
				ExistingID: existing.ID,
			}
		}

		id, err := s.NextPatronID(ctx)
		if err != nil {
			return err
		}
		price, err := e.unitPrice(ctx, s)
		if err != nil {
			return err
		}

		p := Patron{
			ID:          id,
			LastName:    np.LastName,
			FirstName:   np.FirstName,
			Sex:         np.Sex,
			Status:      np.Status,
			TicketCount: np.InitialTickets,
			Balance:     BalanceFor(np.InitialTickets, price),
			Comment:     np.Comment,
		}
		record.markCreated(id)

		if err := s.SavePatron(ctx, p); err != nil {
			return err
		}

		for _, ev := range []Event{
			{
				Action:        ActionCreation,
				Detail:        strings.TrimSpace(np.LastName + " " + np.FirstName),
				Sex:           p.Sex,
				PatronID:      &p.ID,
				StatusAtEvent: string(p.Status),
			},
			{
				Action:        ActionInitialization,
				Detail:        FormatInt(np.InitialTickets) + " tickets",
				Sex:           p.Sex,
				PatronID:      &p.ID,
				StatusAtEvent: string(p.Status),
			},
		} {
			e.stamp(&ev)
			if err := s.AppendEvent(ctx, &ev); err != nil {
				return err
			}
			record.addEvent(ev)
		}

		record.snapshotAfter(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// PatronEdit carries the identity fields an edit may change. Balance,
// ticket count, and last visit are engine-owned and not editable here.
type PatronEdit struct {
	LastName  string
	FirstName string
	Sex       Sex
	Status    Status
	Comment   string
}

// UpdatePatron applies an identity edit and logs it. Edits are not
// undoable: only ticket-moving actions enter the undo history.
func (e *Engine) UpdatePatron(ctx context.Context, id int64, edit PatronEdit) error {
	if !ValidStatus(edit.Status) {
		return fmt.Errorf("update patron %d: unknown status %q: %w", id, edit.Status, ErrInvalidPatron)
	}

	return e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPatron(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("patron %d: %w", id, ErrPatronNotFound)
		}

		p.LastName = edit.LastName
		p.FirstName = edit.FirstName
		p.Sex = edit.Sex
		p.Status = edit.Status
		p.Comment = edit.Comment

		if err := s.SavePatron(ctx, *p); err != nil {
			return err
		}

		ev := Event{
			Action:        ActionEdit,
			Detail:        strings.TrimSpace(p.LastName + " " + p.FirstName),
			Sex:           p.Sex,
			PatronID:      &p.ID,
			StatusAtEvent: string(p.Status),
		}
		e.stamp(&ev)
		return s.AppendEvent(ctx, &ev)
	})
}

// DeletePatron removes the ledger row. The patron's events remain,
// orphaned, so historical reports are unaffected. Not undoable.
func (e *Engine) DeletePatron(ctx context.Context, id int64) error {
	return e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPatron(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("patron %d: %w", id, ErrPatronNotFound)
		}
		return s.DeletePatron(ctx, id)
	})
}

// =============================================================================
// ANONYMOUS WALK-INS
// =============================================================================

// RecordWalkIn logs an anonymous ticket sale (or first-time-free meal)
// with no ledger row involved. Undoable like any ticket movement.
func (e *Engine) RecordWalkIn(ctx context.Context, sex Sex, firstTime bool) (*MutationRecord, error) {
	action, status := ActionAnonymousPaid, string(StatusPaid)
	if firstTime {
		action, status = ActionAnonymousFirstTime, StatusFirstTime
	}

	record := newMutationRecord(MutationWalkIn)

	err := e.store.WithTx(ctx, func(s Store) error {
		ev := Event{
			Action:        action,
			Detail:        DetailAnonymous,
			Sex:           sex,
			StatusAtEvent: status,
		}
		e.stamp(&ev)
		if err := s.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		record.addEvent(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
