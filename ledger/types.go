/*
Package ledger provides the core meal-ticket accounting engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking
  meal-ticket balances at a social restaurant: patrons, their mutable
  ledger rows, the append-only event log, consumption/recharge rules,
  the undo/redo coordinator, and report aggregation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Patron: A mutable ledger row (current balance, ticket count, status)
  - Event: An immutable event-log entry recording what happened and when
  - Status: The payment regime a patron is in (paid, advance, ...)
  - Action: The kind of event recorded (consumption, recharge, ...)

DESIGN PRINCIPLES:
  1. Two aggregates: the mutable ledger and the append-only event log,
     always written together in one transaction
  2. Precision: decimal.Decimal for money, never float64
  3. The event log is the source of truth for reporting; the ledger is
     the source of truth for "current" state
  4. Stored labels keep the historical French wording so existing data
     and the reporting view stay compatible

STATUS MODEL:
  Paid and Advance flip automatically when the ticket count crosses
  zero (see NextStatus). Guardianship and NoCredit are sticky: they
  never flip on their own, only through an explicit edit.

USAGE:
  p := ledger.Patron{LastName: "Martin", Sex: ledger.SexMale,
      Status: ledger.StatusPaid, TicketCount: 3}
  p.Balance = ledger.BalanceFor(p.TicketCount, unitPrice)

SEE ALSO:
  - engine.go: Consumption/recharge mutation rules
  - category.go: Event-to-reporting-bucket mapping
  - store.go: Persistence interfaces
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - Payment regime of a patron
// =============================================================================

// Status is the payment regime a patron is currently in. The string
// values are the labels stored in the database and in every event's
// status_at_event column; they are kept in the original French so the
// event log remains readable alongside legacy data.
type Status string

const (
	// StatusPaid: the patron pays for tickets and has a non-negative count.
	StatusPaid Status = "Payés"

	// StatusAdvance: the patron is consuming on credit (negative count).
	StatusAdvance Status = "Avances"

	// StatusGuardianship: tickets are sponsored by a guardianship body.
	// Sticky: never flips on zero crossing.
	StatusGuardianship Status = "Tutelles"

	// StatusNoCredit: the patron may never go below zero tickets.
	// Sticky: never flips on zero crossing.
	StatusNoCredit Status = "Pas de crédit"
)

// ValidStatus reports whether s is one of the four patron statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPaid, StatusAdvance, StatusGuardianship, StatusNoCredit:
		return true
	}
	return false
}

// NextStatus applies the zero-crossing rule: Paid/Advance flip with the
// sign of the ticket count, a count of exactly zero keeps the prior
// side, and sticky statuses are returned unchanged.
func NextStatus(current Status, ticketCount int64) Status {
	if current != StatusPaid && current != StatusAdvance {
		return current
	}
	switch {
	case ticketCount < 0:
		return StatusAdvance
	case ticketCount > 0:
		return StatusPaid
	default:
		return current
	}
}

// =============================================================================
// SEX - Used for attendance grouping in reports
// =============================================================================

type Sex string

const (
	SexMale   Sex = "H"
	SexFemale Sex = "F"
)

// =============================================================================
// ACTION - Kind of event recorded in the log
// =============================================================================

// Action tags an event-log row. Like Status, the values are the stored
// labels. The three movement actions (consumption and the two anonymous
// walk-ins) are the only ones counted as ticket movements by reports.
type Action string

const (
	ActionConsumption        Action = "Consommation ticket(s)"
	ActionRecharge           Action = "Recharge Compte"
	ActionCreation           Action = "Création usager"
	ActionInitialization     Action = "Initialisation"
	ActionEdit               Action = "Modification usager"
	ActionImportCreation     Action = "Import (Création)"
	ActionAnonymousPaid      Action = "PAYE"
	ActionAnonymousFirstTime Action = "1ERE_FOIS"
	ActionMonthlyReset       Action = "RAZ Mensuel"
)

// ImportAddAction builds the action label for a mass-import line that
// topped up an existing patron.
func ImportAddAction(tickets int64) Action {
	return Action("Import (Ajout " + FormatInt(tickets) + ")")
}

// DetailAnonymous is the detail payload of anonymous walk-in events.
const DetailAnonymous = "Anonyme"

// StatusFirstTime is recorded as status_at_event on anonymous
// first-time-free walk-ins. It is not a patron status.
const StatusFirstTime = "1ère fois"

// =============================================================================
// PATRON - Mutable ledger row
// =============================================================================

// Patron is a row of the mutable ledger. Balance and TicketCount are
// both persisted for query convenience but the engine is their only
// writer and keeps Balance == TicketCount * unit price in the same
// transaction as every mutation.
type Patron struct {
	ID          int64
	LastName    string
	FirstName   string
	Sex         Sex
	Status      Status
	Balance     decimal.Decimal
	TicketCount int64
	LastVisit   string // YYYY-MM-DD, empty until first consumption
	Comment     string
}

// BalanceFor derives the canonical balance for a ticket count.
func BalanceFor(ticketCount int64, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(ticketCount))
}

// TicketsFor derives the ticket count for a balance, rounding to the
// nearest whole ticket. Lossy but canonical: ticket counts are integers,
// balances are continuous currency.
func TicketsFor(balance, unitPrice decimal.Decimal) int64 {
	if unitPrice.IsZero() {
		return 0
	}
	return balance.Div(unitPrice).Round(0).IntPart()
}

// =============================================================================
// EVENT - Append-only event-log row
// =============================================================================

// Event is a row of the append-only event log. ID is assigned by the
// store on insert and is the only true ordering key; ids are never
// reused, even across undo/redo replay.
//
// Events are never mutated except by the month-scoped guardianship
// backfill (see Maintenance), and never deleted except by retention
// pruning or by Undo of the action that created them.
type Event struct {
	ID            int64
	Action        Action
	Detail        string // signed quantity for consumption, formatted amount for recharge
	Sex           Sex
	PatronID      *int64 // nil for anonymous walk-ins
	Date          string // YYYY-MM-DD
	Time          string // HH:MM:SS, captured at insert
	StatusAtEvent string // category label valid at the moment of the event
}

// =============================================================================
// SMALL FORMAT HELPERS
// =============================================================================

// FormatInt renders a signed integer the way the event log stores
// quantities (base 10, leading '-' only).
func FormatInt(n int64) string {
	return decimal.NewFromInt(n).String()
}

// FormatRechargeDetail renders a recharge amount as stored in the event
// detail column, e.g. "+5.00 €".
func FormatRechargeDetail(amount decimal.Decimal) string {
	return "+" + amount.StringFixed(2) + " €"
}

// MustDecimal parses a decimal literal, returning zero on failure.
// For constants in code and tests, not for user input.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
