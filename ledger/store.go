/*
store.go - Persistence interfaces for the ledger and event log

PURPOSE:
  Defines the boundary between the domain logic and the database. Any
  relational engine with atomic multi-statement commits, auto-increment
  ids, and custom query predicates can implement it.

KEY INTERFACES:
  Store:   Patron ledger rows, event-log rows, runtime config keys
  TxStore: Transactional wrapper (atomic multi-write operations)

WRITE DISCIPLINE:
  - Patron rows are mutable; events are append-only with two narrow
    exceptions (retention pruning, undo rollback) plus the month-scoped
    guardianship retag.
  - Every engine operation runs through TxStore.WithTx so the ledger
    update and its event rows commit or fail together.

ID ALLOCATION:
  NextPatronID returns max(persisted counter, max ledger id) + 1 and
  persists the advanced counter in the same call. Ids are never reused,
  even after deleting the highest-numbered patron; gaps are permanent.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store (normalizing view, backup)
  - ledger/store: In-memory store for tests

SEE ALSO:
  - engine.go: The only writer of patron balance/tickets/status
  - store/sqlite/sqlite.go: Concrete implementation
*/
package ledger

import "context"

// =============================================================================
// RUNTIME CONFIG KEYS - Stored in the database, mutable at runtime
// =============================================================================

const (
	// ConfigTicketPrice is the unit price of one ticket, as a decimal string.
	ConfigTicketPrice = "TICKET_PRICE"

	// ConfigLastReset is the YYYY-MM of the last monthly guardianship reset.
	ConfigLastReset = "LAST_RESET"

	// ConfigLastUsedID is the high-water mark of allocated patron ids.
	ConfigLastUsedID = "LAST_USED_ID"

	// ConfigAutoCleanEnabled toggles retention pruning ("1"/"0").
	ConfigAutoCleanEnabled = "AUTO_CLEAN_ENABLED"
)

// =============================================================================
// STORE - Ledger + event log + config persistence
// =============================================================================

// Store handles persistence of patrons, events, and runtime config.
// Date arguments are inclusive YYYY-MM-DD strings, matching the stored
// event_date column.
type Store interface {
	// GetPatron returns the patron or (nil, nil) if absent.
	GetPatron(ctx context.Context, id int64) (*Patron, error)

	// FindPatron looks a patron up by exact (last name, first name).
	// Returns (nil, nil) if absent.
	FindPatron(ctx context.Context, lastName, firstName string) (*Patron, error)

	// ListPatrons returns all ledger rows ordered by last name, first name.
	ListPatrons(ctx context.Context) ([]Patron, error)

	// SavePatron inserts or fully replaces the row keyed by Patron.ID.
	SavePatron(ctx context.Context, p Patron) error

	// DeletePatron removes the ledger row only. Event rows referencing
	// the id remain, orphaned, preserving the audit trail.
	DeletePatron(ctx context.Context, id int64) error

	// NextPatronID allocates the next id and persists the advanced counter.
	NextPatronID(ctx context.Context) (int64, error)

	// AppendEvent inserts an event row, stamping Date/Time if unset and
	// filling e.ID with the assigned auto-increment id.
	AppendEvent(ctx context.Context, e *Event) error

	// DeleteEvents removes the given event rows (undo rollback only).
	// Returns the number actually deleted.
	DeleteEvents(ctx context.Context, ids []int64) (int64, error)

	// EventsForPatron returns all events of one patron, oldest first.
	EventsForPatron(ctx context.Context, patronID int64) ([]Event, error)

	// EventsRange returns all events with event_date in [from, to],
	// ordered by id.
	EventsRange(ctx context.Context, from, to string) ([]Event, error)

	// Movements returns the normalized ticket movements in [from, to]:
	// events filtered to movement actions, with detail converted to a
	// signed quantity (1 for walk-ins).
	Movements(ctx context.Context, from, to string) ([]Movement, error)

	// GetConfig returns the value for key, or "" if unset.
	GetConfig(ctx context.Context, key string) (string, error)

	// SetConfig upserts a config key.
	SetConfig(ctx context.Context, key, value string) error

	// RetagAdvanceEvents rewrites status_at_event from Advance to
	// Guardianship for events of the given patrons whose event_date
	// starts with monthPrefix (YYYY-MM). Returns rows changed.
	RetagAdvanceEvents(ctx context.Context, patronIDs []int64, monthPrefix string) (int64, error)

	// PruneEventsBefore deletes events with event_date < cutoff.
	// Returns rows deleted.
	PruneEventsBefore(ctx context.Context, cutoff string) (int64, error)
}

// TxStore wraps Store with transaction support. If fn returns an error
// the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// MOVEMENT - Normalized view row consumed by the report aggregator
// =============================================================================

// Movement is one row of the normalizing view over the event log: a
// ticket movement with its quantity extracted. Consumption rows carry
// the signed integer parsed from detail; anonymous walk-ins count as
// one ticket each.
type Movement struct {
	EventID       int64
	Action        Action
	Sex           Sex
	PatronID      *int64
	Date          string
	StatusAtEvent string
	Quantity      int64
}

// IsMovementAction reports whether an action represents a ticket
// movement. Shared by the in-memory store and tests; the SQLite store
// encodes the same filter in its view definition.
func IsMovementAction(a Action) bool {
	return a == ActionConsumption || a == ActionAnonymousPaid || a == ActionAnonymousFirstTime
}
