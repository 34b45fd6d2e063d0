/*
undo.go - Linear undo/redo over ledger mutations

PURPOSE:
  Two in-memory stacks of MutationRecords. No persistence across
  restarts: the ledger and event log are always the source of truth,
  undo is an ergonomic convenience, not a durability guarantee.

MODEL:
  record(r): push onto undo stack, clear redo stack
  undo():    pop -> overwrite ledger with prev state -> delete the
             events the action created -> push onto redo stack
  redo():    pop -> overwrite ledger with new state -> re-insert the
             recorded event rows verbatim (fresh ids, ids are never
             reused) -> push back onto undo stack

STATE APPLICATION:
  Undo/redo overwrite balance/ticket/status directly instead of
  replaying transitions. PRECONDITION: no concurrent mutation during
  the undo window. This holds under the single-writer model; it is an
  assumption, not something the coordinator can enforce.

FAILURE:
  A rollback that cannot be applied cleanly (events already pruned,
  patron rows in an unexpected shape) is surfaced as ErrUndoConflict.
  The record stays on its stack so the inconsistency is visible; it is
  never silently dropped.

SEE ALSO:
  - engine.go: Builds MutationRecords
  - store.go: DeleteEvents, the one sanctioned event deletion path
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MUTATION RECORD - What one undoable action did
// =============================================================================

// MutationType tags what kind of user action a record captures.
type MutationType string

const (
	MutationConsume  MutationType = "consume"
	MutationRecharge MutationType = "recharge"
	MutationCreate   MutationType = "create"
	MutationImport   MutationType = "import"
	MutationWalkIn   MutationType = "walk_in"
)

// PatronState is one side of a ledger transition. Exists=false means
// the patron had no ledger row on that side (creation undo deletes the
// row; creation redo re-inserts the full snapshot).
type PatronState struct {
	Exists bool
	Patron Patron
}

// MutationRecord captures everything needed to roll one action back
// and forward: pre/post patron state, the ids of the event rows the
// action inserted, and the exact row tuples for redo replay.
type MutationRecord struct {
	ID   string
	Type MutationType
	At   time.Time

	Prev map[int64]PatronState
	New  map[int64]PatronState

	CreatedEventIDs []int64
	EventRows       []Event
}

func newMutationRecord(t MutationType) *MutationRecord {
	return &MutationRecord{
		ID:   uuid.NewString(),
		Type: t,
		At:   time.Now(),
		Prev: make(map[int64]PatronState),
		New:  make(map[int64]PatronState),
	}
}

// snapshotBefore captures a patron's pre-mutation state. First capture
// wins so multi-step operations (imports) keep the true "before".
func (r *MutationRecord) snapshotBefore(p Patron) {
	if _, ok := r.Prev[p.ID]; !ok {
		r.Prev[p.ID] = PatronState{Exists: true, Patron: p}
	}
}

// markCreated records that the patron did not exist before the action.
func (r *MutationRecord) markCreated(id int64) {
	if _, ok := r.Prev[id]; !ok {
		r.Prev[id] = PatronState{Exists: false}
	}
}

// snapshotAfter captures a patron's post-mutation state. Last capture wins.
func (r *MutationRecord) snapshotAfter(p Patron) {
	r.New[p.ID] = PatronState{Exists: true, Patron: p}
}

func (r *MutationRecord) addEvent(ev Event) {
	r.CreatedEventIDs = append(r.CreatedEventIDs, ev.ID)
	r.EventRows = append(r.EventRows, ev)
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator owns the undo and redo stacks for one process.
type Coordinator struct {
	store TxStore

	mu   sync.Mutex
	undo []*MutationRecord
	redo []*MutationRecord
}

// NewCoordinator creates an empty coordinator over the given store.
func NewCoordinator(store TxStore) *Coordinator {
	return &Coordinator{store: store}
}

// Record pushes a completed mutation onto the undo stack and clears
// the redo stack (linear history, no branching). Nil records are
// ignored so callers can pass through failed operations unconditionally.
func (c *Coordinator) Record(r *MutationRecord) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undo = append(c.undo, r)
	c.redo = nil
}

// Depths returns the current stack depths (undo, redo).
func (c *Coordinator) Depths() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.undo), len(c.redo)
}

// Clear drops both stacks. Used when the database is swapped underneath.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undo, c.redo = nil, nil
}

// Undo rolls back the most recent recorded action: prev state is
// written over the ledger and the action's event rows are deleted, in
// one transaction. The record moves to the redo stack.
func (c *Coordinator) Undo(ctx context.Context) (*MutationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.undo) == 0 {
		return nil, ErrNothingToUndo
	}
	r := c.undo[len(c.undo)-1]

	err := c.store.WithTx(ctx, func(s Store) error {
		if err := applyState(ctx, s, r.Prev); err != nil {
			return &UndoConflictError{RecordID: r.ID, Reason: err.Error()}
		}
		deleted, err := s.DeleteEvents(ctx, r.CreatedEventIDs)
		if err != nil {
			return err
		}
		if deleted != int64(len(r.CreatedEventIDs)) {
			return &UndoConflictError{
				RecordID: r.ID,
				Reason: fmt.Sprintf("expected to delete %d events, deleted %d (pruned?)",
					len(r.CreatedEventIDs), deleted),
			}
		}
		return nil
	})
	if err != nil {
		// Record stays on the undo stack: the inconsistency must be
		// visible, not swallowed.
		return nil, err
	}

	c.undo = c.undo[:len(c.undo)-1]
	c.redo = append(c.redo, r)
	return r, nil
}

// Redo re-applies the most recently undone action: new state is written
// over the ledger and the recorded event rows are re-inserted verbatim,
// receiving fresh ids. The record moves back to the undo stack.
func (c *Coordinator) Redo(ctx context.Context) (*MutationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.redo) == 0 {
		return nil, ErrNothingToRedo
	}
	r := c.redo[len(c.redo)-1]

	var newIDs []int64
	newRows := make([]Event, 0, len(r.EventRows))

	err := c.store.WithTx(ctx, func(s Store) error {
		if err := applyState(ctx, s, r.New); err != nil {
			return &UndoConflictError{RecordID: r.ID, Reason: err.Error()}
		}
		for _, row := range r.EventRows {
			ev := row
			ev.ID = 0 // fresh auto-increment id on insert
			if err := s.AppendEvent(ctx, &ev); err != nil {
				return err
			}
			newIDs = append(newIDs, ev.ID)
			newRows = append(newRows, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The replayed rows carry new ids; a subsequent undo must delete
	// those, not the originals.
	r.CreatedEventIDs = newIDs
	r.EventRows = newRows

	c.redo = c.redo[:len(c.redo)-1]
	c.undo = append(c.undo, r)
	return r, nil
}

// applyState overwrites the ledger with one side of a transition:
// direct field writes, no re-derivation. Missing rows are re-inserted
// from the full snapshot; Exists=false deletes the row.
func applyState(ctx context.Context, s Store, states map[int64]PatronState) error {
	for id, st := range states {
		current, err := s.GetPatron(ctx, id)
		if err != nil {
			return err
		}

		if !st.Exists {
			if current == nil {
				continue
			}
			if err := s.DeletePatron(ctx, id); err != nil {
				return err
			}
			continue
		}

		if current == nil {
			if err := s.SavePatron(ctx, st.Patron); err != nil {
				return err
			}
			continue
		}

		// Only the engine-owned fields are overwritten; identity edits
		// made since the snapshot are preserved.
		current.Balance = st.Patron.Balance
		current.TicketCount = st.Patron.TicketCount
		current.Status = st.Patron.Status
		if err := s.SavePatron(ctx, *current); err != nil {
			return err
		}
	}
	return nil
}
