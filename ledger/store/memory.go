// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/canteen-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	patrons     map[int64]ledger.Patron
	events      []ledger.Event
	nextEventID int64
	config      map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		patrons:     make(map[int64]ledger.Patron),
		nextEventID: 1,
		config:      make(map[string]string),
	}
}

// ---- Patrons ----

func (m *Memory) GetPatron(_ context.Context, id int64) (*ledger.Patron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPatronLocked(id), nil
}

func (m *Memory) getPatronLocked(id int64) *ledger.Patron {
	p, ok := m.patrons[id]
	if !ok {
		return nil
	}
	cp := p
	return &cp
}

func (m *Memory) FindPatron(_ context.Context, lastName, firstName string) (*ledger.Patron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPatronLocked(lastName, firstName), nil
}

func (m *Memory) findPatronLocked(lastName, firstName string) *ledger.Patron {
	for _, p := range m.patrons {
		if p.LastName == lastName && p.FirstName == firstName {
			cp := p
			return &cp
		}
	}
	return nil
}

func (m *Memory) ListPatrons(_ context.Context) ([]ledger.Patron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPatronsLocked(), nil
}

func (m *Memory) listPatronsLocked() []ledger.Patron {
	out := make([]ledger.Patron, 0, len(m.patrons))
	for _, p := range m.patrons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out
}

func (m *Memory) SavePatron(_ context.Context, p ledger.Patron) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patrons[p.ID] = p
	return nil
}

func (m *Memory) DeletePatron(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patrons, id)
	return nil
}

func (m *Memory) NextPatronID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPatronIDLocked(), nil
}

func (m *Memory) nextPatronIDLocked() int64 {
	var high int64
	if raw := m.config[ledger.ConfigLastUsedID]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			high = n
		}
	}
	for id := range m.patrons {
		if id > high {
			high = id
		}
	}
	next := high + 1
	m.config[ledger.ConfigLastUsedID] = strconv.FormatInt(next, 10)
	return next
}

// ---- Events ----

func (m *Memory) AppendEvent(_ context.Context, e *ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(e)
	return nil
}

func (m *Memory) appendEventLocked(e *ledger.Event) {
	now := time.Now()
	if e.Date == "" {
		e.Date = now.Format("2006-01-02")
	}
	if e.Time == "" {
		e.Time = now.Format("15:04:05")
	}
	e.ID = m.nextEventID
	m.nextEventID++
	m.events = append(m.events, *e)
}

func (m *Memory) DeleteEvents(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEventsLocked(ids), nil
}

func (m *Memory) deleteEventsLocked(ids []int64) int64 {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []ledger.Event
	var deleted int64
	for _, ev := range m.events {
		if drop[ev.ID] {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted
}

func (m *Memory) EventsForPatron(_ context.Context, patronID int64) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Event
	for _, ev := range m.events {
		if ev.PatronID != nil && *ev.PatronID == patronID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) EventsRange(_ context.Context, from, to string) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsRangeLocked(from, to), nil
}

func (m *Memory) eventsRangeLocked(from, to string) []ledger.Event {
	var out []ledger.Event
	for _, ev := range m.events {
		if ev.Date >= from && ev.Date <= to {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) Movements(_ context.Context, from, to string) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.movementsLocked(from, to), nil
}

// movementsLocked mirrors the SQLite normalizing view: movement actions
// only, detail parsed to a signed quantity for consumption rows, 1 for
// walk-ins. Consumption rows with a non-numeric detail are excluded.
func (m *Memory) movementsLocked(from, to string) []ledger.Movement {
	var out []ledger.Movement
	for _, ev := range m.eventsRangeLocked(from, to) {
		if !ledger.IsMovementAction(ev.Action) {
			continue
		}
		qty := int64(1)
		if ev.Action == ledger.ActionConsumption {
			n, err := strconv.ParseInt(strings.TrimSpace(ev.Detail), 10, 64)
			if err != nil {
				continue
			}
			qty = n
		}
		out = append(out, ledger.Movement{
			EventID:       ev.ID,
			Action:        ev.Action,
			Sex:           ev.Sex,
			PatronID:      ev.PatronID,
			Date:          ev.Date,
			StatusAtEvent: ev.StatusAtEvent,
			Quantity:      qty,
		})
	}
	return out
}

// ---- Config ----

func (m *Memory) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config[key], nil
}

func (m *Memory) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

// ---- Maintenance ----

func (m *Memory) RetagAdvanceEvents(_ context.Context, patronIDs []int64, monthPrefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := make(map[int64]bool, len(patronIDs))
	for _, id := range patronIDs {
		match[id] = true
	}

	var changed int64
	for i := range m.events {
		ev := &m.events[i]
		if ev.PatronID == nil || !match[*ev.PatronID] {
			continue
		}
		if !strings.HasPrefix(ev.Date, monthPrefix) {
			continue
		}
		if ev.StatusAtEvent != string(ledger.StatusAdvance) {
			continue
		}
		ev.StatusAtEvent = string(ledger.StatusGuardianship)
		changed++
	}
	return changed, nil
}

func (m *Memory) PruneEventsBefore(_ context.Context, cutoff string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []ledger.Event
	var pruned int64
	for _, ev := range m.events {
		if ev.Date < cutoff {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	txStore := &txMemoryView{parent: tm}
	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	patrons     map[int64]ledger.Patron
	events      []ledger.Event
	nextEventID int64
	config      map[string]string
}

func (tm *TxMemory) snapshot() memorySnapshot {
	patrons := make(map[int64]ledger.Patron, len(tm.patrons))
	for k, v := range tm.patrons {
		patrons[k] = v
	}
	events := append([]ledger.Event{}, tm.events...)
	config := make(map[string]string, len(tm.config))
	for k, v := range tm.config {
		config[k] = v
	}
	return memorySnapshot{
		patrons:     patrons,
		events:      events,
		nextEventID: tm.nextEventID,
		config:      config,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.patrons = s.patrons
	tm.events = s.events
	// Event ids are never reused: the allocator does not roll back.
	tm.config = s.config
}

// txMemoryView exposes the parent's unlocked internals while the
// WithTx lock is held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetPatron(_ context.Context, id int64) (*ledger.Patron, error) {
	return tv.parent.getPatronLocked(id), nil
}

func (tv *txMemoryView) FindPatron(_ context.Context, lastName, firstName string) (*ledger.Patron, error) {
	return tv.parent.findPatronLocked(lastName, firstName), nil
}

func (tv *txMemoryView) ListPatrons(_ context.Context) ([]ledger.Patron, error) {
	return tv.parent.listPatronsLocked(), nil
}

func (tv *txMemoryView) SavePatron(_ context.Context, p ledger.Patron) error {
	tv.parent.patrons[p.ID] = p
	return nil
}

func (tv *txMemoryView) DeletePatron(_ context.Context, id int64) error {
	delete(tv.parent.patrons, id)
	return nil
}

func (tv *txMemoryView) NextPatronID(_ context.Context) (int64, error) {
	return tv.parent.nextPatronIDLocked(), nil
}

func (tv *txMemoryView) AppendEvent(_ context.Context, e *ledger.Event) error {
	tv.parent.appendEventLocked(e)
	return nil
}

func (tv *txMemoryView) DeleteEvents(_ context.Context, ids []int64) (int64, error) {
	return tv.parent.deleteEventsLocked(ids), nil
}

func (tv *txMemoryView) EventsForPatron(ctx context.Context, patronID int64) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, ev := range tv.parent.events {
		if ev.PatronID != nil && *ev.PatronID == patronID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (tv *txMemoryView) EventsRange(_ context.Context, from, to string) ([]ledger.Event, error) {
	return tv.parent.eventsRangeLocked(from, to), nil
}

func (tv *txMemoryView) Movements(_ context.Context, from, to string) ([]ledger.Movement, error) {
	return tv.parent.movementsLocked(from, to), nil
}

func (tv *txMemoryView) GetConfig(_ context.Context, key string) (string, error) {
	return tv.parent.config[key], nil
}

func (tv *txMemoryView) SetConfig(_ context.Context, key, value string) error {
	tv.parent.config[key] = value
	return nil
}

func (tv *txMemoryView) RetagAdvanceEvents(ctx context.Context, patronIDs []int64, monthPrefix string) (int64, error) {
	match := make(map[int64]bool, len(patronIDs))
	for _, id := range patronIDs {
		match[id] = true
	}
	var changed int64
	for i := range tv.parent.events {
		ev := &tv.parent.events[i]
		if ev.PatronID == nil || !match[*ev.PatronID] {
			continue
		}
		if !strings.HasPrefix(ev.Date, monthPrefix) {
			continue
		}
		if ev.StatusAtEvent != string(ledger.StatusAdvance) {
			continue
		}
		ev.StatusAtEvent = string(ledger.StatusGuardianship)
		changed++
	}
	return changed, nil
}

func (tv *txMemoryView) PruneEventsBefore(_ context.Context, cutoff string) (int64, error) {
	var kept []ledger.Event
	var pruned int64
	for _, ev := range tv.parent.events {
		if ev.Date < cutoff {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	tv.parent.events = kept
	return pruned, nil
}
