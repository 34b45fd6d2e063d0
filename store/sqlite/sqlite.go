/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore over a single local SQLite
  file. The whole system is single-process/single-writer; SQLite's
  transactional guarantees are exactly what the atomicity contract needs.

KEY TABLES:
  patrons:  Mutable ledger rows (current balance, tickets, status)
  events:   Append-only event log (AUTOINCREMENT ids, never reused)
  config:   Runtime key/value config (ticket price, id counter, ...)

NORMALIZING VIEW:
  ticket_movements filters events to ticket-moving actions and converts
  the free-text detail column into a signed quantity. Consumption rows
  are admitted only when the registered is_quantity() predicate accepts
  their detail; anonymous walk-ins count as one ticket each. The view is
  the only read path the report aggregator uses.

CUSTOM DRIVER:
  The driver is registered once as "sqlite3_canteen" with a ConnectHook
  that installs is_quantity() on every connection, so the view works on
  any handle including transactions.

CONCURRENCY:
  sync.RWMutex single-writer guard on top of WAL mode. Readers don't
  block each other; one mutation at a time.

BACKUP:
  Backup() uses VACUUM INTO for a consistent point-in-time copy and
  falls back to a plain file copy on engines without it.

USAGE:
  store, err := sqlite.New("./data/canteen.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/canteen-ledger/ledger"
)

const driverName = "sqlite3_canteen"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Pure function: usable inside the view definition.
			return conn.RegisterFunc("is_quantity", isQuantity, true)
		},
	})
}

// isQuantity reports whether a detail payload is a signed integer
// ticket quantity. Classifies rows inside the ticket_movements view.
func isQuantity(s string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil
}

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// New creates a store on the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open(driverName, dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema and seeds config defaults.
func (s *Store) migrate() error {
	schema := `
	-- Mutable ledger rows. Balance is a decimal stored as TEXT; the
	-- engine keeps it equal to ticket_count * unit price.
	CREATE TABLE IF NOT EXISTS patrons (
		id INTEGER PRIMARY KEY,
		last_name TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		sex TEXT NOT NULL DEFAULT 'H',
		status TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		ticket_count INTEGER NOT NULL DEFAULT 0,
		last_visit TEXT,
		comment TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_patrons_name
		ON patrons(last_name, first_name);

	-- Append-only event log. AUTOINCREMENT keeps ids monotonically
	-- increasing and never reused, even after undo deletions.
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		detail TEXT,
		sex TEXT,
		patron_id INTEGER,
		event_date TEXT NOT NULL,
		event_time TEXT NOT NULL,
		status_at_event TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_date
		ON events(event_date);
	CREATE INDEX IF NOT EXISTS idx_events_patron
		ON events(patron_id) WHERE patron_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_action
		ON events(action);

	-- Runtime config
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO config (key, value) VALUES
		('TICKET_PRICE', '0.5'),
		('LAST_USED_ID', '0'),
		('LAST_RESET', ''),
		('AUTO_CLEAN_ENABLED', '1');
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Recreated on every startup so the definition is always current.
	view := `
	DROP VIEW IF EXISTS ticket_movements;
	CREATE VIEW ticket_movements AS
		SELECT id, action, sex, patron_id, event_date, status_at_event,
		       CAST(detail AS INTEGER) AS quantity
		FROM events
		WHERE action = 'Consommation ticket(s)' AND is_quantity(detail)
		UNION ALL
		SELECT id, action, sex, patron_id, event_date, status_at_event,
		       1 AS quantity
		FROM events
		WHERE action IN ('PAYE', '1ERE_FOIS');
	`
	_, err := s.db.Exec(view)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every helper works
// inside and outside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PATRONS (ledger.Store interface)
// =============================================================================

const patronColumns = `id, last_name, first_name, sex, status, balance, ticket_count, last_visit, comment`

func (s *Store) GetPatron(ctx context.Context, id int64) (*ledger.Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPatron(ctx, s.db, id)
}

func getPatron(ctx context.Context, db dbtx, id int64) (*ledger.Patron, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE id = ?`, id)
	return scanPatronRow(row)
}

func (s *Store) FindPatron(ctx context.Context, lastName, firstName string) (*ledger.Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPatron(ctx, s.db, lastName, firstName)
}

func findPatron(ctx context.Context, db dbtx, lastName, firstName string) (*ledger.Patron, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE last_name = ? AND first_name = ?`,
		lastName, firstName)
	return scanPatronRow(row)
}

func (s *Store) ListPatrons(ctx context.Context) ([]ledger.Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPatrons(ctx, s.db)
}

func listPatrons(ctx context.Context, db dbtx) ([]ledger.Patron, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+patronColumns+` FROM patrons ORDER BY last_name, first_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patrons: %w", err)
	}
	defer rows.Close()

	var patrons []ledger.Patron
	for rows.Next() {
		p, err := scanPatron(rows)
		if err != nil {
			return nil, err
		}
		patrons = append(patrons, p)
	}
	return patrons, rows.Err()
}

func (s *Store) SavePatron(ctx context.Context, p ledger.Patron) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePatron(ctx, s.db, p)
}

func savePatron(ctx context.Context, db dbtx, p ledger.Patron) error {
	query := `
		INSERT INTO patrons (id, last_name, first_name, sex, status, balance, ticket_count, last_visit, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_name = excluded.last_name,
			first_name = excluded.first_name,
			sex = excluded.sex,
			status = excluded.status,
			balance = excluded.balance,
			ticket_count = excluded.ticket_count,
			last_visit = excluded.last_visit,
			comment = excluded.comment
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.LastName, p.FirstName, string(p.Sex), string(p.Status),
		p.Balance.String(), p.TicketCount,
		nullString(p.LastVisit), nullString(p.Comment),
	)
	if err != nil {
		return fmt.Errorf("failed to save patron %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) DeletePatron(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePatron(ctx, s.db, id)
}

func deletePatron(ctx context.Context, db dbtx, id int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM patrons WHERE id = ?`, id)
	return err
}

func (s *Store) NextPatronID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextPatronID(ctx, s.db)
}

// nextPatronID is max(persisted counter, max ledger id) + 1, with the
// advanced counter written back in the same call. Ids are never reused.
func nextPatronID(ctx context.Context, db dbtx) (int64, error) {
	var counter int64
	raw, err := getConfig(ctx, db, ledger.ConfigLastUsedID)
	if err != nil {
		return 0, err
	}
	if raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			counter = n
		}
	}

	var maxID sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM patrons`).Scan(&maxID); err != nil {
		return 0, err
	}
	if maxID.Valid && maxID.Int64 > counter {
		counter = maxID.Int64
	}

	next := counter + 1
	if err := setConfig(ctx, db, ledger.ConfigLastUsedID, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, action, detail, sex, patron_id, event_date, event_time, status_at_event`

func (s *Store) AppendEvent(ctx context.Context, e *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, db dbtx, e *ledger.Event) error {
	now := time.Now()
	if e.Date == "" {
		e.Date = now.Format("2006-01-02")
	}
	if e.Time == "" {
		e.Time = now.Format("15:04:05")
	}

	var patronID any
	if e.PatronID != nil {
		patronID = *e.PatronID
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO events (action, detail, sex, patron_id, event_date, event_time, status_at_event)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Action), nullString(e.Detail), string(e.Sex), patronID,
		e.Date, e.Time, nullString(e.StatusAtEvent),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *Store) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEvents(ctx, s.db, ids)
}

func deleteEvents(ctx context.Context, db dbtx, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM events WHERE id IN (` + placeholders(len(ids)) + `)`
	res, err := db.ExecContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) EventsForPatron(ctx context.Context, patronID int64) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEvents(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE patron_id = ? ORDER BY id`, patronID)
}

func (s *Store) EventsRange(ctx context.Context, from, to string) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return eventsRange(ctx, s.db, from, to)
}

func eventsRange(ctx context.Context, db dbtx, from, to string) ([]ledger.Event, error) {
	return queryEvents(ctx, db,
		`SELECT `+eventColumns+` FROM events WHERE event_date >= ? AND event_date <= ? ORDER BY id`,
		from, to)
}

func queryEvents(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Movements(ctx context.Context, from, to string) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return movements(ctx, s.db, from, to)
}

func movements(ctx context.Context, db dbtx, from, to string) ([]ledger.Movement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, action, sex, patron_id, event_date, status_at_event, quantity
		FROM ticket_movements
		WHERE event_date >= ? AND event_date <= ?
		ORDER BY id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []ledger.Movement
	for rows.Next() {
		var (
			m        ledger.Movement
			action   string
			sex      sql.NullString
			patronID sql.NullInt64
			status   sql.NullString
		)
		if err := rows.Scan(&m.EventID, &action, &sex, &patronID, &m.Date, &status, &m.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.Action = ledger.Action(action)
		m.Sex = ledger.Sex(sex.String)
		m.StatusAtEvent = status.String
		if patronID.Valid {
			id := patronID.Int64
			m.PatronID = &id
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIG
// =============================================================================

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getConfig(ctx, s.db, key)
}

func getConfig(ctx context.Context, db dbtx, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setConfig(ctx, s.db, key, value)
}

func setConfig(ctx context.Context, db dbtx, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (s *Store) RetagAdvanceEvents(ctx context.Context, patronIDs []int64, monthPrefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retagAdvanceEvents(ctx, s.db, patronIDs, monthPrefix)
}

func retagAdvanceEvents(ctx context.Context, db dbtx, patronIDs []int64, monthPrefix string) (int64, error) {
	if len(patronIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE events SET status_at_event = ?
		WHERE status_at_event = ?
		  AND event_date LIKE ?
		  AND patron_id IN (` + placeholders(len(patronIDs)) + `)`
	args := []any{
		string(ledger.StatusGuardianship),
		string(ledger.StatusAdvance),
		monthPrefix + "%",
	}
	args = append(args, int64Args(patronIDs)...)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retag events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PruneEventsBefore(ctx context.Context, cutoff string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		// Best effort: reclaiming space is not worth failing the prune.
		s.db.ExecContext(ctx, `VACUUM`)
	}
	return pruned, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetPatron(ctx context.Context, id int64) (*ledger.Patron, error) {
	return getPatron(ctx, ts.tx, id)
}

func (ts *txStore) FindPatron(ctx context.Context, lastName, firstName string) (*ledger.Patron, error) {
	return findPatron(ctx, ts.tx, lastName, firstName)
}

func (ts *txStore) ListPatrons(ctx context.Context) ([]ledger.Patron, error) {
	return listPatrons(ctx, ts.tx)
}

func (ts *txStore) SavePatron(ctx context.Context, p ledger.Patron) error {
	return savePatron(ctx, ts.tx, p)
}

func (ts *txStore) DeletePatron(ctx context.Context, id int64) error {
	return deletePatron(ctx, ts.tx, id)
}

func (ts *txStore) NextPatronID(ctx context.Context) (int64, error) {
	return nextPatronID(ctx, ts.tx)
}

func (ts *txStore) AppendEvent(ctx context.Context, e *ledger.Event) error {
	return appendEvent(ctx, ts.tx, e)
}

func (ts *txStore) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	return deleteEvents(ctx, ts.tx, ids)
}

func (ts *txStore) EventsForPatron(ctx context.Context, patronID int64) ([]ledger.Event, error) {
	return queryEvents(ctx, ts.tx,
		`SELECT `+eventColumns+` FROM events WHERE patron_id = ? ORDER BY id`, patronID)
}

func (ts *txStore) EventsRange(ctx context.Context, from, to string) ([]ledger.Event, error) {
	return eventsRange(ctx, ts.tx, from, to)
}

func (ts *txStore) Movements(ctx context.Context, from, to string) ([]ledger.Movement, error) {
	return movements(ctx, ts.tx, from, to)
}

func (ts *txStore) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, ts.tx, key)
}

func (ts *txStore) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, ts.tx, key, value)
}

func (ts *txStore) RetagAdvanceEvents(ctx context.Context, patronIDs []int64, monthPrefix string) (int64, error) {
	return retagAdvanceEvents(ctx, ts.tx, patronIDs, monthPrefix)
}

func (ts *txStore) PruneEventsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM events WHERE event_date < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// BACKUP
// =============================================================================

// Backup writes a consistent point-in-time copy of the database to
// destPath. VACUUM INTO first, plain file copy as fallback.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err == nil {
		return nil
	}

	if s.path == "" || s.path == ":memory:" {
		return fmt.Errorf("backup fallback requires a file-backed database")
	}
	// Flush the WAL so the main file is complete before copying.
	s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)

	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("backup fallback: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("backup fallback: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("backup fallback: %w", err)
	}
	return dst.Sync()
}

// =============================================================================
// SCAN / HELPER FUNCTIONS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatronRow(row *sql.Row) (*ledger.Patron, error) {
	p, err := scanPatron(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPatron(r rowScanner) (ledger.Patron, error) {
	var (
		p         ledger.Patron
		sex       string
		status    string
		balance   string
		lastVisit sql.NullString
		comment   sql.NullString
	)
	err := r.Scan(&p.ID, &p.LastName, &p.FirstName, &sex, &status,
		&balance, &p.TicketCount, &lastVisit, &comment)
	if err != nil {
		return p, err
	}
	p.Sex = ledger.Sex(sex)
	p.Status = ledger.Status(status)
	p.Balance = parseDecimal(balance)
	p.LastVisit = lastVisit.String
	p.Comment = comment.String
	return p, nil
}

func scanEvent(r rowScanner) (ledger.Event, error) {
	var (
		ev       ledger.Event
		action   string
		detail   sql.NullString
		sex      sql.NullString
		patronID sql.NullInt64
		status   sql.NullString
	)
	err := r.Scan(&ev.ID, &action, &detail, &sex, &patronID,
		&ev.Date, &ev.Time, &status)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Action = ledger.Action(action)
	ev.Detail = detail.String
	ev.Sex = ledger.Sex(sex.String)
	ev.StatusAtEvent = status.String
	if patronID.Valid {
		id := patronID.Int64
		ev.PatronID = &id
	}
	return ev, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
