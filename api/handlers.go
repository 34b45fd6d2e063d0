/*
handlers.go - HTTP API handlers for the canteen ledger

PURPOSE:
  Exposes the ledger engine over REST. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Patrons:
    GET    /api/patrons                  List all patrons
    POST   /api/patrons                  Create patron
    GET    /api/patrons/{id}             Get patron
    PUT    /api/patrons/{id}             Edit identity fields
    DELETE /api/patrons/{id}             Delete ledger row (events remain)
    GET    /api/patrons/{id}/events      Event history
    POST   /api/patrons/{id}/consume     Consume tickets
    POST   /api/patrons/{id}/recharge    Credit money

  Walk-ins / import:
    POST   /api/walkins                  Anonymous sale or free first meal
    POST   /api/import                   Mass import from text

  Undo:
    GET    /api/undo                     Stack depths
    POST   /api/undo                     Undo last action
    POST   /api/redo                     Redo last undone action

  Reports:
    GET    /api/stats                    Range aggregate (?from&to)
    GET    /api/stats/daily              Daily counters (?date)
    GET    /api/stats/monthly            Monthly breakdown (?year&month)
    GET    /api/stats/reconciliation     Cash vs theoretical (?from&to)

  Admin:
    GET/PUT /api/config/{key}            Runtime config
    POST   /api/admin/backup             Point-in-time database backup
    POST   /api/admin/maintenance        Monthly reset + retention prune

ERROR HANDLING:
  - 400: Validation errors (quantity, amount, malformed bodies)
  - 404: Patron not found
  - 409: Duplicate patron, empty undo/redo stack, undo conflicts
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/canteen-ledger/internal/logger"
	"github.com/warp/canteen-ledger/ledger"
	"github.com/warp/canteen-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Engine      *ledger.Engine
	Undo        *ledger.Coordinator
	Reports     *ledger.Aggregator
	Maintenance *ledger.Maintenance
	Log         *logger.Logger

	BackupDir      string
	RetentionYears int
}

// NewHandler wires a handler over an initialized store.
func NewHandler(store *sqlite.Store, engine *ledger.Engine, log *logger.Logger) *Handler {
	return &Handler{
		Store:          store,
		Engine:         engine,
		Undo:           ledger.NewCoordinator(store),
		Reports:        ledger.NewAggregator(store, engine),
		Maintenance:    ledger.NewMaintenance(store),
		Log:            log,
		RetentionYears: ledger.DefaultRetentionYears,
	}
}

// =============================================================================
// PATRON HANDLERS
// =============================================================================

// ListPatrons returns all ledger rows.
func (h *Handler) ListPatrons(w http.ResponseWriter, r *http.Request) {
	patrons, err := h.Store.ListPatrons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list patrons", err)
		return
	}

	dtos := make([]PatronDTO, len(patrons))
	for i, p := range patrons {
		dtos[i] = toPatronDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPatron returns a single patron.
func (h *Handler) GetPatron(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	p, err := h.Store.GetPatron(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get patron", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Patron not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPatronDTO(*p))
}

// CreatePatron creates a patron with a fresh monotonic id.
func (h *Handler) CreatePatron(w http.ResponseWriter, r *http.Request) {
	var req CreatePatronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.Engine.CreatePatron(r.Context(), ledger.NewPatron{
		LastName:       req.LastName,
		FirstName:      req.FirstName,
		Sex:            ledger.Sex(req.Sex),
		Status:         ledger.Status(req.Status),
		InitialTickets: req.InitialTickets,
		Comment:        req.Comment,
	})
	if err != nil {
		writeDomainError(w, "Failed to create patron", err)
		return
	}
	h.Undo.Record(record)

	h.Log.Info("LEDGER", fmt.Sprintf("created patron %s %s", req.LastName, req.FirstName))
	writeJSON(w, http.StatusCreated, toMutationDTO(record))
}

// UpdatePatron edits identity fields. Not undoable.
func (h *Handler) UpdatePatron(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	var req UpdatePatronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Engine.UpdatePatron(r.Context(), id, ledger.PatronEdit{
		LastName:  req.LastName,
		FirstName: req.FirstName,
		Sex:       ledger.Sex(req.Sex),
		Status:    ledger.Status(req.Status),
		Comment:   req.Comment,
	})
	if err != nil {
		writeDomainError(w, "Failed to update patron", err)
		return
	}

	p, err := h.Store.GetPatron(r.Context(), id)
	if err != nil || p == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload patron", err)
		return
	}
	writeJSON(w, http.StatusOK, toPatronDTO(*p))
}

// DeletePatron removes the ledger row; events remain for reporting.
func (h *Handler) DeletePatron(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	if err := h.Engine.DeletePatron(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete patron", err)
		return
	}
	h.Log.Info("LEDGER", fmt.Sprintf("deleted patron %d", id))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// GetPatronEvents returns one patron's event history.
func (h *Handler) GetPatronEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	events, err := h.Store.EventsForPatron(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load events", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// Consume debits tickets, applying the category tie-break.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.Engine.Consume(r.Context(), id, req.Quantity)
	if err != nil {
		writeDomainError(w, "Failed to consume tickets", err)
		return
	}
	h.Undo.Record(record)

	h.Log.Info("LEDGER", fmt.Sprintf("patron %d consumed %d ticket(s)", id, req.Quantity))
	writeJSON(w, http.StatusOK, toMutationDTO(record))
}

// Recharge credits money to a patron's account.
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	id, ok := patronID(w, r)
	if !ok {
		return
	}

	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	record, err := h.Engine.Recharge(r.Context(), id, amount)
	if err != nil {
		writeDomainError(w, "Failed to recharge account", err)
		return
	}
	h.Undo.Record(record)

	h.Log.Info("LEDGER", fmt.Sprintf("patron %d recharged %s", id, amount.StringFixed(2)))
	writeJSON(w, http.StatusOK, toMutationDTO(record))
}

// WalkIn records an anonymous sale or free first meal.
func (h *Handler) WalkIn(w http.ResponseWriter, r *http.Request) {
	var req WalkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sex := ledger.Sex(req.Sex)
	if sex != ledger.SexMale && sex != ledger.SexFemale {
		writeError(w, http.StatusBadRequest, "Sex must be H or F", nil)
		return
	}

	record, err := h.Engine.RecordWalkIn(r.Context(), sex, req.FirstTime)
	if err != nil {
		writeDomainError(w, "Failed to record walk-in", err)
		return
	}
	h.Undo.Record(record)
	writeJSON(w, http.StatusCreated, toMutationDTO(record))
}

// Import bulk-loads patrons from text, one atomic undoable action.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sex := ledger.Sex(req.DefaultSex)
	if sex == "" {
		sex = ledger.SexMale
	}

	result, err := h.Engine.ImportPatrons(r.Context(), req.Text, sex)
	if err != nil {
		writeDomainError(w, "Failed to import patrons", err)
		return
	}
	h.Undo.Record(result.Record)

	h.Log.Info("IMPORT", fmt.Sprintf("imported %d created, %d updated, %d skipped",
		result.Created, result.Updated, len(result.Skipped)))
	writeJSON(w, http.StatusOK, ImportResultDTO{
		Created: result.Created,
		Updated: result.Updated,
		Skipped: result.Skipped,
	})
}

// =============================================================================
// UNDO / REDO
// =============================================================================

// GetUndoState reports the stack depths.
func (h *Handler) GetUndoState(w http.ResponseWriter, r *http.Request) {
	undo, redo := h.Undo.Depths()
	writeJSON(w, http.StatusOK, UndoStateDTO{UndoDepth: undo, RedoDepth: redo})
}

// UndoAction rolls back the most recent ledger mutation.
func (h *Handler) UndoAction(w http.ResponseWriter, r *http.Request) {
	record, err := h.Undo.Undo(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to undo", err)
		return
	}
	h.Log.Info("UNDO", fmt.Sprintf("undid %s (%s)", record.Type, record.ID))
	writeJSON(w, http.StatusOK, toMutationDTO(record))
}

// RedoAction replays the most recently undone mutation.
func (h *Handler) RedoAction(w http.ResponseWriter, r *http.Request) {
	record, err := h.Undo.Redo(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to redo", err)
		return
	}
	h.Log.Info("UNDO", fmt.Sprintf("redid %s (%s)", record.Type, record.ID))
	writeJSON(w, http.StatusOK, toMutationDTO(record))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetStats aggregates ticket movements over ?from / ?to.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}

	stats, err := h.Reports.Aggregate(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetDaily returns the daily counters for ?date (default today).
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}

	daily, err := h.Reports.Daily(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute daily counters", err)
		return
	}
	writeJSON(w, http.StatusOK, DailyCountersDTO{
		Date:          daily.Date,
		PassagesBySex: sexMap(daily.PassagesBySex),
		TotalPassages: daily.TotalPassages,
		CashCollected: daily.CashCollected.StringFixed(2),
	})
}

// GetBreakdown builds the per-patron per-day monthly table. The
// guardianship backfill runs first, scoped to the requested month.
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	monthNum, err := strconv.Atoi(q.Get("month"))
	if err != nil || monthNum < 1 || monthNum > 12 {
		writeError(w, http.StatusBadRequest, "Invalid month (1-12)", err)
		return
	}
	month := time.Month(monthNum)

	if changed, err := h.Maintenance.BackfillGuardianship(r.Context(), year, month); err != nil {
		// Best effort: the report is still built from what's there.
		h.Log.Warn("REPORT", fmt.Sprintf("guardianship backfill failed: %v", err))
	} else if changed > 0 {
		h.Log.Info("REPORT", fmt.Sprintf("retagged %d advance event(s) to guardianship for %04d-%02d",
			changed, year, monthNum))
	}

	breakdown, err := h.Reports.Breakdown(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build breakdown", err)
		return
	}

	dto := BreakdownDTO{
		Year:         breakdown.Year,
		Month:        int(breakdown.Month),
		UnitPrice:    breakdown.UnitPrice.StringFixed(2),
		DayTotals:    breakdown.DayTotals,
		TotalBySex:   sexMap(breakdown.TotalBySex),
		TotalTickets: breakdown.TotalTickets,
		TotalExpense: breakdown.TotalExpense.StringFixed(2),
	}
	for _, row := range breakdown.Rows {
		dto.Rows = append(dto.Rows, BreakdownRowDTO{
			PatronID: row.PatronID,
			Name:     row.Name,
			Group:    string(row.Group),
			ByDay:    row.ByDay,
			Total:    row.Total,
			Expense:  row.Expense.StringFixed(2),
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetReconciliation reports cash collected vs theoretical value.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}

	summary, err := h.Reports.Reconcile(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		From:               summary.From,
		To:                 summary.To,
		UnitPrice:          summary.UnitPrice.StringFixed(2),
		RechargeTotal:      summary.RechargeTotal.StringFixed(2),
		AnonymousPaidCount: summary.AnonymousPaidCount,
		CashCollected:      summary.CashCollected.StringFixed(2),
		TicketsByCategory:  categoryMap(summary.TicketsByCategory),
		TheoreticalValue:   summary.TheoreticalValue.StringFixed(2),
	})
}

// =============================================================================
// CONFIG + ADMIN HANDLERS
// =============================================================================

// GetConfigValue reads one runtime config key.
func (h *Handler) GetConfigValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.Store.GetConfig(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read config", err)
		return
	}
	writeJSON(w, http.StatusOK, ConfigDTO{Key: key, Value: value})
}

// SetConfigValue writes one runtime config key.
func (h *Handler) SetConfigValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var dto ConfigDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if key == ledger.ConfigTicketPrice {
		if _, err := decimal.NewFromString(dto.Value); err != nil {
			writeError(w, http.StatusBadRequest, "Ticket price must be a decimal string", err)
			return
		}
	}

	if err := h.Store.SetConfig(r.Context(), key, dto.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to write config", err)
		return
	}
	h.Log.Info("CONFIG", fmt.Sprintf("%s = %s", key, dto.Value))
	writeJSON(w, http.StatusOK, ConfigDTO{Key: key, Value: dto.Value})
}

// TriggerBackup makes a point-in-time database copy.
func (h *Handler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	if h.BackupDir == "" {
		writeError(w, http.StatusConflict, "Backups are not configured", nil)
		return
	}

	dest := filepath.Join(h.BackupDir, "backup_"+time.Now().Format("2006-01-02")+".db")
	if err := h.Store.Backup(r.Context(), dest); err != nil {
		writeError(w, http.StatusInternalServerError, "Backup failed", err)
		return
	}
	h.Log.Info("BACKUP", "wrote "+dest)
	writeJSON(w, http.StatusOK, map[string]any{"backup": dest})
}

// TriggerMaintenance runs the monthly reset and retention prune now.
func (h *Handler) TriggerMaintenance(w http.ResponseWriter, r *http.Request) {
	reset, err := h.Maintenance.MonthlyResetIfDue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Monthly reset failed", err)
		return
	}

	pruned, err := h.Maintenance.Prune(r.Context(), h.RetentionYears)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Retention prune failed", err)
		return
	}

	resp := map[string]any{"pruned_events": pruned}
	if reset != nil {
		resp["reset_month"] = reset.Month
		resp["patrons_reset"] = reset.PatronsReset
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func patronID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid patron id", err)
		return 0, false
	}
	return id, true
}

func dateRange(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			writeError(w, http.StatusBadRequest, "from/to must be YYYY-MM-DD", err)
			return "", "", false
		}
	}
	return from, to, true
}

// writeDomainError maps ledger errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicatePatron),
		errors.Is(err, ledger.ErrNothingToUndo),
		errors.Is(err, ledger.ErrNothingToRedo),
		errors.Is(err, ledger.ErrUndoConflict):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
