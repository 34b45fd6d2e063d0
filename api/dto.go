/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP API. They decouple the domain model from
  the wire contract: money travels as decimal strings, category maps
  use the stable bucket names from ledger.Category.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/canteen-ledger/ledger"
)

// =============================================================================
// PATRONS
// =============================================================================

// PatronDTO represents a ledger row in API responses.
type PatronDTO struct {
	ID          int64  `json:"id"`
	LastName    string `json:"last_name"`
	FirstName   string `json:"first_name"`
	Sex         string `json:"sex"`
	Status      string `json:"status"`
	Balance     string `json:"balance"`
	TicketCount int64  `json:"ticket_count"`
	LastVisit   string `json:"last_visit,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

func toPatronDTO(p ledger.Patron) PatronDTO {
	return PatronDTO{
		ID:          p.ID,
		LastName:    p.LastName,
		FirstName:   p.FirstName,
		Sex:         string(p.Sex),
		Status:      string(p.Status),
		Balance:     p.Balance.StringFixed(2),
		TicketCount: p.TicketCount,
		LastVisit:   p.LastVisit,
		Comment:     p.Comment,
	}
}

// CreatePatronRequest is the request to create a patron.
type CreatePatronRequest struct {
	LastName       string `json:"last_name"`
	FirstName      string `json:"first_name"`
	Sex            string `json:"sex"`
	Status         string `json:"status"`
	InitialTickets int64  `json:"initial_tickets"`
	Comment        string `json:"comment"`
}

// UpdatePatronRequest is the request to edit a patron's identity fields.
type UpdatePatronRequest struct {
	LastName  string `json:"last_name"`
	FirstName string `json:"first_name"`
	Sex       string `json:"sex"`
	Status    string `json:"status"`
	Comment   string `json:"comment"`
}

// =============================================================================
// MUTATIONS
// =============================================================================

// ConsumeRequest debits tickets from a patron.
type ConsumeRequest struct {
	Quantity int64 `json:"quantity"`
}

// RechargeRequest credits money to a patron. Amount is a decimal string.
type RechargeRequest struct {
	Amount string `json:"amount"`
}

// WalkInRequest records an anonymous ticket sale or free first meal.
type WalkInRequest struct {
	Sex       string `json:"sex"`
	FirstTime bool   `json:"first_time"`
}

// ImportRequest bulk-loads patrons from plain text lines.
type ImportRequest struct {
	Text       string `json:"text"`
	DefaultSex string `json:"default_sex"`
}

// ImportResultDTO summarizes an import.
type ImportResultDTO struct {
	Created int   `json:"created"`
	Updated int   `json:"updated"`
	Skipped []int `json:"skipped_lines,omitempty"`
}

// MutationDTO describes a completed undoable action.
type MutationDTO struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	EventIDs []int64 `json:"event_ids"`
	Patrons  []PatronDTO `json:"patrons,omitempty"`
}

func toMutationDTO(r *ledger.MutationRecord) MutationDTO {
	dto := MutationDTO{
		ID:       r.ID,
		Type:     string(r.Type),
		EventIDs: r.CreatedEventIDs,
	}
	for _, st := range r.New {
		if st.Exists {
			dto.Patrons = append(dto.Patrons, toPatronDTO(st.Patron))
		}
	}
	return dto
}

// UndoStateDTO reports the stack depths.
type UndoStateDTO struct {
	UndoDepth int `json:"undo_depth"`
	RedoDepth int `json:"redo_depth"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventDTO represents an event-log row.
type EventDTO struct {
	ID            int64  `json:"id"`
	Action        string `json:"action"`
	Detail        string `json:"detail,omitempty"`
	Sex           string `json:"sex,omitempty"`
	PatronID      *int64 `json:"patron_id,omitempty"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	StatusAtEvent string `json:"status_at_event,omitempty"`
	Category      string `json:"category"`
}

func toEventDTO(e ledger.Event) EventDTO {
	return EventDTO{
		ID:            e.ID,
		Action:        string(e.Action),
		Detail:        e.Detail,
		Sex:           string(e.Sex),
		PatronID:      e.PatronID,
		Date:          e.Date,
		Time:          e.Time,
		StatusAtEvent: e.StatusAtEvent,
		Category:      string(ledger.CategoryOf(e.StatusAtEvent)),
	}
}

// =============================================================================
// REPORTS
// =============================================================================

// StatsDTO is the range aggregate.
type StatsDTO struct {
	From              string           `json:"from"`
	To                string           `json:"to"`
	TotalBySex        map[string]int64 `json:"total_by_sex"`
	TicketsByCategory map[string]int64 `json:"tickets_by_category"`
	TotalPassages     int64            `json:"total_passages"`
}

func toStatsDTO(s *ledger.Stats) StatsDTO {
	return StatsDTO{
		From:              s.From,
		To:                s.To,
		TotalBySex:        sexMap(s.TotalBySex),
		TicketsByCategory: categoryMap(s.TicketsByCategory),
		TotalPassages:     s.TotalPassages,
	}
}

// DailyCountersDTO is the at-a-glance view for one day.
type DailyCountersDTO struct {
	Date          string           `json:"date"`
	PassagesBySex map[string]int64 `json:"passages_by_sex"`
	TotalPassages int64            `json:"total_passages"`
	CashCollected string           `json:"cash_collected"`
}

// ReconciliationDTO reports cash collected vs theoretical value.
type ReconciliationDTO struct {
	From               string           `json:"from"`
	To                 string           `json:"to"`
	UnitPrice          string           `json:"unit_price"`
	RechargeTotal      string           `json:"recharge_total"`
	AnonymousPaidCount int64            `json:"anonymous_paid_count"`
	CashCollected      string           `json:"cash_collected"`
	TicketsByCategory  map[string]int64 `json:"tickets_by_category"`
	TheoreticalValue   string           `json:"theoretical_value"`
}

// BreakdownRowDTO is one row of the monthly table.
type BreakdownRowDTO struct {
	PatronID *int64          `json:"patron_id,omitempty"`
	Name     string          `json:"name"`
	Group    string          `json:"group"`
	ByDay    map[int]int64   `json:"by_day"`
	Total    int64           `json:"total"`
	Expense  string          `json:"expense"`
}

// BreakdownDTO is the full monthly table.
type BreakdownDTO struct {
	Year         int               `json:"year"`
	Month        int               `json:"month"`
	UnitPrice    string            `json:"unit_price"`
	Rows         []BreakdownRowDTO `json:"rows"`
	DayTotals    map[int]int64     `json:"day_totals"`
	TotalBySex   map[string]int64  `json:"total_by_sex"`
	TotalTickets int64             `json:"total_tickets"`
	TotalExpense string            `json:"total_expense"`
}

// =============================================================================
// MISC
// =============================================================================

// ConfigDTO is one runtime config key.
type ConfigDTO struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func sexMap(in map[ledger.Sex]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func categoryMap(in map[ledger.Category]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
