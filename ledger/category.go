/*
category.go - The single canonical event-to-bucket mapping

PURPOSE:
  Normalizes an event's recorded status_at_event into one of the four
  reporting buckets. Every reader (table view, charts, daily counters,
  monthly report) MUST go through CategoryOf; the mapping is defined
  exactly once so the buckets can never drift between call sites.

MAPPING:
  Payés, Pas de crédit, Anonyme  -> CategoryPaid
  Avances                        -> CategoryAdvance
  Tutelles                       -> CategoryGuardianship
  1ère fois, Offert              -> CategoryFirstTimeFree
  anything else                  -> CategoryOther (counted in totals,
                                    excluded from named buckets)

"Anonyme" and "Offert" appear only in historical rows written by older
releases; they are kept in the mapping so old data aggregates the same
way it always did.

SEE ALSO:
  - report.go: The only consumer besides display layers
*/
package ledger

// Category is a reporting bucket derived from an event's recorded
// status. It is computed, never stored.
type Category string

const (
	CategoryPaid          Category = "paid"
	CategoryAdvance       Category = "advance"
	CategoryGuardianship  Category = "guardianship"
	CategoryFirstTimeFree Category = "first_time_free"
	CategoryOther         Category = "other"
)

// Categories lists the named buckets in display order.
var Categories = []Category{
	CategoryPaid,
	CategoryAdvance,
	CategoryGuardianship,
	CategoryFirstTimeFree,
}

// CategoryOf maps a status_at_event label to its reporting bucket.
func CategoryOf(statusAtEvent string) Category {
	switch statusAtEvent {
	case string(StatusPaid), string(StatusNoCredit), DetailAnonymous:
		return CategoryPaid
	case string(StatusAdvance):
		return CategoryAdvance
	case string(StatusGuardianship):
		return CategoryGuardianship
	case StatusFirstTime, "Offert":
		return CategoryFirstTimeFree
	default:
		return CategoryOther
	}
}
