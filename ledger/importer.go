/*
importer.go - Mass import of patrons from plain text

PURPOSE:
  Bulk-loads patrons from a pasted text block, one patron per line:

    NAME [FIRSTNAME] TICKETS [COMMENT...]

  The second token is the first name only when it is not numeric.
  Negative ticket counts are admitted (advance/guardianship accounts
  arriving with existing debt).

SEMANTICS:
  - Existing (last name, first name) -> ticket top-up, zero-crossing
    status recompute, one "Import (Ajout N)" event.
  - Unknown name -> creation via the monotonic id allocator, one
    "Import (Création)" event.
  - Unparsable lines are skipped and reported, never aborting the rest.
  - The entire import is ONE transaction and ONE undoable action.
*/
package ledger

import (
	"context"
	"strconv"
	"strings"
)

// ImportResult summarizes a mass import.
type ImportResult struct {
	Created int
	Updated int
	Skipped []int // 1-based line numbers that could not be parsed
	Record  *MutationRecord
}

// importLine is one successfully parsed input line.
type importLine struct {
	LastName  string
	FirstName string
	Tickets   int64
	Comment   string
}

// parseImportLine parses one line of import text. ok is false for
// blank lines and lines without a readable ticket count.
func parseImportLine(line string) (importLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return importLine{}, false
	}

	out := importLine{LastName: fields[0]}
	rest := fields[1:]

	if n, err := strconv.ParseInt(rest[0], 10, 64); err == nil {
		out.Tickets = n
		out.Comment = strings.Join(rest[1:], " ")
		return out, true
	}

	if len(rest) < 2 {
		return importLine{}, false
	}
	n, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil {
		return importLine{}, false
	}
	out.FirstName = rest[0]
	out.Tickets = n
	out.Comment = strings.Join(rest[2:], " ")
	return out, true
}

// ImportPatrons applies a text block of import lines atomically.
// defaultSex is used for patrons created by the import (the line format
// carries no sex column).
func (e *Engine) ImportPatrons(ctx context.Context, text string, defaultSex Sex) (*ImportResult, error) {
	result := &ImportResult{}
	record := newMutationRecord(MutationImport)

	var lines []importLine
	for i, raw := range strings.Split(text, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parsed, ok := parseImportLine(raw)
		if !ok {
			result.Skipped = append(result.Skipped, i+1)
			continue
		}
		lines = append(lines, parsed)
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		price, err := e.unitPrice(ctx, s)
		if err != nil {
			return err
		}

		for _, line := range lines {
			existing, err := s.FindPatron(ctx, line.LastName, line.FirstName)
			if err != nil {
				return err
			}

			if existing != nil {
				record.snapshotBefore(*existing)

				existing.TicketCount += line.Tickets
				existing.Status = NextStatus(existing.Status, existing.TicketCount)
				existing.Balance = BalanceFor(existing.TicketCount, price)
				if line.Comment != "" {
					existing.Comment = line.Comment
				}
				if err := s.SavePatron(ctx, *existing); err != nil {
					return err
				}
				record.snapshotAfter(*existing)

				ev := Event{
					Action:        ImportAddAction(line.Tickets),
					Detail:        strings.TrimSpace(line.LastName + " " + line.FirstName),
					Sex:           existing.Sex,
					PatronID:      &existing.ID,
					StatusAtEvent: string(existing.Status),
				}
				e.stamp(&ev)
				if err := s.AppendEvent(ctx, &ev); err != nil {
					return err
				}
				record.addEvent(ev)
				result.Updated++
				continue
			}

			id, err := s.NextPatronID(ctx)
			if err != nil {
				return err
			}

			status := StatusPaid
			if line.Tickets < 0 {
				status = StatusAdvance
			}
			p := Patron{
				ID:          id,
				LastName:    line.LastName,
				FirstName:   line.FirstName,
				Sex:         defaultSex,
				Status:      status,
				TicketCount: line.Tickets,
				Balance:     BalanceFor(line.Tickets, price),
				Comment:     line.Comment,
			}
			record.markCreated(id)
			if err := s.SavePatron(ctx, p); err != nil {
				return err
			}
			record.snapshotAfter(p)

			ev := Event{
				Action:        ActionImportCreation,
				Detail:        strings.TrimSpace(line.LastName + " " + line.FirstName),
				Sex:           p.Sex,
				PatronID:      &p.ID,
				StatusAtEvent: string(p.Status),
			}
			e.stamp(&ev)
			if err := s.AppendEvent(ctx, &ev); err != nil {
				return err
			}
			record.addEvent(ev)
			result.Created++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created+result.Updated > 0 {
		result.Record = record
	}
	return result, nil
}
