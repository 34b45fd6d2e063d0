package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/canteen-ledger/ledger"
)

func TestCategoryOf_StoredLabels(t *testing.T) {
	cases := map[string]ledger.Category{
		"Payés":         ledger.CategoryPaid,
		"Pas de crédit": ledger.CategoryPaid, // restricted accounts prepay
		"Anonyme":       ledger.CategoryPaid,
		"Avances":       ledger.CategoryAdvance,
		"Tutelles":      ledger.CategoryGuardianship,
		"1ère fois":     ledger.CategoryFirstTimeFree,
		"Offert":        ledger.CategoryFirstTimeFree,
		"":              ledger.CategoryOther,
		"Ancien statut": ledger.CategoryOther,
	}
	for label, want := range cases {
		assert.Equal(t, want, ledger.CategoryOf(label), "label %q", label)
	}
}

func TestNextStatus_OnlyMovesBetweenPaidAndAdvance(t *testing.T) {
	// Zero keeps the side it was on; special statuses never move.
	assert.Equal(t, ledger.StatusAdvance, ledger.NextStatus(ledger.StatusPaid, -1))
	assert.Equal(t, ledger.StatusPaid, ledger.NextStatus(ledger.StatusAdvance, 3))
	assert.Equal(t, ledger.StatusPaid, ledger.NextStatus(ledger.StatusPaid, 0))
	assert.Equal(t, ledger.StatusAdvance, ledger.NextStatus(ledger.StatusAdvance, 0))
	assert.Equal(t, ledger.StatusGuardianship, ledger.NextStatus(ledger.StatusGuardianship, -99))
	assert.Equal(t, ledger.StatusNoCredit, ledger.NextStatus(ledger.StatusNoCredit, 5))
}
