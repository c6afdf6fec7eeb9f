// Package diff compares the requester's result row against the
// simulated result row and reports field-level discrepancies.
package diff

import (
	"fmt"
	"sort"

	"github.com/ppiankov/whatif/internal/model"
)

// Hints compares one representative row from each result set. Keys are
// walked in sorted order so output is deterministic. A nil baseline
// yields no hints; a nil simulated row marks every baseline field as
// missing. A field that is null on both sides, or present only in the
// simulated row, is not a discrepancy.
func Hints(baseline, simulated model.Row) []model.Hint {
	if baseline == nil {
		return nil
	}

	keys := make([]string, 0, len(baseline))
	for k := range baseline {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var hints []model.Hint
	if simulated == nil {
		for _, k := range keys {
			hints = append(hints, model.Hint{
				Field: k,
				Kind:  model.HintMissing,
				Note:  fmt.Sprintf("the simulated identity received no row, so field %q is presumed inaccessible", k),
			})
		}
		return hints
	}

	for _, k := range keys {
		sim, ok := simulated[k]
		if !ok {
			// A key the requester sees as null reveals nothing; its
			// absence on the simulated side is not a discrepancy.
			if baseline[k] != nil {
				hints = append(hints, model.Hint{
					Field: k,
					Kind:  model.HintMissing,
					Note:  fmt.Sprintf("field %q is not returned for the simulated identity", k),
				})
			}
			continue
		}
		if sim == nil && baseline[k] != nil {
			hints = append(hints, model.Hint{
				Field: k,
				Kind:  model.HintNull,
				Note:  fmt.Sprintf("field %q is returned but nulled for the simulated identity", k),
			})
		}
	}
	return hints
}
