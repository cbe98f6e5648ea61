package reconcile

import "github.com/MarcoPoloResearchLab/possync/internal/entities"

// conflictOutcome captures the decision from resolveChange. Record holds the
// state to persist when Accepted, and the untouched stored state otherwise.
type conflictOutcome struct {
	Accepted bool
	Record   *entities.Record
}

// resolveChange applies last-write-wins on whole records: the incoming write
// wins only when nothing is stored or the stored updatedAt is strictly older.
// Equal timestamps keep the stored value, which makes redelivery a no-op.
// A winning delete stores a tombstone built from the delete payload alone, so
// the result does not depend on what happened to be stored before it.
func resolveChange(existing *entities.Record, change Change, incoming entities.Record) (conflictOutcome, error) {
	if existing != nil && existing.UpdatedAtMillis >= incoming.UpdatedAtMillis {
		stored := *existing
		return conflictOutcome{Accepted: false, Record: &stored}, nil
	}

	if change.Operation != entities.OperationDelete {
		updated := incoming
		return conflictOutcome{Accepted: true, Record: &updated}, nil
	}

	tombstone, err := incoming.MarkDeleted(incoming.UpdatedAt())
	if err != nil {
		return conflictOutcome{}, err
	}
	return conflictOutcome{Accepted: true, Record: &tombstone}, nil
}
