package sync

// maxAutoResolveCandidates bounds how many competing changes the resolver
// will reconcile without human review.
const maxAutoResolveCandidates = 3

// criticalFields may never be rewritten by automatic resolution.
var criticalFields = map[string]struct{}{
	"id":     {},
	"userId": {},
	"status": {},
	"type":   {},
}

// detectConflict classifies an incoming change against the authoritative
// snapshot. A nil snapshot means the record does not exist (or was deleted).
func detectConflict(snapshot *RecordSnapshot, change Change) ConflictKind {
	if snapshot == nil || snapshot.IsDeleted {
		if change.Operation == OperationTypeCreate {
			return ConflictNone
		}
		return ConflictDeleteUpdate
	}
	if change.Operation == OperationTypeCreate {
		return ConflictCreateDuplicate
	}
	if snapshot.UpdatedAtMs > change.Timestamp.Int64() {
		return ConflictConcurrentUpdate
	}
	return ConflictNone
}

// newConflict assembles the Conflict surfaced to the resolution pipeline.
func newConflict(kind ConflictKind, snapshot *RecordSnapshot, candidates ...Change) Conflict {
	first := candidates[0]
	return Conflict{
		Entity:          first.Entity,
		RecordID:        first.RecordID,
		CurrentSnapshot: snapshot,
		Candidates:      candidates,
		Kind:            kind,
	}
}

// CanResolveAutomatically reports whether a conflict is eligible for
// automatic resolution. Ineligible conflicts must be surfaced for manual
// review and are never silently dropped.
func CanResolveAutomatically(conflict Conflict) bool {
	if conflict.Kind == ConflictDeleteUpdate {
		return false
	}
	if len(conflict.Candidates) > maxAutoResolveCandidates {
		return false
	}
	for _, candidate := range conflict.Candidates {
		for field := range candidate.Payload {
			if _, critical := criticalFields[field]; critical {
				return false
			}
		}
	}
	return true
}
