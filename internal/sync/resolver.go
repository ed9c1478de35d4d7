package sync

import (
	"errors"
	"fmt"
	"sort"
)

// ResolutionStrategy enumerates the supported conflict resolution behaviors.
type ResolutionStrategy string

const (
	// StrategyLastWriteWins accepts the candidate with the maximum timestamp outright.
	StrategyLastWriteWins ResolutionStrategy = "LAST_WRITE_WINS"
	// StrategyMergeFields merges candidate fields so the last writer wins per field.
	StrategyMergeFields ResolutionStrategy = "MERGE_FIELDS"
	// StrategyUserPriority prefers the highest-privilege author, falling back to last write wins.
	StrategyUserPriority ResolutionStrategy = "USER_PRIORITY"
	// StrategyDeviceSpecific keeps every device's value under a device-type namespace.
	StrategyDeviceSpecific ResolutionStrategy = "DEVICE_SPECIFIC"
	// StrategyManual marks a change settled by an explicit user decision.
	StrategyManual ResolutionStrategy = "MANUAL"
)

// systemFields are excluded from field merging.
var systemFields = map[string]struct{}{
	"id":        {},
	"version":   {},
	"createdAt": {},
	"updatedAt": {},
}

var (
	// ErrNoCandidates indicates a resolution attempt without competing changes.
	ErrNoCandidates = errors.New("sync: no candidate changes")
	// ErrManualResolutionRequired indicates the conflict failed the automatic gate.
	ErrManualResolutionRequired = errors.New("sync: manual resolution required")
	// ErrUnknownStrategy indicates an unrecognized resolution strategy.
	ErrUnknownStrategy = errors.New("sync: unknown resolution strategy")
	// ErrUnknownManualChoice indicates an unrecognized manual resolution choice.
	ErrUnknownManualChoice = errors.New("sync: unknown manual resolution choice")
)

// StrategyTable maps entity types to resolution strategies. Entities without
// an explicit entry resolve with last write wins.
type StrategyTable struct {
	strategies map[EntityType]ResolutionStrategy
}

// NewStrategyTable builds an empty strategy table.
func NewStrategyTable() *StrategyTable {
	return &StrategyTable{strategies: make(map[EntityType]ResolutionStrategy)}
}

// DefaultStrategyTable returns the built-in entity-to-strategy assignments.
func DefaultStrategyTable() *StrategyTable {
	table := NewStrategyTable()
	table.Set(EntityType("preferences"), StrategyDeviceSpecific)
	table.Set(EntityType("profil"), StrategyUserPriority)
	table.Set(EntityType("journal"), StrategyMergeFields)
	return table
}

// Set assigns a strategy for an entity type.
func (table *StrategyTable) Set(entity EntityType, strategy ResolutionStrategy) {
	table.strategies[entity] = strategy
}

// StrategyFor returns the resolution strategy for an entity type.
func (table *StrategyTable) StrategyFor(entity EntityType) ResolutionStrategy {
	if table == nil {
		return StrategyLastWriteWins
	}
	if strategy, ok := table.strategies[entity]; ok {
		return strategy
	}
	return StrategyLastWriteWins
}

// Resolution is the outcome of resolving a conflict: a single synthesized
// change plus the per-field writer timestamps backing it.
type Resolution struct {
	Change     Change
	FieldTimes map[string]int64
	Strategy   ResolutionStrategy
}

// ResolveConflict resolves a conflict with the given strategy. It is a pure
// function of its inputs: the snapshot and candidates are never mutated and
// the returned change is a fresh value.
func ResolveConflict(conflict Conflict, strategy ResolutionStrategy) (Resolution, error) {
	if len(conflict.Candidates) == 0 {
		return Resolution{}, ErrNoCandidates
	}

	candidates := sortedByTimestamp(conflict.Candidates)

	switch strategy {
	case StrategyLastWriteWins:
		return resolveLastWriteWins(candidates), nil
	case StrategyMergeFields:
		return resolveMergeFields(conflict.CurrentSnapshot, candidates)
	case StrategyUserPriority:
		return resolveUserPriority(candidates), nil
	case StrategyDeviceSpecific:
		return resolveDeviceSpecific(conflict.CurrentSnapshot, candidates)
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// sortedByTimestamp returns a copy of the candidates in ascending timestamp
// order. Ordering falls back to change id for identical timestamps so the
// result is deterministic across replicas.
func sortedByTimestamp(candidates []Change) []Change {
	sorted := make([]Change, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(left, right int) bool {
		if sorted[left].Timestamp != sorted[right].Timestamp {
			return sorted[left].Timestamp < sorted[right].Timestamp
		}
		return sorted[left].ID < sorted[right].ID
	})
	return sorted
}

func resolveLastWriteWins(sorted []Change) Resolution {
	winner := sorted[len(sorted)-1]
	return Resolution{
		Change:     winner,
		FieldTimes: uniformFieldTimes(winner),
		Strategy:   StrategyLastWriteWins,
	}
}

func resolveMergeFields(snapshot *RecordSnapshot, sorted []Change) (Resolution, error) {
	merged := map[string]any{}
	fieldTimes := map[string]int64{}
	if snapshot != nil {
		stored, err := snapshot.Payload()
		if err != nil {
			return Resolution{}, err
		}
		storedTimes, err := snapshot.FieldTimes()
		if err != nil {
			return Resolution{}, err
		}
		for field, value := range stored {
			merged[field] = value
		}
		for field, writtenAt := range storedTimes {
			fieldTimes[field] = writtenAt
		}
	}

	for _, candidate := range sorted {
		for field, value := range candidate.Payload {
			if _, system := systemFields[field]; system {
				continue
			}
			if candidate.Timestamp.Int64() < fieldTimes[field] {
				continue
			}
			merged[field] = value
			fieldTimes[field] = candidate.Timestamp.Int64()
		}
	}

	latest := sorted[len(sorted)-1]
	resolved := latest
	resolved.Payload = merged
	return Resolution{
		Change:     resolved,
		FieldTimes: fieldTimes,
		Strategy:   StrategyMergeFields,
	}, nil
}

func resolveUserPriority(sorted []Change) Resolution {
	topPriority := int64(0)
	for _, candidate := range sorted {
		if candidate.ProfilePriority > topPriority {
			topPriority = candidate.ProfilePriority
		}
	}
	if topPriority == 0 {
		resolution := resolveLastWriteWins(sorted)
		resolution.Strategy = StrategyUserPriority
		return resolution
	}

	privileged := make([]Change, 0, len(sorted))
	for _, candidate := range sorted {
		if candidate.ProfilePriority == topPriority {
			privileged = append(privileged, candidate)
		}
	}
	resolution := resolveLastWriteWins(privileged)
	resolution.Strategy = StrategyUserPriority
	return resolution
}

// resolveDeviceSpecific namespaces every candidate's fields under its device
// type so no value is discarded. Candidates without a declared device type
// are grouped under their origin device id.
func resolveDeviceSpecific(snapshot *RecordSnapshot, sorted []Change) (Resolution, error) {
	merged := map[string]any{}
	fieldTimes := map[string]int64{}
	if snapshot != nil {
		stored, err := snapshot.Payload()
		if err != nil {
			return Resolution{}, err
		}
		storedTimes, err := snapshot.FieldTimes()
		if err != nil {
			return Resolution{}, err
		}
		for field, value := range stored {
			merged[field] = value
		}
		for field, writtenAt := range storedTimes {
			fieldTimes[field] = writtenAt
		}
	}

	for _, candidate := range sorted {
		namespace := candidate.OriginDeviceType.String()
		if namespace == "" {
			namespace = candidate.OriginDeviceID.String()
		}
		for field, value := range candidate.Payload {
			if _, system := systemFields[field]; system {
				continue
			}
			namespaced := namespace + "." + field
			if candidate.Timestamp.Int64() < fieldTimes[namespaced] {
				continue
			}
			merged[namespaced] = value
			fieldTimes[namespaced] = candidate.Timestamp.Int64()
		}
	}

	latest := sorted[len(sorted)-1]
	resolved := latest
	resolved.Payload = merged
	return Resolution{
		Change:     resolved,
		FieldTimes: fieldTimes,
		Strategy:   StrategyDeviceSpecific,
	}, nil
}

func uniformFieldTimes(change Change) map[string]int64 {
	times := make(map[string]int64, len(change.Payload))
	for field := range change.Payload {
		times[field] = change.Timestamp.Int64()
	}
	return times
}

// ManualChoice enumerates the decisions a human (or policy) can make for a
// conflict that failed the automatic gate.
type ManualChoice string

const (
	// ManualChoiceKeepCurrent discards the candidates and keeps the snapshot.
	ManualChoiceKeepCurrent ManualChoice = "keep-current"
	// ManualChoiceAcceptIncoming applies the latest candidate.
	ManualChoiceAcceptIncoming ManualChoice = "accept-incoming"
	// ManualChoiceMerged applies a caller-supplied merged payload.
	ManualChoiceMerged ManualChoice = "merged"
)

// ManualResolutionConfig carries the human decision for a surfaced conflict.
type ManualResolutionConfig struct {
	Choice           ManualChoice
	MergedPayload    map[string]any
	ResolvedChangeID string
	ResolvedAtMillis int64
}

// ResolveManually synthesizes the single change that re-enters the pipeline
// after a manual decision.
func ResolveManually(conflict Conflict, cfg ManualResolutionConfig) (Change, error) {
	if len(conflict.Candidates) == 0 {
		return Change{}, ErrNoCandidates
	}
	changeID, err := NewChangeID(cfg.ResolvedChangeID)
	if err != nil {
		return Change{}, err
	}
	resolvedAt, err := NewUnixMillis(cfg.ResolvedAtMillis)
	if err != nil {
		return Change{}, err
	}

	sorted := sortedByTimestamp(conflict.Candidates)
	latest := sorted[len(sorted)-1]
	resolved := latest
	resolved.ID = changeID
	resolved.Timestamp = resolvedAt
	resolved.Operation = OperationTypeUpdate

	switch cfg.Choice {
	case ManualChoiceKeepCurrent:
		if conflict.CurrentSnapshot == nil {
			resolved.Operation = OperationTypeDelete
			resolved.Payload = nil
			return resolved, nil
		}
		stored, err := conflict.CurrentSnapshot.Payload()
		if err != nil {
			return Change{}, err
		}
		resolved.Payload = stored
		return resolved, nil
	case ManualChoiceAcceptIncoming:
		if conflict.Kind == ConflictDeleteUpdate && latest.Operation == OperationTypeUpdate {
			resolved.Operation = OperationTypeCreate
		}
		return resolved, nil
	case ManualChoiceMerged:
		resolved.Payload = cfg.MergedPayload
		return resolved, nil
	default:
		return Change{}, fmt.Errorf("%w: %q", ErrUnknownManualChoice, cfg.Choice)
	}
}
