package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errUserMismatch      = errors.New("change user does not match session user")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "sync.service.new"
	opApplyChanges  = "sync.apply_changes"
	opResolveManual = "sync.resolve_manual"
	opListSnapshots = "sync.list_snapshots"
	opRecordCount   = "sync.record_count"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the sync pipeline service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Strategies *StrategyTable
	Logger     *zap.Logger
}

// Service owns the authoritative apply pipeline: idempotency check,
// conflict detection, resolution, and persistence for incoming changes.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	strategies *StrategyTable
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = DefaultStrategyTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		strategies: strategies,
		logger:     logger,
	}, nil
}

// ApplyOutcome captures the decision for one incoming change.
type ApplyOutcome struct {
	Change         Change
	Snapshot       *RecordSnapshot
	Conflict       *Conflict
	Strategy       ResolutionStrategy
	Accepted       bool
	Duplicate      bool
	ManualRequired bool
}

// ApplyResult aggregates outcomes for a batch of changes.
type ApplyResult struct {
	Outcomes []ApplyOutcome
}

// ApplyChange runs a single change through the pipeline.
func (s *Service) ApplyChange(ctx context.Context, userID UserID, change Change) (ApplyOutcome, error) {
	result, err := s.ApplyChanges(ctx, userID, []Change{change})
	if err != nil {
		return ApplyOutcome{}, err
	}
	return result.Outcomes[0], nil
}

// ApplyChanges runs a batch of changes through detection and resolution in
// one transaction. Snapshot rows are locked for update so resolution for a
// given record never runs concurrently.
func (s *Service) ApplyChanges(ctx context.Context, userID UserID, changes []Change) (ApplyResult, error) {
	result := ApplyResult{Outcomes: make([]ApplyOutcome, 0, len(changes))}
	if len(changes) == 0 {
		return result, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			if change.UserID != userID {
				s.logError(opApplyChanges, "user_mismatch", errUserMismatch,
					zap.String("user_id", userID.String()),
					zap.String("change_id", change.ID.String()))
				return newServiceError(opApplyChanges, "user_mismatch", errUserMismatch)
			}

			outcome, err := s.applyOne(tx, change)
			if err != nil {
				return err
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}
		return nil
	})
	if txErr != nil {
		return ApplyResult{}, txErr
	}
	return result, nil
}

func (s *Service) applyOne(tx *gorm.DB, change Change) (ApplyOutcome, error) {
	var prior AppliedChange
	err := tx.Where("change_id = ?", change.ID.String()).Take(&prior).Error
	if err == nil {
		// Replay of an already-processed id is an idempotent no-op.
		return ApplyOutcome{Change: change, Duplicate: true, Accepted: false}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opApplyChanges, "ledger_lookup_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "ledger_lookup_failed", err)
	}

	var existing RecordSnapshot
	var snapshot *RecordSnapshot
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND entity = ? AND record_id = ?",
			change.UserID.String(), change.Entity.String(), change.RecordID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snapshot = nil
	} else if err != nil {
		s.logError(opApplyChanges, "snapshot_select_failed", err,
			zap.String("user_id", change.UserID.String()),
			zap.String("record_id", change.RecordID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "snapshot_select_failed", err)
	} else {
		snapshot = &existing
	}

	kind := detectConflict(snapshot, change)
	if kind == ConflictNone {
		return s.persistAccepted(tx, change, snapshot, Resolution{
			Change:     change,
			FieldTimes: uniformFieldTimes(change),
		}, kind, "")
	}

	conflict := newConflict(kind, snapshot, change)
	if !CanResolveAutomatically(conflict) {
		return ApplyOutcome{
			Change:         change,
			Snapshot:       snapshot,
			Conflict:       &conflict,
			ManualRequired: true,
		}, nil
	}

	strategy := s.strategies.StrategyFor(change.Entity)
	resolution, err := ResolveConflict(conflict, strategy)
	if err != nil {
		s.logError(opApplyChanges, "resolve_failed", err,
			zap.String("change_id", change.ID.String()),
			zap.String("strategy", string(strategy)))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "resolve_failed", err)
	}

	if rejectedByStrategy(strategy, resolution.Change, snapshot) {
		outcome, err := s.recordRejected(tx, change, snapshot, kind, strategy)
		if err != nil {
			return ApplyOutcome{}, err
		}
		outcome.Conflict = &conflict
		return outcome, nil
	}

	outcome, err := s.persistAccepted(tx, change, snapshot, resolution, kind, strategy)
	if err != nil {
		return ApplyOutcome{}, err
	}
	outcome.Conflict = &conflict
	return outcome, nil
}

// rejectedByStrategy reports whether a winner-picking strategy chose the
// stored state over the candidates. Merge-style strategies never reject;
// stale fields are simply ignored during the merge.
func rejectedByStrategy(strategy ResolutionStrategy, resolved Change, snapshot *RecordSnapshot) bool {
	if strategy != StrategyLastWriteWins && strategy != StrategyUserPriority {
		return false
	}
	if snapshot == nil {
		return false
	}
	if strategy == StrategyUserPriority && resolved.ProfilePriority > 0 {
		return false
	}
	return resolved.Timestamp.Int64() < snapshot.UpdatedAtMs
}

func (s *Service) persistAccepted(tx *gorm.DB, change Change, snapshot *RecordSnapshot, resolution Resolution, kind ConflictKind, strategy ResolutionStrategy) (ApplyOutcome, error) {
	payloadJSON, err := json.Marshal(resolution.Change.Payload)
	if err != nil {
		s.logError(opApplyChanges, "payload_encode_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "payload_encode_failed", err)
	}
	fieldTimesJSON, err := json.Marshal(resolution.FieldTimes)
	if err != nil {
		s.logError(opApplyChanges, "field_times_encode_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "field_times_encode_failed", err)
	}

	updated := RecordSnapshot{
		UserID:   change.UserID.String(),
		Entity:   change.Entity.String(),
		RecordID: change.RecordID.String(),
	}
	var previousVersion *int64
	if snapshot != nil {
		updated = *snapshot
		version := snapshot.Version
		previousVersion = &version
	}

	changeMillis := resolution.Change.Timestamp.Int64()
	if updated.CreatedAtMs == 0 {
		updated.CreatedAtMs = changeMillis
	}
	if changeMillis > updated.UpdatedAtMs {
		updated.UpdatedAtMs = changeMillis
	}
	updated.PayloadJSON = string(payloadJSON)
	updated.FieldTimesJSON = string(fieldTimesJSON)
	updated.LastWriterID = change.OriginDeviceID.String()
	updated.IsDeleted = change.Operation == OperationTypeDelete
	if change.Operation == OperationTypeCreate {
		updated.IsDeleted = false
	}
	nextVersion := updated.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	if err := tx.Save(&updated).Error; err != nil {
		s.logError(opApplyChanges, "snapshot_save_failed", err,
			zap.String("user_id", change.UserID.String()),
			zap.String("record_id", change.RecordID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "snapshot_save_failed", err)
	}

	appliedAt := s.clock().UTC()
	ledger := AppliedChange{
		ChangeID:        change.ID.String(),
		UserID:          change.UserID.String(),
		Entity:          change.Entity.String(),
		RecordID:        change.RecordID.String(),
		OriginDeviceID:  change.OriginDeviceID.String(),
		Operation:       change.Operation,
		PayloadJSON:     string(payloadJSON),
		ClientTimeMs:    change.Timestamp.Int64(),
		AppliedAtMs:     appliedAt.UnixMilli(),
		Accepted:        true,
		ConflictKind:    string(kind),
		Strategy:        string(strategy),
		PreviousVersion: previousVersion,
		NewVersion:      pointerTo(updated.Version),
	}
	if err := tx.Create(&ledger).Error; err != nil {
		s.logError(opApplyChanges, "ledger_insert_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "ledger_insert_failed", err)
	}

	resolved := resolution.Change
	resolved.Version = updated.Version
	return ApplyOutcome{
		Change:   resolved,
		Snapshot: &updated,
		Strategy: strategy,
		Accepted: true,
	}, nil
}

// recordRejected writes the losing change to the ledger so replays of the
// same id stay no-ops, without touching the snapshot.
func (s *Service) recordRejected(tx *gorm.DB, change Change, snapshot *RecordSnapshot, kind ConflictKind, strategy ResolutionStrategy) (ApplyOutcome, error) {
	payloadJSON, err := json.Marshal(change.Payload)
	if err != nil {
		s.logError(opApplyChanges, "payload_encode_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "payload_encode_failed", err)
	}

	appliedAt := s.clock().UTC()
	ledger := AppliedChange{
		ChangeID:       change.ID.String(),
		UserID:         change.UserID.String(),
		Entity:         change.Entity.String(),
		RecordID:       change.RecordID.String(),
		OriginDeviceID: change.OriginDeviceID.String(),
		Operation:      change.Operation,
		PayloadJSON:    string(payloadJSON),
		ClientTimeMs:   change.Timestamp.Int64(),
		AppliedAtMs:    appliedAt.UnixMilli(),
		Accepted:       false,
		ConflictKind:   string(kind),
		Strategy:       string(strategy),
	}
	if err := tx.Create(&ledger).Error; err != nil {
		s.logError(opApplyChanges, "ledger_insert_failed", err, zap.String("change_id", change.ID.String()))
		return ApplyOutcome{}, newServiceError(opApplyChanges, "ledger_insert_failed", err)
	}

	return ApplyOutcome{
		Change:   change,
		Snapshot: snapshot,
		Strategy: strategy,
		Accepted: false,
	}, nil
}

// ManualResolution carries the conflicted change a device still holds plus
// the user's decision for it.
type ManualResolution struct {
	Candidate     Change
	Choice        ManualChoice
	MergedPayload map[string]any
}

// ApplyManualResolution synthesizes the decided change for a conflict that
// failed the automatic gate and persists it directly, bypassing
// re-detection: the conflict has already been adjudicated. The synthesized
// change carries a fresh id, so replaying the original candidate afterwards
// still resolves against the settled snapshot instead of short-circuiting
// on the ledger.
func (s *Service) ApplyManualResolution(ctx context.Context, userID UserID, resolution ManualResolution) (ApplyOutcome, error) {
	candidate := resolution.Candidate
	if candidate.UserID != userID {
		s.logError(opResolveManual, "user_mismatch", errUserMismatch,
			zap.String("user_id", userID.String()),
			zap.String("change_id", candidate.ID.String()))
		return ApplyOutcome{}, newServiceError(opResolveManual, "user_mismatch", errUserMismatch)
	}

	var outcome ApplyOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RecordSnapshot
		var snapshot *RecordSnapshot
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entity = ? AND record_id = ?",
				candidate.UserID.String(), candidate.Entity.String(), candidate.RecordID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			snapshot = nil
		} else if err != nil {
			s.logError(opResolveManual, "snapshot_select_failed", err,
				zap.String("user_id", candidate.UserID.String()),
				zap.String("record_id", candidate.RecordID.String()))
			return newServiceError(opResolveManual, "snapshot_select_failed", err)
		} else {
			snapshot = &existing
		}

		resolvedID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opResolveManual, "id_generation_failed", err)
		}
		conflict := newConflict(detectConflict(snapshot, candidate), snapshot, candidate)
		resolved, err := ResolveManually(conflict, ManualResolutionConfig{
			Choice:           resolution.Choice,
			MergedPayload:    resolution.MergedPayload,
			ResolvedChangeID: resolvedID,
			ResolvedAtMillis: s.clock().UTC().UnixMilli(),
		})
		if err != nil {
			s.logError(opResolveManual, "resolve_failed", err,
				zap.String("change_id", candidate.ID.String()),
				zap.String("choice", string(resolution.Choice)))
			return newServiceError(opResolveManual, "resolve_failed", err)
		}

		outcome, err = s.persistAccepted(tx, resolved, snapshot, Resolution{
			Change:     resolved,
			FieldTimes: uniformFieldTimes(resolved),
			Strategy:   StrategyManual,
		}, conflict.Kind, StrategyManual)
		return err
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// ListSnapshots returns all live records for the provided user, newest first.
func (s *Service) ListSnapshots(ctx context.Context, userID UserID) ([]RecordSnapshot, error) {
	var snapshots []RecordSnapshot
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", userID.String(), false).
		Order("updated_at_ms DESC").
		Find(&snapshots).Error; err != nil {
		s.logError(opListSnapshots, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListSnapshots, "query_failed", err)
	}
	return snapshots, nil
}

// RecordCount returns the number of live records for the user.
func (s *Service) RecordCount(ctx context.Context, userID UserID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&RecordSnapshot{}).
		Where("user_id = ? AND is_deleted = ?", userID.String(), false).
		Count(&count).Error; err != nil {
		s.logError(opRecordCount, "query_failed", err, zap.String("user_id", userID.String()))
		return 0, newServiceError(opRecordCount, "query_failed", err)
	}
	return count, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
