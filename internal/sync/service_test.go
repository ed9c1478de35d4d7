package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:trellis_sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&RecordSnapshot{}, &AppliedChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.UnixMilli(1700001000000).UTC() }
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	return service, db
}

func TestServiceAppliesNewCreate(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	cfg := changeConfig("change-1", 1700000000000, map[string]any{"title": "first entry"})
	cfg.Operation = "CREATE"
	change := mustChange(t, cfg)

	outcome, err := service.ApplyChange(context.Background(), userID, change)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected change to be accepted")
	}
	if outcome.Snapshot == nil || outcome.Snapshot.Version != 1 {
		t.Fatalf("expected snapshot version 1, got %#v", outcome.Snapshot)
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored snapshot: %v", err)
	}
	if stored.IsDeleted {
		t.Fatalf("new record must not be deleted")
	}
	if stored.LastWriterID != "device-1" {
		t.Fatalf("expected last writer device-1, got %s", stored.LastWriterID)
	}

	var ledger AppliedChange
	if err := db.First(&ledger).Error; err != nil {
		t.Fatalf("failed to load ledger row: %v", err)
	}
	if !ledger.Accepted {
		t.Fatalf("ledger row must mark the change accepted")
	}
	if ledger.NewVersion == nil || *ledger.NewVersion != 1 {
		t.Fatalf("unexpected ledger version: %#v", ledger.NewVersion)
	}
}

func TestServiceReplayIsIdempotent(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	cfg := changeConfig("change-1", 1700000000000, map[string]any{"title": "entry"})
	cfg.Operation = "CREATE"
	change := mustChange(t, cfg)

	if _, err := service.ApplyChange(context.Background(), userID, change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := service.ApplyChange(context.Background(), userID, change)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if !outcome.Duplicate {
		t.Fatalf("expected replay to be reported as duplicate")
	}

	var count int64
	if err := db.Model(&AppliedChange{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("replay must not add ledger rows, got %d", count)
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("replay must not bump the version, got %d", stored.Version)
	}
}

func TestServiceRejectsStaleLastWriteWins(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	// "notes" has no strategy mapping and resolves with last write wins.
	freshCfg := changeConfig("change-1", 1700000600000, map[string]any{"body": "fresh"})
	freshCfg.Entity = "notes"
	freshCfg.Operation = "CREATE"
	if _, err := service.ApplyChange(context.Background(), userID, mustChange(t, freshCfg)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	staleCfg := changeConfig("change-2", 1700000100000, map[string]any{"body": "stale"})
	staleCfg.Entity = "notes"
	outcome, err := service.ApplyChange(context.Background(), userID, mustChange(t, staleCfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Accepted {
		t.Fatalf("stale change must lose last write wins")
	}
	if outcome.Conflict == nil || outcome.Conflict.Kind != ConflictConcurrentUpdate {
		t.Fatalf("expected concurrent update conflict, got %#v", outcome.Conflict)
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	payload, err := stored.Payload()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["body"] != "fresh" {
		t.Fatalf("snapshot must keep the fresh value, got %v", payload["body"])
	}

	// The rejected id is in the ledger, so its replay is a no-op too.
	replay, err := service.ApplyChange(context.Background(), userID, mustChange(t, staleCfg))
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if !replay.Duplicate {
		t.Fatalf("rejected change replay must be a duplicate no-op")
	}
}

func TestServiceMergesJournalFields(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	createCfg := changeConfig("change-1", 1700000600000, map[string]any{"title": "day one", "mood": "calm"})
	createCfg.Operation = "CREATE"
	if _, err := service.ApplyChange(context.Background(), userID, mustChange(t, createCfg)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A concurrent edit with an older timestamp touching a different field
	// merges instead of losing outright.
	staleCfg := changeConfig("change-2", 1700000100000, map[string]any{"mood": "restless"})
	outcome, err := service.ApplyChange(context.Background(), userID, mustChange(t, staleCfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("merge strategy must accept the change")
	}
	if outcome.Strategy != StrategyMergeFields {
		t.Fatalf("expected merge fields strategy, got %s", outcome.Strategy)
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	payload, err := stored.Payload()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["title"] != "day one" {
		t.Fatalf("title must survive the merge, got %v", payload["title"])
	}
	if payload["mood"] != "calm" {
		t.Fatalf("newer stored mood must win the per-field merge, got %v", payload["mood"])
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2 after merge, got %d", stored.Version)
	}
}

func TestServiceSurfacesDeleteUpdateForManualReview(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	change := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "edit"}))
	outcome, err := service.ApplyChange(context.Background(), userID, change)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.ManualRequired {
		t.Fatalf("update of a missing record must require manual review")
	}
	if outcome.Accepted {
		t.Fatalf("manual conflicts must not be auto-accepted")
	}
	if outcome.Conflict == nil || outcome.Conflict.Kind != ConflictDeleteUpdate {
		t.Fatalf("expected delete-update conflict, got %#v", outcome.Conflict)
	}

	// Unresolved changes do not enter the ledger: a retry after the manual
	// decision can submit the same id again.
	var count int64
	if err := db.Model(&AppliedChange{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("manual conflicts must not be persisted, got %d ledger rows", count)
	}
}

func TestServiceManualAcceptIncomingRecreatesRecord(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	candidate := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "offline edit"}))
	surfaced, err := service.ApplyChange(context.Background(), userID, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !surfaced.ManualRequired {
		t.Fatalf("expected the conflict surfaced for manual review")
	}

	outcome, err := service.ApplyManualResolution(context.Background(), userID, ManualResolution{
		Candidate: candidate,
		Choice:    ManualChoiceAcceptIncoming,
	})
	if err != nil {
		t.Fatalf("unexpected resolution error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected the resolution accepted")
	}
	if outcome.Strategy != StrategyManual {
		t.Fatalf("expected manual strategy, got %s", outcome.Strategy)
	}
	if outcome.Change.ID == candidate.ID {
		t.Fatalf("the settled change must carry a fresh id")
	}
	if outcome.Change.Operation != OperationTypeCreate {
		t.Fatalf("accepting an update over a missing record must recreate it, got %s", outcome.Change.Operation)
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if stored.IsDeleted {
		t.Fatalf("recreated record must be live")
	}
	payload, err := stored.Payload()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["title"] != "offline edit" {
		t.Fatalf("expected the candidate payload kept, got %v", payload)
	}

	var ledger AppliedChange
	if err := db.First(&ledger).Error; err != nil {
		t.Fatalf("failed to load ledger row: %v", err)
	}
	if ledger.Strategy != string(StrategyManual) {
		t.Fatalf("expected the ledger row marked manual, got %s", ledger.Strategy)
	}
}

func TestServiceManualKeepCurrentTombstonesMissingRecord(t *testing.T) {
	service, _ := newTestService(t)
	userID := mustUserID(t, "user-1")

	candidate := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "offline edit"}))
	outcome, err := service.ApplyManualResolution(context.Background(), userID, ManualResolution{
		Candidate: candidate,
		Choice:    ManualChoiceKeepCurrent,
	})
	if err != nil {
		t.Fatalf("unexpected resolution error: %v", err)
	}
	if outcome.Snapshot == nil || !outcome.Snapshot.IsDeleted {
		t.Fatalf("keeping a missing record must tombstone it, got %#v", outcome.Snapshot)
	}

	count, err := service.RecordCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("the discarded candidate must not create a live record, got %d", count)
	}
}

func TestServiceManualMergedAppliesProvidedPayload(t *testing.T) {
	service, db := newTestService(t)
	userID := mustUserID(t, "user-1")

	candidate := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "offline edit"}))
	outcome, err := service.ApplyManualResolution(context.Background(), userID, ManualResolution{
		Candidate:     candidate,
		Choice:        ManualChoiceMerged,
		MergedPayload: map[string]any{"title": "hand-merged"},
	})
	if err != nil {
		t.Fatalf("unexpected resolution error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected the resolution accepted")
	}

	var stored RecordSnapshot
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	payload, err := stored.Payload()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["title"] != "hand-merged" {
		t.Fatalf("expected the supplied merge kept, got %v", payload)
	}
}

func TestServiceManualResolutionRejectsUnknownChoice(t *testing.T) {
	service, _ := newTestService(t)
	userID := mustUserID(t, "user-1")

	candidate := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "entry"}))
	_, err := service.ApplyManualResolution(context.Background(), userID, ManualResolution{
		Candidate: candidate,
		Choice:    ManualChoice("coin-flip"),
	})
	if !errors.Is(err, ErrUnknownManualChoice) {
		t.Fatalf("expected unknown choice error, got %v", err)
	}
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "sync.resolve_manual.resolve_failed" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestServiceManualResolutionRejectsUserMismatch(t *testing.T) {
	service, _ := newTestService(t)

	candidate := mustChange(t, changeConfig("change-1", 1700000500000, map[string]any{"title": "entry"}))
	_, err := service.ApplyManualResolution(context.Background(), mustUserID(t, "user-2"), ManualResolution{
		Candidate: candidate,
		Choice:    ManualChoiceAcceptIncoming,
	})
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "sync.resolve_manual.user_mismatch" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestServiceAppliesDelete(t *testing.T) {
	service, _ := newTestService(t)
	userID := mustUserID(t, "user-1")

	createCfg := changeConfig("change-1", 1700000100000, map[string]any{"title": "entry"})
	createCfg.Operation = "CREATE"
	if _, err := service.ApplyChange(context.Background(), userID, mustChange(t, createCfg)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleteCfg := changeConfig("change-2", 1700000200000, nil)
	deleteCfg.Operation = "DELETE"
	outcome, err := service.ApplyChange(context.Background(), userID, mustChange(t, deleteCfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected delete to be accepted")
	}
	if outcome.Snapshot == nil || !outcome.Snapshot.IsDeleted {
		t.Fatalf("expected tombstoned snapshot, got %#v", outcome.Snapshot)
	}

	count, err := service.RecordCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("deleted records must not be counted, got %d", count)
	}
}

func TestServiceRejectsUserMismatch(t *testing.T) {
	service, _ := newTestService(t)

	change := mustChange(t, changeConfig("change-1", 1700000100000, map[string]any{"title": "entry"}))
	_, err := service.ApplyChange(context.Background(), mustUserID(t, "user-2"), change)
	if err == nil {
		t.Fatalf("expected user mismatch error")
	}
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "sync.apply_changes.user_mismatch" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestServiceListSnapshotsNewestFirst(t *testing.T) {
	service, _ := newTestService(t)
	userID := mustUserID(t, "user-1")

	firstCfg := changeConfig("change-1", 1700000100000, map[string]any{"title": "older"})
	firstCfg.RecordID = "record-1"
	firstCfg.Operation = "CREATE"
	secondCfg := changeConfig("change-2", 1700000200000, map[string]any{"title": "newer"})
	secondCfg.RecordID = "record-2"
	secondCfg.Operation = "CREATE"

	result, err := service.ApplyChanges(context.Background(), userID, []Change{
		mustChange(t, firstCfg),
		mustChange(t, secondCfg),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Outcomes))
	}

	snapshots, err := service.ListSnapshots(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].RecordID != "record-2" {
		t.Fatalf("expected newest record first, got %s", snapshots[0].RecordID)
	}
}
