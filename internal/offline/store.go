package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

// Status tracks the sync lifecycle of one locally stored change.
type Status string

const (
	// StatusPending marks a change awaiting acknowledgment from the server.
	StatusPending Status = "pending"
	// StatusSynced marks an acknowledged change.
	StatusSynced Status = "synced"
	// StatusFailed marks a change whose replay was rejected or errored.
	StatusFailed Status = "failed"
)

const (
	defaultMaxEntries = 1000
	// DefaultCleanupAge is how long synced entries are retained.
	DefaultCleanupAge = 7 * 24 * time.Hour
)

var (
	// ErrQueueFull indicates the log is at capacity with only pending
	// entries, which are never evicted.
	ErrQueueFull = errors.New("offline: queue full of pending entries")
	// ErrRecordNotFound indicates the change id is not in the local log.
	ErrRecordNotFound       = errors.New("offline: record not found")
	errMissingStoreDatabase = errors.New("offline: database handle is required")
	errMissingDeviceID      = errors.New("offline: device id is required")
)

// Record is one locally stored change plus sync bookkeeping. Records are
// owned exclusively by the originating device and never shared.
type Record struct {
	ChangeID    string `gorm:"column:change_id;primaryKey;size:190;not null"`
	Entity      string `gorm:"column:entity;size:190;not null;index"`
	RecordID    string `gorm:"column:record_id;size:190;not null"`
	Operation   string `gorm:"column:op;size:16;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null"`
	DeviceID    string `gorm:"column:device_id;size:190;not null"`
	DeviceType  string `gorm:"column:device_type;size:16;not null;default:''"`
	TimestampMs int64  `gorm:"column:timestamp_ms;not null;index"`
	Version     int64  `gorm:"column:version;not null;default:0"`
	Status      Status `gorm:"column:status;size:16;not null;default:'pending';index"`
	StoredAtMs  int64  `gorm:"column:stored_at_ms;not null"`
	SyncedAtMs  *int64 `gorm:"column:synced_at_ms"`
	LastError   string `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "offline_changes"
}

// Change decodes the stored record back into a domain Change.
func (record Record) Change() (sync.Change, error) {
	payload := map[string]any{}
	if record.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
			return sync.Change{}, err
		}
	}
	return sync.NewChange(sync.ChangeConfig{
		ID:               record.ChangeID,
		Entity:           record.Entity,
		RecordID:         record.RecordID,
		Operation:        record.Operation,
		Payload:          payload,
		UserID:           record.UserID,
		OriginDeviceID:   record.DeviceID,
		OriginDeviceType: record.DeviceType,
		TimestampMillis:  record.TimestampMs,
		Version:          record.Version,
	})
}

// Metadata is the single local bookkeeping row for the device.
type Metadata struct {
	DeviceID     string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastSyncAtMs int64  `gorm:"column:last_sync_at_ms;not null;default:0"`
	QueueSize    int64  `gorm:"column:queue_size;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Metadata) TableName() string {
	return "offline_metadata"
}

// Counts summarizes the local log by status.
type Counts struct {
	Total   int64
	Pending int64
	Synced  int64
	Failed  int64
}

// StoreConfig describes the dependencies of the device-local change log.
type StoreConfig struct {
	Database   *gorm.DB
	DeviceID   sync.DeviceID
	MaxEntries int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the append-only durable log of changes made while disconnected
// or pending acknowledgment.
type Store struct {
	db         *gorm.DB
	deviceID   sync.DeviceID
	maxEntries int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore validates the configuration, migrates the local schema, and
// constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingStoreDatabase
	}
	if cfg.DeviceID.String() == "" {
		return nil, errMissingDeviceID
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Database.AutoMigrate(&Record{}, &Metadata{}); err != nil {
		return nil, err
	}
	return &Store{
		db:         cfg.Database,
		deviceID:   cfg.DeviceID,
		maxEntries: maxEntries,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Store appends a change as pending. At capacity, the oldest synced entries
// are evicted first; pending entries are never evicted, so a log full of
// pending work rejects the write instead of losing it.
func (s *Store) Store(ctx context.Context, change sync.Change) error {
	payloadJSON, err := json.Marshal(change.Payload)
	if err != nil {
		return fmt.Errorf("offline: encode payload: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&Record{}).Count(&total).Error; err != nil {
			return err
		}
		if total >= int64(s.maxEntries) {
			toEvict := total - int64(s.maxEntries) + 1
			if err := s.evictSynced(tx, toEvict); err != nil {
				return err
			}
		}

		record := Record{
			ChangeID:    change.ID.String(),
			Entity:      change.Entity.String(),
			RecordID:    change.RecordID.String(),
			Operation:   string(change.Operation),
			PayloadJSON: string(payloadJSON),
			UserID:      change.UserID.String(),
			DeviceID:    change.OriginDeviceID.String(),
			DeviceType:  change.OriginDeviceType.String(),
			TimestampMs: change.Timestamp.Int64(),
			Version:     change.Version,
			Status:      StatusPending,
			StoredAtMs:  s.clock().UTC().UnixMilli(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return s.refreshMetadata(tx)
	})
}

func (s *Store) evictSynced(tx *gorm.DB, count int64) error {
	var evictable []Record
	if err := tx.Select("change_id").
		Where("status = ?", StatusSynced).
		Order("stored_at_ms ASC").
		Limit(int(count)).
		Find(&evictable).Error; err != nil {
		return err
	}
	if int64(len(evictable)) < count {
		return ErrQueueFull
	}
	ids := make([]string, 0, len(evictable))
	for _, record := range evictable {
		ids = append(ids, record.ChangeID)
	}
	return tx.Where("change_id IN ?", ids).Delete(&Record{}).Error
}

// PendingSync returns all pending entries in ascending timestamp order.
// Replay order matters: earlier local intents must be re-validated before
// later ones.
func (s *Store) PendingSync(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("timestamp_ms ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSynced transitions an entry to synced and stamps the sync time.
func (s *Store) MarkSynced(ctx context.Context, changeID sync.ChangeID) error {
	now := s.clock().UTC().UnixMilli()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Record{}).
			Where("change_id = ?", changeID.String()).
			Updates(map[string]any{"status": StatusSynced, "synced_at_ms": now, "last_error": ""})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		if err := tx.Model(&Metadata{}).
			Where("device_id = ?", s.deviceID.String()).
			Update("last_sync_at_ms", now).Error; err != nil {
			return err
		}
		return s.refreshMetadata(tx)
	})
}

// MarkFailed transitions an entry to failed with the delivery error.
func (s *Store) MarkFailed(ctx context.Context, changeID sync.ChangeID, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("change_id = ?", changeID.String()).
		Updates(map[string]any{"status": StatusFailed, "last_error": message})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkForSync resets a failed entry back to pending for a retry.
func (s *Store) MarkForSync(ctx context.Context, changeID sync.ChangeID) error {
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("change_id = ? AND status = ?", changeID.String(), StatusFailed).
		Updates(map[string]any{"status": StatusPending, "last_error": ""})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CleanupSynced purges synced entries older than maxAge.
func (s *Store) CleanupSynced(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	cutoff := s.clock().UTC().Add(-maxAge).UnixMilli()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ? AND synced_at_ms IS NOT NULL AND synced_at_ms < ?", StatusSynced, cutoff).
			Delete(&Record{}).Error; err != nil {
			return err
		}
		return s.refreshMetadata(tx)
	})
}

// Stats returns the per-status entry counts.
func (s *Store) Stats(ctx context.Context) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx).Model(&Record{})
	if err := db.Count(&counts.Total).Error; err != nil {
		return Counts{}, err
	}
	statuses := map[Status]*int64{
		StatusPending: &counts.Pending,
		StatusSynced:  &counts.Synced,
		StatusFailed:  &counts.Failed,
	}
	for status, target := range statuses {
		if err := s.db.WithContext(ctx).Model(&Record{}).
			Where("status = ?", status).
			Count(target).Error; err != nil {
			return Counts{}, err
		}
	}
	return counts, nil
}

// Clear wipes the local log and metadata, used on logout or device reset.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Record{}).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ?", s.deviceID.String()).Delete(&Metadata{}).Error
	})
}

// Metadata returns the device's local bookkeeping row.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	var metadata Metadata
	err := s.db.WithContext(ctx).
		Where("device_id = ?", s.deviceID.String()).
		Take(&metadata).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Metadata{DeviceID: s.deviceID.String()}, nil
	}
	if err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (s *Store) refreshMetadata(tx *gorm.DB) error {
	var queueSize int64
	if err := tx.Model(&Record{}).
		Where("status = ?", StatusPending).
		Count(&queueSize).Error; err != nil {
		return err
	}
	var metadata Metadata
	err := tx.Where("device_id = ?", s.deviceID.String()).Take(&metadata).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&Metadata{DeviceID: s.deviceID.String(), QueueSize: queueSize}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&Metadata{}).
		Where("device_id = ?", s.deviceID.String()).
		Update("queue_size", queueSize).Error
}
