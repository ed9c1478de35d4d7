package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

// JobStatus tracks the lifecycle of one durable delivery job.
type JobStatus string

const (
	// JobStatusPending marks a job awaiting its next delivery attempt.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusSynced marks a delivered job.
	JobStatusSynced JobStatus = "SYNCED"
	// JobStatusFailed marks a job that exhausted its retry budget.
	JobStatusFailed JobStatus = "FAILED"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultWorkerCount = 4
	defaultPollEvery   = 500 * time.Millisecond
	defaultClaimLease  = time.Minute
	claimBatchSize     = 32
)

var (
	errMissingQueueDatabase = errors.New("database handle is required")
	errMissingDeliverFunc   = errors.New("deliver function is required")
)

// DeliveryJob is the persisted at-least-once delivery work item for one
// target device. Jobs outlive device connections: a disconnect never
// cancels them, and a job stays pending until its device drains it.
type DeliveryJob struct {
	JobID           string `gorm:"column:job_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index"`
	DeviceID        string `gorm:"column:device_id;size:190;not null;index"`
	ChangeID        string `gorm:"column:change_id;size:190;not null;index"`
	ChangeJSON      string `gorm:"column:change_json;type:text;not null"`
	Status          string `gorm:"column:status;size:16;not null;default:'PENDING';index:idx_jobs_due,priority:1"`
	Attempts        int    `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMs int64  `gorm:"column:next_attempt_at_ms;not null;index:idx_jobs_due,priority:2"`
	LastError       string `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtMs     int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryJob) TableName() string {
	return "delivery_jobs"
}

// Change decodes the job's stored change document.
func (job DeliveryJob) Change() (sync.Change, error) {
	var document sync.ChangeDocument
	if err := json.Unmarshal([]byte(job.ChangeJSON), &document); err != nil {
		return sync.Change{}, err
	}
	return document.Decode()
}

// DeliverFunc redelivers one job to its target device. Returning an error
// (including "device not attached") schedules a retry.
type DeliverFunc func(ctx context.Context, deviceID sync.DeviceID, change sync.Change) error

// DeliveryQueueConfig describes the dependencies of the durable queue.
type DeliveryQueueConfig struct {
	Database    *gorm.DB
	Deliver     DeliverFunc
	IDProvider  sync.IDProvider
	Tracker     *telemetry.Tracker
	Clock       func() time.Time
	Logger      *zap.Logger
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	PollEvery   time.Duration
}

// DeliveryQueue persists delivery jobs and retries them with exponential
// backoff until they succeed or exhaust the attempt budget. It is the
// authoritative at-least-once path; the in-process fan-out is only a
// latency optimization.
type DeliveryQueue struct {
	db          *gorm.DB
	deliver     DeliverFunc
	idProvider  sync.IDProvider
	tracker     *telemetry.Tracker
	clock       func() time.Time
	logger      *zap.Logger
	workers     int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	pollEvery   time.Duration
}

// NewDeliveryQueue validates the configuration and constructs the queue.
func NewDeliveryQueue(cfg DeliveryQueueConfig) (*DeliveryQueue, error) {
	if cfg.Database == nil {
		return nil, errMissingQueueDatabase
	}
	if cfg.Deliver == nil {
		return nil, errMissingDeliverFunc
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = sync.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	pollEvery := cfg.PollEvery
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &DeliveryQueue{
		db:          cfg.Database,
		deliver:     cfg.Deliver,
		idProvider:  idProvider,
		tracker:     cfg.Tracker,
		clock:       clock,
		logger:      logger,
		workers:     workers,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		pollEvery:   pollEvery,
	}, nil
}

// Enqueue persists one delivery job per target device. Failure means the
// change has no durable delivery guarantee and must be surfaced to the
// caller. An empty target set is a no-op.
func (q *DeliveryQueue) Enqueue(ctx context.Context, change sync.Change, targets []sync.DeviceID) error {
	if len(targets) == 0 {
		return nil
	}
	encoded, err := json.Marshal(sync.EncodeChange(change))
	if err != nil {
		return err
	}
	now := q.clock().UTC().UnixMilli()
	jobs := make([]DeliveryJob, 0, len(targets))
	for _, target := range targets {
		jobID, err := q.idProvider.NewID()
		if err != nil {
			return err
		}
		jobs = append(jobs, DeliveryJob{
			JobID:           jobID,
			UserID:          change.UserID.String(),
			DeviceID:        target.String(),
			ChangeID:        change.ID.String(),
			ChangeJSON:      string(encoded),
			Status:          string(JobStatusPending),
			NextAttemptAtMs: now,
			CreatedAtMs:     now,
			UpdatedAtMs:     now,
		})
	}
	return q.db.WithContext(ctx).Create(&jobs).Error
}

// Run polls for due jobs and hands them to a bounded worker pool until the
// context is cancelled. In-flight deliveries finish before Run returns.
func (q *DeliveryQueue) Run(ctx context.Context) {
	jobs := make(chan DeliveryJob)
	var workerGroup gosync.WaitGroup
	for i := 0; i < q.workers; i++ {
		workerGroup.Add(1)
		go func() {
			defer workerGroup.Done()
			for job := range jobs {
				q.attempt(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			workerGroup.Wait()
			return
		case <-ticker.C:
			claimed, err := q.claimDue(ctx)
			if err != nil {
				q.logger.Error("delivery queue claim failed", zap.Error(err))
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					close(jobs)
					workerGroup.Wait()
					return
				}
			}
		}
	}
}

// claimDue leases due jobs by pushing their next attempt time forward so a
// job is never dispatched to two workers.
func (q *DeliveryQueue) claimDue(ctx context.Context) ([]DeliveryJob, error) {
	now := q.clock().UTC().UnixMilli()
	var due []DeliveryJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ? AND next_attempt_at_ms <= ?", string(JobStatusPending), now).
			Order("next_attempt_at_ms ASC").
			Limit(claimBatchSize).
			Find(&due).Error; err != nil {
			return err
		}
		lease := now + defaultClaimLease.Milliseconds()
		for index := range due {
			if err := tx.Model(&DeliveryJob{}).
				Where("job_id = ?", due[index].JobID).
				Updates(map[string]any{"next_attempt_at_ms": lease, "updated_at_ms": now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return due, err
}

func (q *DeliveryQueue) attempt(ctx context.Context, job DeliveryJob) {
	change, err := job.Change()
	if err != nil {
		// Undecodable jobs can never succeed, terminate them.
		q.finalize(ctx, job, JobStatusFailed, fmt.Sprintf("decode: %v", err))
		return
	}

	deviceID, err := sync.NewDeviceID(job.DeviceID)
	if err != nil {
		q.finalize(ctx, job, JobStatusFailed, fmt.Sprintf("device id: %v", err))
		return
	}

	deliverErr := q.deliver(ctx, deviceID, change)
	if deliverErr == nil {
		q.finalize(ctx, job, JobStatusSynced, "")
		if q.tracker != nil {
			latency := q.clock().UTC().Sub(change.Timestamp.Time())
			q.tracker.MarkSynced(job.UserID, job.ChangeID, latency)
		}
		return
	}

	if errors.Is(deliverErr, ErrDeviceNotAttached) {
		// The target device is simply offline. Waiting it out is not a
		// failed attempt: the job parks at the backoff cap and a reconnect
		// expedites it, however long the offline window lasts.
		now := q.clock().UTC().UnixMilli()
		err := q.db.WithContext(ctx).Model(&DeliveryJob{}).
			Where("job_id = ?", job.JobID).
			Updates(map[string]any{
				"next_attempt_at_ms": now + q.maxBackoff.Milliseconds(),
				"last_error":         deliverErr.Error(),
				"updated_at_ms":      now,
			}).Error
		if err != nil {
			q.logger.Error("delivery job defer failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= q.maxAttempts {
		q.finalize(ctx, job, JobStatusFailed, deliverErr.Error())
		if q.tracker != nil {
			q.tracker.MarkFailed(job.UserID, job.ChangeID)
		}
		q.logger.Warn("delivery job exhausted retries",
			zap.String("job_id", job.JobID),
			zap.String("device_id", job.DeviceID),
			zap.String("change_id", job.ChangeID),
			zap.Int("attempts", attempts),
			zap.Error(deliverErr))
		return
	}

	backoff := q.backoffFor(attempts)
	now := q.clock().UTC().UnixMilli()
	err = q.db.WithContext(ctx).Model(&DeliveryJob{}).
		Where("job_id = ?", job.JobID).
		Updates(map[string]any{
			"attempts":           attempts,
			"next_attempt_at_ms": now + backoff.Milliseconds(),
			"last_error":         deliverErr.Error(),
			"updated_at_ms":      now,
		}).Error
	if err != nil {
		q.logger.Error("delivery job reschedule failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (q *DeliveryQueue) finalize(ctx context.Context, job DeliveryJob, status JobStatus, lastError string) {
	now := q.clock().UTC().UnixMilli()
	err := q.db.WithContext(ctx).Model(&DeliveryJob{}).
		Where("job_id = ?", job.JobID).
		Updates(map[string]any{
			"status":        string(status),
			"attempts":      job.Attempts + 1,
			"last_error":    lastError,
			"updated_at_ms": now,
		}).Error
	if err != nil {
		q.logger.Error("delivery job finalize failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// backoffFor returns the exponential delay before the given attempt number.
func (q *DeliveryQueue) backoffFor(attempts int) time.Duration {
	backoff := q.baseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if backoff > q.maxBackoff {
		return q.maxBackoff
	}
	return backoff
}

// PendingCount returns how many jobs are still awaiting delivery for a user.
func (q *DeliveryQueue) PendingCount(ctx context.Context, userID sync.UserID) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&DeliveryJob{}).
		Where("user_id = ? AND status = ?", userID.String(), string(JobStatusPending)).
		Count(&count).Error
	return count, err
}

// PendingCountForDevice returns how many jobs still await delivery to one
// specific device.
func (q *DeliveryQueue) PendingCountForDevice(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&DeliveryJob{}).
		Where("user_id = ? AND device_id = ? AND status = ?",
			userID.String(), deviceID.String(), string(JobStatusPending)).
		Count(&count).Error
	return count, err
}

// Expedite marks every pending job for the user as immediately due. Called
// when a device reattaches so queued work does not wait out its backoff.
func (q *DeliveryQueue) Expedite(ctx context.Context, userID sync.UserID) error {
	now := q.clock().UTC().UnixMilli()
	return q.db.WithContext(ctx).Model(&DeliveryJob{}).
		Where("user_id = ? AND status = ? AND next_attempt_at_ms > ?", userID.String(), string(JobStatusPending), now).
		Updates(map[string]any{"next_attempt_at_ms": now, "updated_at_ms": now}).Error
}
