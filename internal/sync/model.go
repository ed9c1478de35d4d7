package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates supported change operations.
type OperationType string

const (
	// OperationTypeCreate introduces a new record.
	OperationTypeCreate OperationType = "CREATE"
	// OperationTypeUpdate mutates an existing record.
	OperationTypeUpdate OperationType = "UPDATE"
	// OperationTypeDelete tombstones a record.
	OperationTypeDelete OperationType = "DELETE"
)

// ParseOperationType validates a raw operation value.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case OperationTypeCreate:
		return OperationTypeCreate, nil
	case OperationTypeUpdate:
		return OperationTypeUpdate, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// DeviceType enumerates the client classes a change can originate from.
type DeviceType string

const (
	// DeviceTypeMobile marks a phone-class client.
	DeviceTypeMobile DeviceType = "mobile"
	// DeviceTypeDesktop marks a desktop-class client.
	DeviceTypeDesktop DeviceType = "desktop"
	// DeviceTypeTV marks a television-class client.
	DeviceTypeTV DeviceType = "tv"
)

// ParseDeviceType validates a raw device type value.
func ParseDeviceType(rawInput string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DeviceTypeMobile:
		return DeviceTypeMobile, nil
	case DeviceTypeDesktop:
		return DeviceTypeDesktop, nil
	case DeviceTypeTV:
		return DeviceTypeTV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceType, rawInput)
	}
}

// String returns the underlying device type.
func (deviceType DeviceType) String() string {
	return string(deviceType)
}

const maxIdentifierLength = 190

var (
	// ErrInvalidChangeID indicates that a change identifier is empty or exceeds storage bounds.
	ErrInvalidChangeID = errors.New("sync: invalid change id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("sync: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("sync: invalid device id")
	// ErrInvalidEntityType indicates that an entity type is empty or exceeds storage bounds.
	ErrInvalidEntityType = errors.New("sync: invalid entity type")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("sync: invalid record id")
	// ErrInvalidTimestamp indicates that a change timestamp is missing or malformed.
	ErrInvalidTimestamp = errors.New("sync: invalid timestamp")
	// ErrInvalidOperation indicates an unknown change operation.
	ErrInvalidOperation = errors.New("sync: invalid operation")
	// ErrInvalidDeviceType indicates an unknown device type.
	ErrInvalidDeviceType = errors.New("sync: invalid device type")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ChangeID represents a validated globally unique change identifier.
type ChangeID string

// NewChangeID validates raw input and returns a ChangeID.
func NewChangeID(rawInput string) (ChangeID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidChangeID)
	if err != nil {
		return "", err
	}
	return ChangeID(value), nil
}

// String returns the underlying identifier.
func (id ChangeID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(value), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	if err != nil {
		return "", err
	}
	return DeviceID(value), nil
}

// String returns the underlying identifier.
func (id DeviceID) String() string {
	return string(id)
}

// EntityType represents a validated logical record type.
type EntityType string

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidEntityType)
	if err != nil {
		return "", err
	}
	return EntityType(value), nil
}

// String returns the underlying entity type.
func (entity EntityType) String() string {
	return string(entity)
}

// RecordID represents a validated record identifier within an entity.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRecordID)
	if err != nil {
		return "", err
	}
	return RecordID(value), nil
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}

// UnixMillis represents a validated origin timestamp in unix milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// ParseUnixMillis converts an ISO-8601 wire timestamp to UnixMillis.
func ParseUnixMillis(rawInput string) (UnixMillis, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return NewUnixMillis(parsed.UnixMilli())
}

// Int64 exposes the raw unix milliseconds value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Time converts the timestamp back to a time.Time in UTC.
func (ts UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// ISO8601 renders the timestamp in the wire format.
func (ts UnixMillis) ISO8601() string {
	return ts.Time().Format(time.RFC3339Nano)
}

// Change is the unit of synchronization produced by one device.
type Change struct {
	ID               ChangeID
	Entity           EntityType
	RecordID         RecordID
	Operation        OperationType
	Payload          map[string]any
	UserID           UserID
	OriginDeviceID   DeviceID
	OriginDeviceType DeviceType
	Timestamp        UnixMillis
	Version          int64
	ProfilePriority  int64
}

// ChangeConfig carries the raw inputs for constructing a validated Change.
type ChangeConfig struct {
	ID               string
	Entity           string
	RecordID         string
	Operation        string
	Payload          map[string]any
	UserID           string
	OriginDeviceID   string
	OriginDeviceType string
	TimestampMillis  int64
	Version          int64
	ProfilePriority  int64
}

// NewChange validates the configuration and returns a Change.
func NewChange(cfg ChangeConfig) (Change, error) {
	changeID, err := NewChangeID(cfg.ID)
	if err != nil {
		return Change{}, err
	}
	entity, err := NewEntityType(cfg.Entity)
	if err != nil {
		return Change{}, err
	}
	recordID, err := NewRecordID(cfg.RecordID)
	if err != nil {
		return Change{}, err
	}
	operation, err := ParseOperationType(cfg.Operation)
	if err != nil {
		return Change{}, err
	}
	userID, err := NewUserID(cfg.UserID)
	if err != nil {
		return Change{}, err
	}
	deviceID, err := NewDeviceID(cfg.OriginDeviceID)
	if err != nil {
		return Change{}, err
	}
	timestamp, err := NewUnixMillis(cfg.TimestampMillis)
	if err != nil {
		return Change{}, err
	}
	deviceType := DeviceType("")
	if strings.TrimSpace(cfg.OriginDeviceType) != "" {
		deviceType, err = ParseDeviceType(cfg.OriginDeviceType)
		if err != nil {
			return Change{}, err
		}
	}
	return Change{
		ID:               changeID,
		Entity:           entity,
		RecordID:         recordID,
		Operation:        operation,
		Payload:          cfg.Payload,
		UserID:           userID,
		OriginDeviceID:   deviceID,
		OriginDeviceType: deviceType,
		Timestamp:        timestamp,
		Version:          cfg.Version,
		ProfilePriority:  cfg.ProfilePriority,
	}, nil
}

// ConflictKind enumerates detected disagreement categories.
type ConflictKind string

const (
	// ConflictNone marks a change that applies without disagreement.
	ConflictNone ConflictKind = ""
	// ConflictConcurrentUpdate marks a change older than the stored record.
	ConflictConcurrentUpdate ConflictKind = "CONCURRENT_UPDATE"
	// ConflictDeleteUpdate marks an update against a missing or deleted record.
	ConflictDeleteUpdate ConflictKind = "DELETE_UPDATE"
	// ConflictCreateDuplicate marks a create against an already existing record.
	ConflictCreateDuplicate ConflictKind = "CREATE_DUPLICATE"
)

// Conflict captures a detected disagreement between the authoritative
// snapshot and one or more candidate changes.
type Conflict struct {
	Entity          EntityType
	RecordID        RecordID
	CurrentSnapshot *RecordSnapshot
	Candidates      []Change
	Kind            ConflictKind
}

// RecordSnapshot models the authoritative state of one record.
type RecordSnapshot struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Entity         string `gorm:"column:entity;primaryKey;size:190;not null"`
	RecordID       string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	FieldTimesJSON string `gorm:"column:field_times_json;type:text;not null;default:'{}'"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null;index:idx_records_user_updated"`
	CreatedAtMs    int64  `gorm:"column:created_at_ms;not null"`
	IsDeleted      bool   `gorm:"column:is_deleted;not null;default:false"`
	Version        int64  `gorm:"column:version;not null;default:1"`
	LastWriterID   string `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (RecordSnapshot) TableName() string {
	return "record_snapshots"
}

// Payload decodes the stored payload field map.
func (snapshot RecordSnapshot) Payload() (map[string]any, error) {
	if snapshot.PayloadJSON == "" {
		return map[string]any{}, nil
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(snapshot.PayloadJSON), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// FieldTimes decodes the per-field last-writer timestamps.
func (snapshot RecordSnapshot) FieldTimes() (map[string]int64, error) {
	if snapshot.FieldTimesJSON == "" {
		return map[string]int64{}, nil
	}
	times := map[string]int64{}
	if err := json.Unmarshal([]byte(snapshot.FieldTimesJSON), &times); err != nil {
		return nil, err
	}
	return times, nil
}

// AppliedChange is the append-only ledger of accepted changes. It doubles
// as the idempotency index: a change id present here is a replay.
type AppliedChange struct {
	ChangeID        string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID          string        `gorm:"column:user_id;size:190;not null;index:idx_applied_user_time,priority:1"`
	Entity          string        `gorm:"column:entity;size:190;not null"`
	RecordID        string        `gorm:"column:record_id;size:190;not null"`
	OriginDeviceID  string        `gorm:"column:origin_device_id;size:190;not null"`
	Operation       OperationType `gorm:"column:op;not null"`
	PayloadJSON     string        `gorm:"column:payload_json;type:text;not null"`
	ClientTimeMs    int64         `gorm:"column:client_time_ms;not null"`
	AppliedAtMs     int64         `gorm:"column:applied_at_ms;not null;index:idx_applied_user_time,priority:2"`
	Accepted        bool          `gorm:"column:accepted;not null;default:true"`
	ConflictKind    string        `gorm:"column:conflict_kind;size:32;not null;default:''"`
	Strategy        string        `gorm:"column:strategy;size:32;not null;default:''"`
	PreviousVersion *int64        `gorm:"column:prev_version"`
	NewVersion      *int64        `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedChange) TableName() string {
	return "applied_changes"
}
