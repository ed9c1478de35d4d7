package sync

// ChangeDocument is the JSON projection of a Change used on the wire and in
// the durable delivery queue. Timestamps travel as ISO-8601 strings.
type ChangeDocument struct {
	ID              string         `json:"id"`
	Entity          string         `json:"entity"`
	RecordID        string         `json:"recordId"`
	Operation       string         `json:"operation"`
	Data            map[string]any `json:"data,omitempty"`
	UserID          string         `json:"userId"`
	DeviceID        string         `json:"deviceId"`
	DeviceType      string         `json:"deviceType,omitempty"`
	Timestamp       string         `json:"timestamp"`
	Version         int64          `json:"version,omitempty"`
	ProfilePriority int64          `json:"profilePriority,omitempty"`
}

// EncodeChange projects a Change onto its wire document.
func EncodeChange(change Change) ChangeDocument {
	return ChangeDocument{
		ID:              change.ID.String(),
		Entity:          change.Entity.String(),
		RecordID:        change.RecordID.String(),
		Operation:       string(change.Operation),
		Data:            change.Payload,
		UserID:          change.UserID.String(),
		DeviceID:        change.OriginDeviceID.String(),
		DeviceType:      change.OriginDeviceType.String(),
		Timestamp:       change.Timestamp.ISO8601(),
		Version:         change.Version,
		ProfilePriority: change.ProfilePriority,
	}
}

// Decode validates the document and returns the domain Change.
func (document ChangeDocument) Decode() (Change, error) {
	timestamp, err := ParseUnixMillis(document.Timestamp)
	if err != nil {
		return Change{}, err
	}
	return NewChange(ChangeConfig{
		ID:               document.ID,
		Entity:           document.Entity,
		RecordID:         document.RecordID,
		Operation:        document.Operation,
		Payload:          document.Data,
		UserID:           document.UserID,
		OriginDeviceID:   document.DeviceID,
		OriginDeviceType: document.DeviceType,
		TimestampMillis:  timestamp.Int64(),
		Version:          document.Version,
		ProfilePriority:  document.ProfilePriority,
	})
}
