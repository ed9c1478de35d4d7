package sync

import "testing"

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustChange(t *testing.T, cfg ChangeConfig) Change {
	t.Helper()
	change, err := NewChange(cfg)
	if err != nil {
		t.Fatalf("unexpected change error: %v", err)
	}
	return change
}

func changeConfig(id string, timestampMillis int64, payload map[string]any) ChangeConfig {
	return ChangeConfig{
		ID:              id,
		Entity:          "journal",
		RecordID:        "record-1",
		Operation:       "UPDATE",
		Payload:         payload,
		UserID:          "user-1",
		OriginDeviceID:  "device-1",
		TimestampMillis: timestampMillis,
	}
}
