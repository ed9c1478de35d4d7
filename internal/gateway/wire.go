package gateway

import (
	"github.com/potagerlabs/trellis/backend/internal/sync"
)

// Frame type identifiers exchanged over the socket. Inbound types are
// upper-cased commands, outbound types are lower-cased events.
const (
	frameDataChange         = "DATA_CHANGE"
	frameSyncRequest        = "SYNC_REQUEST"
	frameHeartbeat          = "HEARTBEAT"
	frameConflictResolution = "CONFLICT_RESOLUTION"

	frameConnectionEstablished = "connection_established"
	frameChangeBroadcast       = "data_change"
	frameChangeAck             = "change_ack"
	frameHeartbeatAck          = "heartbeat_ack"
	frameSyncResponse          = "sync_response"
	frameError                 = "error"
)

// clientFrame is the inbound envelope. A DATA_CHANGE carries either a single
// change or a batch, a CONFLICT_RESOLUTION carries the decision body, and
// the other commands carry no body.
type clientFrame struct {
	Type       string                `json:"type"`
	Change     *sync.ChangeDocument  `json:"change,omitempty"`
	Changes    []sync.ChangeDocument `json:"changes,omitempty"`
	Resolution *resolutionDocument   `json:"resolution,omitempty"`
}

// resolutionDocument is the body of a CONFLICT_RESOLUTION frame: the
// conflicted change the device still holds plus the user's decision.
type resolutionDocument struct {
	Choice     string               `json:"choice"`
	Change     *sync.ChangeDocument `json:"change"`
	MergedData map[string]any       `json:"mergedData,omitempty"`
}

func (frame clientFrame) documents() []sync.ChangeDocument {
	if frame.Change != nil {
		return append([]sync.ChangeDocument{*frame.Change}, frame.Changes...)
	}
	return frame.Changes
}

type connectionEstablishedFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

type changeBroadcastFrame struct {
	Type        string              `json:"type"`
	Change      sync.ChangeDocument `json:"change"`
	PublishedAt string              `json:"publishedAt"`
}

type changeAckFrame struct {
	Type           string `json:"type"`
	ChangeID       string `json:"changeId"`
	Accepted       bool   `json:"accepted"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	ManualRequired bool   `json:"manualRequired,omitempty"`
	ConflictKind   string `json:"conflictKind,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	Version        int64  `json:"version,omitempty"`
}

type heartbeatAckFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type syncActivityDocument struct {
	ChangeID  string `json:"changeId"`
	Device    string `json:"deviceId"`
	Operation string `json:"operation"`
	Entity    string `json:"entity"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
}

type syncStatsDocument struct {
	SyncsToday        int64                  `json:"syncsToday"`
	AverageLatencyMs  int64                  `json:"averageLatencyMs"`
	ConflictsResolved int64                  `json:"conflictsResolved"`
	PendingCount      int64                  `json:"pendingCount"`
	Recent            []syncActivityDocument `json:"recent"`
}

type syncResponseFrame struct {
	Type  string            `json:"type"`
	Stats syncStatsDocument `json:"stats"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
