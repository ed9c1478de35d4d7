package gateway

import (
	"context"
	"errors"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/potagerlabs/trellis/backend/internal/auth"
	"github.com/potagerlabs/trellis/backend/internal/broadcast"
	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

const (
	// CloseMissingParameters rejects a handshake without the required
	// identity query parameters.
	CloseMissingParameters = 4000
	// CloseInvalidToken rejects a handshake whose token is absent, expired,
	// or bound to a different user or device.
	CloseInvalidToken = 4001

	sendBufferSize    = 32
	writeTimeout      = 10 * time.Second
	drainGracePeriod  = 2 * time.Second
	closeGracePeriod  = time.Second
	recentSeenChanges = 256
)

var (
	errMissingGatewaySyncService = errors.New("sync service must be provided")
	errMissingGatewayBroadcaster = errors.New("broadcaster must be provided")
	errMissingGatewayDispatcher  = errors.New("dispatcher must be provided")
	errMissingGatewayRegistry    = errors.New("device registry must be provided")
	errMissingGatewayValidator   = errors.New("token validator must be provided")
)

// TokenValidator checks a device session token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (auth.TokenClaims, error)
}

// Config describes the collaborators of the websocket gateway.
type Config struct {
	Sync       *sync.Service
	Broadcast  *broadcast.Broadcaster
	Dispatcher *broadcast.Dispatcher
	Queue      *broadcast.DeliveryQueue
	Registry   registry.Registry
	Tracker    *telemetry.Tracker
	Validator  TokenValidator
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Gateway upgrades device connections and runs the per-session sync protocol.
type Gateway struct {
	sync       *sync.Service
	broadcast  *broadcast.Broadcaster
	dispatcher *broadcast.Dispatcher
	queue      *broadcast.DeliveryQueue
	registry   registry.Registry
	tracker    *telemetry.Tracker
	validator  TokenValidator
	clock      func() time.Time
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	sessionsMu gosync.Mutex
	sessions   map[sessionKey]*session
}

type sessionKey struct {
	userID   sync.UserID
	deviceID sync.DeviceID
}

// NewGateway validates the configuration and constructs the gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Sync == nil {
		return nil, errMissingGatewaySyncService
	}
	if cfg.Broadcast == nil {
		return nil, errMissingGatewayBroadcaster
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingGatewayDispatcher
	}
	if cfg.Registry == nil {
		return nil, errMissingGatewayRegistry
	}
	if cfg.Validator == nil {
		return nil, errMissingGatewayValidator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		sync:       cfg.Sync,
		broadcast:  cfg.Broadcast,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		tracker:    cfg.Tracker,
		validator:  cfg.Validator,
		clock:      clock,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[sessionKey]*session),
	}, nil
}

// session is the state of one attached device connection.
type session struct {
	conn     *websocket.Conn
	userID   sync.UserID
	deviceID sync.DeviceID
	device   sync.DeviceType
	priority int64
	send     chan any
	seen     map[string]struct{}
}

// Handle runs the websocket handshake and session loops. The handshake
// requires userId, deviceId, deviceType, and token query parameters; a
// missing parameter closes with 4000 and a bad token with 4001, after the
// upgrade so the client receives the close code.
func (g *Gateway) Handle(ginCtx *gin.Context) {
	conn, err := g.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	rawUserID := ginCtx.Query("userId")
	rawDeviceID := ginCtx.Query("deviceId")
	rawDeviceType := ginCtx.Query("deviceType")
	token := ginCtx.Query("token")
	if rawUserID == "" || rawDeviceID == "" || rawDeviceType == "" || token == "" {
		g.reject(conn, CloseMissingParameters, "missing connection parameters")
		return
	}

	claims, err := g.validator.ValidateToken(token)
	if err != nil {
		g.reject(conn, CloseInvalidToken, "invalid token")
		return
	}
	if claims.UserID != rawUserID || claims.DeviceID != rawDeviceID {
		g.reject(conn, CloseInvalidToken, "token does not match device")
		return
	}

	userID, err := sync.NewUserID(rawUserID)
	if err != nil {
		g.reject(conn, CloseMissingParameters, "invalid user id")
		return
	}
	deviceID, err := sync.NewDeviceID(rawDeviceID)
	if err != nil {
		g.reject(conn, CloseMissingParameters, "invalid device id")
		return
	}
	deviceType, err := sync.ParseDeviceType(rawDeviceType)
	if err != nil {
		g.reject(conn, CloseMissingParameters, "invalid device type")
		return
	}

	g.run(ginCtx.Request.Context(), &session{
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		device:   deviceType,
		priority: claims.Priority,
		send:     make(chan any, sendBufferSize),
		seen:     make(map[string]struct{}, recentSeenChanges),
	}, ginCtx.Query("name"))
}

func (g *Gateway) reject(conn *websocket.Conn, code int, reason string) {
	deadline := g.clock().Add(closeGracePeriod)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (g *Gateway) run(parent context.Context, s *session, displayName string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer func() { _ = s.conn.Close() }()

	now := g.clock().UTC()
	if err := g.registry.Register(ctx, registry.Device{
		ID:          s.deviceID,
		UserID:      s.userID,
		Type:        s.device,
		DisplayName: displayName,
		LastSeenAt:  now,
	}); err != nil {
		g.logger.Error("device register failed",
			zap.String("user_id", s.userID.String()),
			zap.String("device_id", s.deviceID.String()),
			zap.Error(err))
		return
	}
	g.trackSession(s)
	defer g.untrackSession(s)

	// Only this device detaches on exit, and only when the client closed
	// the session deliberately. After a crash or network loss the registry
	// entry stays until its TTL so durable jobs keep targeting the device.
	gracefulClose := false
	defer func() {
		if !gracefulClose {
			return
		}
		if err := g.registry.Unregister(context.Background(), s.userID, s.deviceID); err != nil {
			g.logger.Warn("device unregister failed",
				zap.String("device_id", s.deviceID.String()),
				zap.Error(err))
		}
	}()

	updates, unsubscribe := g.dispatcher.Subscribe(ctx, s.userID, s.deviceID)
	defer unsubscribe()

	s.send <- connectionEstablishedFrame{
		Type:      frameConnectionEstablished,
		DeviceID:  s.deviceID.String(),
		Timestamp: now.Format(time.RFC3339Nano),
	}

	// Give the connection a moment to settle before replaying queued work,
	// so a flapping link does not trigger a replay per flap.
	if g.queue != nil {
		drain := time.AfterFunc(drainGracePeriod, func() {
			if err := g.queue.Expedite(context.Background(), s.userID); err != nil {
				g.logger.Warn("queue drain trigger failed",
					zap.String("user_id", s.userID.String()),
					zap.Error(err))
			}
		})
		defer drain.Stop()
	}

	go g.writeLoop(s)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		g.forwardLoop(ctx, s, updates)
	}()

	gracefulClose = g.readLoop(ctx, s)
	cancel()
	<-forwardDone
	close(s.send)
}

func (g *Gateway) trackSession(s *session) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	g.sessions[sessionKey{userID: s.userID, deviceID: s.deviceID}] = s
}

func (g *Gateway) untrackSession(s *session) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	key := sessionKey{userID: s.userID, deviceID: s.deviceID}
	if current, ok := g.sessions[key]; ok && current == s {
		delete(g.sessions, key)
	}
}

// Disconnect force-closes the device's live session, if any, and reports
// whether one was attached. The registry entry is the caller's concern.
func (g *Gateway) Disconnect(userID sync.UserID, deviceID sync.DeviceID) bool {
	g.sessionsMu.Lock()
	s, attached := g.sessions[sessionKey{userID: userID, deviceID: deviceID}]
	g.sessionsMu.Unlock()
	if !attached {
		return false
	}
	deadline := g.clock().Add(closeGracePeriod)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "device unregistered"), deadline)
	_ = s.conn.Close()
	return true
}

// writeLoop serializes all outbound frames for the connection.
func (g *Gateway) writeLoop(s *session) {
	for frame := range s.send {
		_ = s.conn.SetWriteDeadline(g.clock().Add(writeTimeout))
		if err := s.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// forwardLoop pushes broadcast changes to the device, deduplicating by
// change id so a change relayed through both the realtime and durable
// paths is delivered once.
func (g *Gateway) forwardLoop(ctx context.Context, s *session, updates <-chan broadcast.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-updates:
			if !ok {
				return
			}
			changeID := message.Change.ID.String()
			if _, delivered := s.seen[changeID]; delivered {
				continue
			}
			if len(s.seen) >= recentSeenChanges {
				s.seen = make(map[string]struct{}, recentSeenChanges)
			}
			s.seen[changeID] = struct{}{}
			g.enqueue(s, changeBroadcastFrame{
				Type:        frameChangeBroadcast,
				Change:      sync.EncodeChange(message.Change),
				PublishedAt: message.PublishedAt.Format(time.RFC3339Nano),
			})
		}
	}
}

// enqueue drops the frame if the client cannot keep up. The durable queue
// redelivers anything the realtime path sheds.
func (g *Gateway) enqueue(s *session, frame any) {
	select {
	case s.send <- frame:
	default:
		g.logger.Warn("send buffer full, dropping frame",
			zap.String("device_id", s.deviceID.String()))
	}
}

// readLoop serves inbound frames until the socket closes, reporting
// whether the client ended the session with a proper close handshake.
func (g *Gateway) readLoop(ctx context.Context, s *session) bool {
	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read failed",
					zap.String("device_id", s.deviceID.String()),
					zap.Error(err))
			}
			return false
		}

		switch frame.Type {
		case frameHeartbeat:
			g.handleHeartbeat(ctx, s)
		case frameSyncRequest:
			g.handleSyncRequest(ctx, s)
		case frameDataChange:
			g.handleDataChange(ctx, s, frame.documents())
		case frameConflictResolution:
			g.handleConflictResolution(ctx, s, frame.Resolution)
		default:
			g.enqueue(s, errorFrame{
				Type:    frameError,
				Code:    "gateway.unknown_frame",
				Message: "unknown frame type",
			})
		}
	}
}

func (g *Gateway) handleHeartbeat(ctx context.Context, s *session) {
	if err := g.registry.Heartbeat(ctx, s.userID, s.deviceID); err != nil {
		g.logger.Warn("heartbeat refresh failed",
			zap.String("device_id", s.deviceID.String()),
			zap.Error(err))
	}
	g.enqueue(s, heartbeatAckFrame{
		Type:      frameHeartbeatAck,
		Timestamp: g.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (g *Gateway) handleSyncRequest(ctx context.Context, s *session) {
	var pending int64
	if g.queue != nil {
		count, err := g.queue.PendingCount(ctx, s.userID)
		if err != nil {
			g.logger.Warn("pending count failed",
				zap.String("user_id", s.userID.String()),
				zap.Error(err))
		} else {
			pending = count
		}
	}

	stats := syncStatsDocument{PendingCount: pending, Recent: []syncActivityDocument{}}
	if g.tracker != nil {
		snapshot := g.tracker.Snapshot(s.userID.String())
		stats.SyncsToday = snapshot.SyncsToday
		stats.AverageLatencyMs = snapshot.AverageLatency.Milliseconds()
		stats.ConflictsResolved = snapshot.ConflictsResolved
		for _, activity := range snapshot.Recent {
			stats.Recent = append(stats.Recent, syncActivityDocument{
				ChangeID:  activity.ChangeID,
				Device:    activity.Device,
				Operation: activity.Operation,
				Entity:    activity.Entity,
				Timestamp: activity.Timestamp.UTC().Format(time.RFC3339Nano),
				Status:    string(activity.Status),
				LatencyMs: activity.Latency.Milliseconds(),
			})
		}
	}
	g.enqueue(s, syncResponseFrame{Type: frameSyncResponse, Stats: stats})
}

// handleDataChange validates, applies, and fans out an inbound batch.
// Malformed or rejected changes produce error or nack frames; the
// connection itself stays open.
func (g *Gateway) handleDataChange(ctx context.Context, s *session, documents []sync.ChangeDocument) {
	if len(documents) == 0 {
		g.enqueue(s, errorFrame{
			Type:    frameError,
			Code:    "gateway.empty_batch",
			Message: "data change frame carries no changes",
		})
		return
	}

	changes := make([]sync.Change, 0, len(documents))
	for _, document := range documents {
		change, err := document.Decode()
		if err != nil {
			g.enqueue(s, errorFrame{
				Type:    frameError,
				Code:    "gateway.invalid_change",
				Message: err.Error(),
			})
			continue
		}
		change = g.stampOrigin(change, s)
		changes = append(changes, change)
	}
	if len(changes) == 0 {
		return
	}

	result, err := g.sync.ApplyChanges(ctx, s.userID, changes)
	if err != nil {
		g.enqueue(s, errorFrame{
			Type:    frameError,
			Code:    "gateway.apply_failed",
			Message: err.Error(),
		})
		return
	}

	for _, outcome := range result.Outcomes {
		ack := changeAckFrame{
			Type:           frameChangeAck,
			ChangeID:       outcome.Change.ID.String(),
			Accepted:       outcome.Accepted,
			Duplicate:      outcome.Duplicate,
			ManualRequired: outcome.ManualRequired,
		}
		if outcome.Conflict != nil {
			ack.ConflictKind = string(outcome.Conflict.Kind)
			ack.Strategy = string(outcome.Strategy)
		}
		if outcome.Snapshot != nil {
			ack.Version = outcome.Snapshot.Version
		}
		g.enqueue(s, ack)

		if outcome.Accepted && !outcome.Duplicate {
			if outcome.Conflict != nil && g.tracker != nil {
				g.tracker.RecordConflictResolved(s.userID.String())
			}
			if err := g.broadcast.Broadcast(ctx, outcome.Change); err != nil {
				g.logger.Error("broadcast failed",
					zap.String("change_id", outcome.Change.ID.String()),
					zap.Error(err))
			}
		}
	}
}

// handleConflictResolution applies the device's decision for a conflict
// that was surfaced as manual-required, then fans the settled change out
// like any other accepted change.
func (g *Gateway) handleConflictResolution(ctx context.Context, s *session, document *resolutionDocument) {
	if document == nil || document.Change == nil {
		g.enqueue(s, errorFrame{
			Type:    frameError,
			Code:    "gateway.invalid_resolution",
			Message: "conflict resolution frame carries no change",
		})
		return
	}
	candidate, err := document.Change.Decode()
	if err != nil {
		g.enqueue(s, errorFrame{
			Type:    frameError,
			Code:    "gateway.invalid_resolution",
			Message: err.Error(),
		})
		return
	}
	candidate = g.stampOrigin(candidate, s)

	outcome, err := g.sync.ApplyManualResolution(ctx, s.userID, sync.ManualResolution{
		Candidate:     candidate,
		Choice:        sync.ManualChoice(document.Choice),
		MergedPayload: document.MergedData,
	})
	if err != nil {
		g.enqueue(s, errorFrame{
			Type:    frameError,
			Code:    "gateway.resolution_failed",
			Message: err.Error(),
		})
		return
	}

	ack := changeAckFrame{
		Type:     frameChangeAck,
		ChangeID: outcome.Change.ID.String(),
		Accepted: true,
		Strategy: string(sync.StrategyManual),
	}
	if outcome.Snapshot != nil {
		ack.Version = outcome.Snapshot.Version
	}
	g.enqueue(s, ack)

	if g.tracker != nil {
		g.tracker.RecordConflictResolved(s.userID.String())
	}
	if err := g.broadcast.Broadcast(ctx, outcome.Change); err != nil {
		g.logger.Error("broadcast failed",
			zap.String("change_id", outcome.Change.ID.String()),
			zap.Error(err))
	}
}

// stampOrigin overrides the claimed origin with the session identity so a
// client cannot attribute changes to another device or user.
func (g *Gateway) stampOrigin(change sync.Change, s *session) sync.Change {
	change.UserID = s.userID
	change.OriginDeviceID = s.deviceID
	change.OriginDeviceType = s.device
	if change.ProfilePriority == 0 {
		change.ProfilePriority = s.priority
	}
	return change
}
