package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/potagerlabs/trellis/backend/internal/auth"
	"github.com/potagerlabs/trellis/backend/internal/broadcast"
	"github.com/potagerlabs/trellis/backend/internal/gateway"
	"github.com/potagerlabs/trellis/backend/internal/identity"
	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

const claimsContextKey = "trellis_token_claims"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingRegistry      = errors.New("device registry dependency required")
	errMissingGateway       = errors.New("gateway dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// DeviceTokenManager issues and validates per-device session tokens.
type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, userID string, deviceID string, priority int64) (string, int64, error)
	ValidateToken(token string) (auth.TokenClaims, error)
}

// Dependencies wires the control-plane handlers and the websocket gateway.
type Dependencies struct {
	TokenManager DeviceTokenManager
	SyncService  *sync.Service
	Broadcaster  *broadcast.Broadcaster
	Queue        *broadcast.DeliveryQueue
	Registry     registry.Registry
	Tracker      *telemetry.Tracker
	Gateway      *gateway.Gateway
	Identity     *identity.Service
	AdminAPIKey  string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Admin-Key"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		syncService: deps.SyncService,
		broadcaster: deps.Broadcaster,
		queue:       deps.Queue,
		registry:    deps.Registry,
		tracker:     deps.Tracker,
		gateway:     deps.Gateway,
		identity:    deps.Identity,
		adminAPIKey: deps.AdminAPIKey,
		clock:       clock,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.POST("/users/:userId/broadcast", handler.handleAdminBroadcast)
	router.GET("/ws", deps.Gateway.Handle)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/:userId/devices", handler.handleListDevices)
	protected.DELETE("/users/:userId/devices/:deviceId", handler.handleUnregisterDevice)
	protected.GET("/users/:userId/sync/stats", handler.handleSyncStats)
	protected.GET("/users/:userId/records", handler.handleListRecords)
	protected.POST("/users/:userId/changes", handler.handleApplyChanges)

	return router, nil
}

type httpHandler struct {
	tokens      DeviceTokenManager
	syncService *sync.Service
	broadcaster *broadcast.Broadcaster
	queue       *broadcast.DeliveryQueue
	registry    registry.Registry
	tracker     *telemetry.Tracker
	gateway     *gateway.Gateway
	identity    *identity.Service
	adminAPIKey string
	clock       func() time.Time
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	if h.adminAPIKey != "" && c.GetHeader("X-Admin-Key") != h.adminAPIKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var priority int64
	if h.identity != nil {
		profile, err := h.identity.EnsureProfile(request.UserID, request.Email, request.DisplayName)
		if err != nil {
			h.logger.Error("profile resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
			return
		}
		priority = profile.Priority
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), request.UserID, request.DeviceID, priority)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type devicePayload struct {
	DeviceID         string `json:"device_id"`
	DeviceType       string `json:"device_type"`
	DisplayName      string `json:"display_name,omitempty"`
	LastSeenAt       string `json:"last_seen_at"`
	Online           bool   `json:"online"`
	PendingSyncCount int64  `json:"pending_sync_count"`
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	_, userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	devices, err := h.registry.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("device listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_list_failed"})
		return
	}

	now := h.clock().UTC()
	payload := make([]devicePayload, 0, len(devices))
	for _, device := range devices {
		var pending int64
		if h.queue != nil {
			if count, err := h.queue.PendingCountForDevice(c.Request.Context(), userID, device.ID); err == nil {
				pending = count
			}
		}
		payload = append(payload, devicePayload{
			DeviceID:         device.ID.String(),
			DeviceType:       device.Type.String(),
			DisplayName:      device.DisplayName,
			LastSeenAt:       device.LastSeenAt.UTC().Format(time.RFC3339Nano),
			Online:           device.Online(now),
			PendingSyncCount: pending,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

func (h *httpHandler) handleUnregisterDevice(c *gin.Context) {
	_, userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	deviceID, err := sync.NewDeviceID(c.Param("deviceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}

	if err := h.registry.Unregister(c.Request.Context(), userID, deviceID); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
			return
		}
		h.logger.Error("device unregister failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unregister_failed"})
		return
	}
	// A removed device must stop receiving broadcasts immediately, so its
	// live session, if any, is closed along with the registry entry.
	if h.gateway != nil && h.gateway.Disconnect(userID, deviceID) {
		h.logger.Info("device session force-closed",
			zap.String("user_id", userID.String()),
			zap.String("device_id", deviceID.String()))
	}
	c.Status(http.StatusNoContent)
}

type statsPayload struct {
	SyncsToday        int64             `json:"syncs_today"`
	AverageLatencyMs  int64             `json:"average_latency_ms"`
	ConflictsResolved int64             `json:"conflicts_resolved"`
	PendingCount      int64             `json:"pending_count"`
	Recent            []activityPayload `json:"recent"`
}

type activityPayload struct {
	ChangeID  string `json:"change_id"`
	DeviceID  string `json:"device_id"`
	Operation string `json:"operation"`
	Entity    string `json:"entity"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

func (h *httpHandler) handleSyncStats(c *gin.Context) {
	_, userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	payload := statsPayload{Recent: []activityPayload{}}
	if h.tracker != nil {
		snapshot := h.tracker.Snapshot(userID.String())
		payload.SyncsToday = snapshot.SyncsToday
		payload.AverageLatencyMs = snapshot.AverageLatency.Milliseconds()
		payload.ConflictsResolved = snapshot.ConflictsResolved
		for _, activity := range snapshot.Recent {
			payload.Recent = append(payload.Recent, activityPayload{
				ChangeID:  activity.ChangeID,
				DeviceID:  activity.Device,
				Operation: activity.Operation,
				Entity:    activity.Entity,
				Timestamp: activity.Timestamp.UTC().Format(time.RFC3339Nano),
				Status:    string(activity.Status),
				LatencyMs: activity.Latency.Milliseconds(),
			})
		}
	}
	if h.queue != nil {
		if count, err := h.queue.PendingCount(c.Request.Context(), userID); err == nil {
			payload.PendingCount = count
		}
	}

	c.JSON(http.StatusOK, payload)
}

type recordPayload struct {
	Entity    string         `json:"entity"`
	RecordID  string         `json:"record_id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	IsDeleted bool           `json:"is_deleted"`
	UpdatedAt string         `json:"updated_at"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	_, userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	snapshots, err := h.syncService.ListSnapshots(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("record listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record_list_failed"})
		return
	}

	payload := make([]recordPayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		data, err := snapshot.Payload()
		if err != nil {
			h.logger.Warn("snapshot payload decode failed",
				zap.String("record_id", snapshot.RecordID),
				zap.Error(err))
			continue
		}
		payload = append(payload, recordPayload{
			Entity:    snapshot.Entity,
			RecordID:  snapshot.RecordID,
			Data:      data,
			Version:   snapshot.Version,
			IsDeleted: snapshot.IsDeleted,
			UpdatedAt: time.UnixMilli(snapshot.UpdatedAtMs).UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

type applyRequestPayload struct {
	Changes []sync.ChangeDocument `json:"changes"`
}

type applyOutcomePayload struct {
	ChangeID       string `json:"change_id"`
	Accepted       bool   `json:"accepted"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	ManualRequired bool   `json:"manual_required,omitempty"`
	ConflictKind   string `json:"conflict_kind,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	Version        int64  `json:"version,omitempty"`
}

// handleApplyChanges is the HTTP fallback for devices that cannot hold a
// websocket open. Accepted changes still fan out through the broadcaster.
func (h *httpHandler) handleApplyChanges(c *gin.Context) {
	claims, userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var request applyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := make([]sync.Change, 0, len(request.Changes))
	for _, document := range request.Changes {
		document.UserID = userID.String()
		if document.DeviceID == "" {
			document.DeviceID = claims.DeviceID
		}
		change, err := document.Decode()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change", "detail": err.Error()})
			return
		}
		if change.ProfilePriority == 0 {
			change.ProfilePriority = claims.Priority
		}
		changes = append(changes, change)
	}

	result, err := h.syncService.ApplyChanges(c.Request.Context(), userID, changes)
	if err != nil {
		h.logger.Error("failed to apply changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	outcomes := make([]applyOutcomePayload, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		payload := applyOutcomePayload{
			ChangeID:       outcome.Change.ID.String(),
			Accepted:       outcome.Accepted,
			Duplicate:      outcome.Duplicate,
			ManualRequired: outcome.ManualRequired,
		}
		if outcome.Conflict != nil {
			payload.ConflictKind = string(outcome.Conflict.Kind)
			payload.Strategy = string(outcome.Strategy)
		}
		if outcome.Snapshot != nil {
			payload.Version = outcome.Snapshot.Version
		}
		outcomes = append(outcomes, payload)

		if outcome.Accepted && !outcome.Duplicate {
			if outcome.Conflict != nil && h.tracker != nil {
				h.tracker.RecordConflictResolved(userID.String())
			}
			if h.broadcaster != nil {
				if err := h.broadcaster.Broadcast(c.Request.Context(), outcome.Change); err != nil {
					h.logger.Error("broadcast failed",
						zap.String("change_id", outcome.Change.ID.String()),
						zap.Error(err))
				}
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"results": outcomes})
}

type adminBroadcastPayload struct {
	Change *sync.ChangeDocument `json:"change"`
}

// handleAdminBroadcast is an operator tool: it re-drives the user's durable
// delivery backlog immediately and can push one server-originated change to
// attached devices, bypassing the apply pipeline.
func (h *httpHandler) handleAdminBroadcast(c *gin.Context) {
	if h.adminAPIKey == "" || c.GetHeader("X-Admin-Key") != h.adminAPIKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := sync.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	var request adminBroadcastPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Change != nil {
		request.Change.UserID = userID.String()
		change, err := request.Change.Decode()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change", "detail": err.Error()})
			return
		}
		if h.broadcaster != nil {
			if err := h.broadcaster.Broadcast(c.Request.Context(), change); err != nil {
				h.logger.Error("admin broadcast failed",
					zap.String("change_id", change.ID.String()),
					zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "broadcast_failed"})
				return
			}
		}
	}

	var pending int64
	if h.queue != nil {
		if err := h.queue.Expedite(c.Request.Context(), userID); err != nil {
			h.logger.Error("queue expedite failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "expedite_failed"})
			return
		}
		if count, err := h.queue.PendingCount(c.Request.Context(), userID); err == nil {
			pending = count
		}
	}
	c.JSON(http.StatusOK, gin.H{"pending_count": pending})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// requireUser resolves the path user id and enforces that the caller's token
// belongs to that user.
func (h *httpHandler) requireUser(c *gin.Context) (auth.TokenClaims, sync.UserID, bool) {
	raw, exists := c.Get(claimsContextKey)
	claims, ok := raw.(auth.TokenClaims)
	if !exists || !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.TokenClaims{}, "", false
	}

	userID, err := sync.NewUserID(c.Param("userId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return auth.TokenClaims{}, "", false
	}
	if claims.UserID != userID.String() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return auth.TokenClaims{}, "", false
	}
	return claims, userID, true
}
