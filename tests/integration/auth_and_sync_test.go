package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/potagerlabs/trellis/backend/internal/auth"
	"github.com/potagerlabs/trellis/backend/internal/broadcast"
	"github.com/potagerlabs/trellis/backend/internal/gateway"
	"github.com/potagerlabs/trellis/backend/internal/identity"
	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/server"
	syncpkg "github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationUserID        = "user-abc"
	jsonContentType          = "application/json"
)

func newIntegrationServer(testContext *testing.T) (*httptest.Server, *auth.TokenIssuer) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:trellis_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&syncpkg.RecordSnapshot{},
		&syncpkg.AppliedChange{},
		&broadcast.DeliveryJob{},
		&identity.Profile{},
	); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        "trellis",
		Audience:      "trellis",
		TokenTTL:      time.Minute,
	})
	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build identity service: %v", err)
	}
	syncService, err := syncpkg.NewService(syncpkg.ServiceConfig{
		Database:   db,
		IDProvider: syncpkg.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build sync service: %v", err)
	}
	tracker := telemetry.NewTracker(time.Now)
	dispatcher := broadcast.NewDispatcher()
	deviceRegistry := registry.NewMemoryRegistry(time.Now)
	queue, err := broadcast.NewDeliveryQueue(broadcast.DeliveryQueueConfig{
		Database: db,
		Deliver: func(ctx context.Context, deviceID syncpkg.DeviceID, change syncpkg.Change) error {
			return dispatcher.DeliverTo(change.UserID, deviceID,
				broadcast.Message{Change: change, PublishedAt: time.Now().UTC()})
		},
		Tracker: tracker,
	})
	if err != nil {
		testContext.Fatalf("failed to build delivery queue: %v", err)
	}
	queueCtx, stopQueue := context.WithCancel(context.Background())
	testContext.Cleanup(stopQueue)
	go queue.Run(queueCtx)
	broadcaster, err := broadcast.NewBroadcaster(broadcast.BroadcasterConfig{
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   deviceRegistry,
		Tracker:    tracker,
	})
	if err != nil {
		testContext.Fatalf("failed to build broadcaster: %v", err)
	}
	syncGateway, err := gateway.NewGateway(gateway.Config{
		Sync:       syncService,
		Broadcast:  broadcaster,
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   deviceRegistry,
		Tracker:    tracker,
		Validator:  tokenIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenIssuer,
		SyncService:  syncService,
		Broadcaster:  broadcaster,
		Queue:        queue,
		Registry:     deviceRegistry,
		Tracker:      tracker,
		Gateway:      syncGateway,
		Identity:     identityService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer, tokenIssuer
}

func issueToken(testContext *testing.T, testServer *httptest.Server, userID, deviceID string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "device_id": deviceID})
	response, err := http.Post(testServer.URL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected an access token")
	}
	return payload.AccessToken
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	testServer, _ := newIntegrationServer(testContext)

	phoneToken := issueToken(testContext, testServer, integrationUserID, "device-phone")
	laptopToken := issueToken(testContext, testServer, integrationUserID, "device-laptop")

	// Attach the laptop over the websocket gateway.
	conn := dialGateway(testContext, testServer, "device-laptop", "desktop", laptopToken)

	// The phone pushes a change over the HTTP fallback.
	changeBody, _ := json.Marshal(map[string]any{
		"changes": []map[string]any{{
			"id":        "change-1",
			"entity":    "journal",
			"recordId":  "record-1",
			"operation": "CREATE",
			"data":      map[string]any{"title": "hello from the phone"},
			"userId":    integrationUserID,
			"deviceId":  "device-phone",
			"timestamp": "2023-11-14T22:15:23.456Z",
		}},
	})
	changeReq, _ := http.NewRequest(http.MethodPost,
		testServer.URL+"/users/"+integrationUserID+"/changes", bytes.NewReader(changeBody))
	changeReq.Header.Set("Authorization", "Bearer "+phoneToken)
	changeReq.Header.Set("Content-Type", jsonContentType)
	changeResp, err := http.DefaultClient.Do(changeReq)
	if err != nil {
		testContext.Fatalf("change request failed: %v", err)
	}
	defer changeResp.Body.Close()
	if changeResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected change status: %d", changeResp.StatusCode)
	}
	var applyResult struct {
		Results []struct {
			ChangeID string `json:"change_id"`
			Accepted bool   `json:"accepted"`
			Version  int64  `json:"version"`
		} `json:"results"`
	}
	if err := json.NewDecoder(changeResp.Body).Decode(&applyResult); err != nil {
		testContext.Fatalf("failed to decode apply response: %v", err)
	}
	if len(applyResult.Results) != 1 || !applyResult.Results[0].Accepted || applyResult.Results[0].Version != 1 {
		testContext.Fatalf("expected accepted result, got %#v", applyResult.Results)
	}

	// The laptop receives the change on the realtime path.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	update := map[string]any{}
	if err := conn.ReadJSON(&update); err != nil {
		testContext.Fatalf("failed to read broadcast frame: %v", err)
	}
	if update["type"] != "data_change" {
		testContext.Fatalf("unexpected broadcast frame: %v", update)
	}
	change, ok := update["change"].(map[string]any)
	if !ok || change["id"] != "change-1" {
		testContext.Fatalf("unexpected broadcast change: %v", update)
	}

	// The converged record is visible to every device of the user.
	listReq, _ := http.NewRequest(http.MethodGet,
		testServer.URL+"/users/"+integrationUserID+"/records", nil)
	listReq.Header.Set("Authorization", "Bearer "+laptopToken)
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		testContext.Fatalf("record listing failed: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected listing status: %d", listResp.StatusCode)
	}
	var listing struct {
		Records []struct {
			RecordID string         `json:"record_id"`
			Data     map[string]any `json:"data"`
		} `json:"records"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listing); err != nil {
		testContext.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Records) != 1 || listing.Records[0].RecordID != "record-1" {
		testContext.Fatalf("unexpected records: %#v", listing.Records)
	}
	if listing.Records[0].Data["title"] != "hello from the phone" {
		testContext.Fatalf("unexpected record payload: %v", listing.Records[0].Data)
	}
}

func dialGateway(testContext *testing.T, testServer *httptest.Server, deviceID, deviceType, token string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws?" + url.Values{
		"userId":     {integrationUserID},
		"deviceId":   {deviceID},
		"deviceType": {deviceType},
		"token":      {token},
	}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial gateway: %v", err)
	}
	testContext.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	established := map[string]any{}
	if err := conn.ReadJSON(&established); err != nil {
		testContext.Fatalf("failed to read handshake frame: %v", err)
	}
	if established["type"] != "connection_established" {
		testContext.Fatalf("unexpected handshake frame: %v", established)
	}
	return conn
}

func TestOfflineDeviceReceivesQueuedChangeOnReconnect(testContext *testing.T) {
	testServer, _ := newIntegrationServer(testContext)

	phoneToken := issueToken(testContext, testServer, integrationUserID, "device-phone")
	laptopToken := issueToken(testContext, testServer, integrationUserID, "device-laptop")

	// The laptop attaches once so the server learns about it, then drops
	// without a close handshake, as a crashed or disconnected client would.
	firstSession := dialGateway(testContext, testServer, "device-laptop", "desktop", laptopToken)
	_ = firstSession.Close()
	time.Sleep(100 * time.Millisecond)

	// The phone pushes a change while the laptop is offline.
	changeBody, _ := json.Marshal(map[string]any{
		"changes": []map[string]any{{
			"id":        "change-offline-1",
			"entity":    "journal",
			"recordId":  "record-9",
			"operation": "CREATE",
			"data":      map[string]any{"title": "written while you were away"},
			"userId":    integrationUserID,
			"deviceId":  "device-phone",
			"timestamp": "2023-11-14T22:15:23.456Z",
		}},
	})
	changeReq, _ := http.NewRequest(http.MethodPost,
		testServer.URL+"/users/"+integrationUserID+"/changes", bytes.NewReader(changeBody))
	changeReq.Header.Set("Authorization", "Bearer "+phoneToken)
	changeReq.Header.Set("Content-Type", jsonContentType)
	changeResp, err := http.DefaultClient.Do(changeReq)
	if err != nil {
		testContext.Fatalf("change request failed: %v", err)
	}
	changeResp.Body.Close()
	if changeResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected change status: %d", changeResp.StatusCode)
	}

	// Reconnecting drains the backlog: the queued delivery lands on the new
	// session even though no realtime push could reach the laptop.
	secondSession := dialGateway(testContext, testServer, "device-laptop", "desktop", laptopToken)
	_ = secondSession.SetReadDeadline(time.Now().Add(10 * time.Second))
	update := map[string]any{}
	if err := secondSession.ReadJSON(&update); err != nil {
		testContext.Fatalf("expected the queued change after reconnect: %v", err)
	}
	if update["type"] != "data_change" {
		testContext.Fatalf("unexpected frame after reconnect: %v", update)
	}
	change, ok := update["change"].(map[string]any)
	if !ok || change["id"] != "change-offline-1" {
		testContext.Fatalf("unexpected redelivered change: %v", update)
	}
}
