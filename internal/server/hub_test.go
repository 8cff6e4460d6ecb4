package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/auth"
	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	failAt int // sends fail once len(sent) reaches this; -1 disables
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failAt: -1}
}

func (f *fakeTransport) SendText(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt >= 0 && len(f.sent) >= f.failAt {
		return fmt.Errorf("transport write failed")
	}
	buffered := make([]byte, len(payload))
	copy(buffered, payload)
	f.sent = append(f.sent, buffered)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	decoded := make([]map[string]interface{}, 0, len(f.sent))
	for _, payload := range f.sent {
		var message map[string]interface{}
		if err := json.Unmarshal(payload, &message); err != nil {
			t.Fatalf("sent payload is not JSON: %v", err)
		}
		decoded = append(decoded, message)
	}
	return decoded
}

func (f *fakeTransport) lastMessage(t *testing.T) map[string]interface{} {
	t.Helper()
	messages := f.messages(t)
	if len(messages) == 0 {
		t.Fatal("no messages were sent")
	}
	return messages[len(messages)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAuthenticator struct {
	tokens map[string]string
}

func (f *fakeAuthenticator) ValidateToken(token string) (auth.SessionClaims, error) {
	userID, known := f.tokens[token]
	if !known {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return auth.SessionClaims{UserID: userID}, nil
}

func mustHubService(t *testing.T) *canvas.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:hub_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(
		&canvas.Artwork{},
		&canvas.Participant{},
		&canvas.Layer{},
		&canvas.Operation{},
		&canvas.TurnState{},
		&canvas.Snapshot{},
		&canvas.NotificationRecord{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	service, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		IDProvider: canvas.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustHub(t *testing.T, service *canvas.Service) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{
		Authenticator: &fakeAuthenticator{tokens: map[string]string{
			"alice-token": "alice",
			"bob-token":   "bob",
		}},
		CanvasService: service,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

func mustCreateHubArtwork(t *testing.T, service *canvas.Service, request canvas.CreateArtworkRequest) canvas.ArtworkDetail {
	t.Helper()
	detail, err := service.CreateArtwork(context.Background(), request)
	if err != nil {
		t.Fatalf("failed to create artwork: %v", err)
	}
	return detail
}

func realTimeArtwork(participants ...string) canvas.CreateArtworkRequest {
	return canvas.CreateArtworkRequest{
		Title:              "Shared Sketch",
		Mode:               canvas.ModeRealTime,
		Width:              1024,
		Height:             768,
		ParticipantUserIDs: participants,
	}
}

func sendJSON(t *testing.T, hub *Hub, transport ClientTransport, message interface{}) {
	t.Helper()
	payload, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	hub.HandleText(transport, payload)
}

func connectAndAuthenticate(t *testing.T, hub *Hub, token string) *fakeTransport {
	t.Helper()
	transport := newFakeTransport()
	hub.Connect(transport)
	sendJSON(t, hub, transport, map[string]interface{}{"type": "hello", "token": token, "client_id": "device-1"})
	last := transport.lastMessage(t)
	if last["type"] != "hello_ack" {
		t.Fatalf("authentication failed, last message: %+v", last)
	}
	return transport
}

func joinArtwork(t *testing.T, hub *Hub, transport *fakeTransport, artworkID string, sinceCursor int64) {
	t.Helper()
	sendJSON(t, hub, transport, map[string]interface{}{
		"type":         "join_artwork",
		"artwork_id":   artworkID,
		"since_cursor": sinceCursor,
	})
}

func messageTypes(t *testing.T, transport *fakeTransport) []string {
	t.Helper()
	messages := transport.messages(t)
	types := make([]string, 0, len(messages))
	for _, message := range messages {
		typeTag, _ := message["type"].(string)
		types = append(types, typeTag)
	}
	return types
}

func requireErrorCode(t *testing.T, transport *fakeTransport, wantCode string) {
	t.Helper()
	last := transport.lastMessage(t)
	if last["type"] != "error" || last["code"] != wantCode {
		t.Fatalf("expected error %q, got %+v", wantCode, last)
	}
}

func TestHubConnectGreetsClient(t *testing.T) {
	hub := mustHub(t, mustHubService(t))
	transport := newFakeTransport()

	hub.Connect(transport)

	if got := transport.lastMessage(t)["type"]; got != "hello" {
		t.Fatalf("greeting type = %v, want hello", got)
	}
}

func TestHubRequiresHelloFirst(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	transport := newFakeTransport()
	hub.Connect(transport)

	sendJSON(t, hub, transport, map[string]interface{}{"type": "join_artwork", "artwork_id": "whatever"})

	requireErrorCode(t, transport, "auth_required")
	if transport.isClosed() {
		t.Fatal("auth_required must not close the connection")
	}
}

func TestHubHelloInvalidTokenClosesConnection(t *testing.T) {
	hub := mustHub(t, mustHubService(t))
	transport := newFakeTransport()
	hub.Connect(transport)

	sendJSON(t, hub, transport, map[string]interface{}{"type": "hello", "token": "forged", "client_id": "device-1"})

	requireErrorCode(t, transport, "invalid_token")
	if !transport.isClosed() {
		t.Fatal("invalid token must close the connection")
	}
}

func TestHubSecondHelloRejected(t *testing.T) {
	hub := mustHub(t, mustHubService(t))
	transport := connectAndAuthenticate(t, hub, "alice-token")

	sendJSON(t, hub, transport, map[string]interface{}{"type": "hello", "token": "alice-token", "client_id": "device-1"})

	requireErrorCode(t, transport, "already_authenticated")
	if transport.isClosed() {
		t.Fatal("re-hello must not close an authenticated connection")
	}
}

func TestHubRejectsMalformedPayload(t *testing.T) {
	hub := mustHub(t, mustHubService(t))
	transport := newFakeTransport()
	hub.Connect(transport)

	hub.HandleText(transport, []byte("{not json"))

	requireErrorCode(t, transport, "bad_message")
}

func TestHubJoinSyncsFromCursor(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice", "bob"))
	artworkID, _ := canvas.NewArtworkID(detail.Artwork.ArtworkID)
	aliceID, _ := canvas.NewUserID("alice")

	layerID := detail.Layers[0].LayerID
	seed := make([]canvas.OperationInput, 0, 3)
	for _, lamport := range []int64{3, 6, 9} {
		seed = append(seed, canvas.OperationInput{
			LayerID:     layerID,
			ActorUserID: "alice",
			ClientID:    "device-1",
			ClientSeq:   lamport,
			LamportTs:   lamport,
			Type:        canvas.OperationStrokeAdd,
			PayloadJSON: `{"points":[[0,0]]}`,
		})
	}
	if _, err := service.AppendOperations(context.Background(), artworkID, aliceID, seed); err != nil {
		t.Fatalf("seed operations: %v", err)
	}

	transport := connectAndAuthenticate(t, hub, "alice-token")
	joinArtwork(t, hub, transport, detail.Artwork.ArtworkID, 5)

	var operationsMessage map[string]interface{}
	for _, message := range transport.messages(t) {
		if message["type"] == "operations" {
			operationsMessage = message
		}
	}
	if operationsMessage == nil {
		t.Fatalf("no operations message in %v", messageTypes(t, transport))
	}
	batch, _ := operationsMessage["operations"].([]interface{})
	if len(batch) != 2 {
		t.Fatalf("cursor 5 delivered %d operations, want 2", len(batch))
	}
	first, _ := batch[0].(map[string]interface{})
	if first["lamport_ts"] != float64(6) {
		t.Fatalf("first replayed operation lamport = %v, want 6", first["lamport_ts"])
	}

	last := transport.lastMessage(t)
	if last["type"] != "presence" {
		t.Fatalf("join must end with presence, got %+v", last)
	}
	online, _ := last["online_user_ids"].([]interface{})
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("unexpected presence list: %v", online)
	}
}

func TestHubJoinDeniedForNonParticipant(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice"))

	transport := connectAndAuthenticate(t, hub, "bob-token")
	joinArtwork(t, hub, transport, detail.Artwork.ArtworkID, 0)

	requireErrorCode(t, transport, "not_participant")
}

func TestHubApplyOperationsBroadcastsToRoom(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice", "bob"))
	layerID := detail.Layers[0].LayerID

	alice := connectAndAuthenticate(t, hub, "alice-token")
	bob := connectAndAuthenticate(t, hub, "bob-token")
	joinArtwork(t, hub, alice, detail.Artwork.ArtworkID, 0)
	joinArtwork(t, hub, bob, detail.Artwork.ArtworkID, 0)

	sendJSON(t, hub, alice, map[string]interface{}{
		"type":       "apply_operations",
		"artwork_id": detail.Artwork.ArtworkID,
		"operations": []map[string]interface{}{{
			"layer_id":      layerID,
			"actor_user_id": "alice",
			"client_id":     "device-1",
			"client_seq":    1,
			"lamport_ts":    1,
			"type":          "stroke.add",
			"payload":       map[string]interface{}{"points": [][]int{{0, 0}, {5, 5}}},
		}},
	})

	for name, transport := range map[string]*fakeTransport{"alice": alice, "bob": bob} {
		last := transport.lastMessage(t)
		if last["type"] != "operations" {
			t.Fatalf("%s did not receive the broadcast, got %+v", name, last)
		}
		batch, _ := last["operations"].([]interface{})
		if len(batch) != 1 {
			t.Fatalf("%s received %d operations, want 1", name, len(batch))
		}
		operation, _ := batch[0].(map[string]interface{})
		if operation["operation_id"] == "" || operation["operation_id"] == nil {
			t.Fatalf("%s received operation without server id: %+v", name, operation)
		}
	}
}

func TestHubApplyOperationsRequiresJoin(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice"))

	transport := connectAndAuthenticate(t, hub, "alice-token")
	sendJSON(t, hub, transport, map[string]interface{}{
		"type":       "apply_operations",
		"artwork_id": detail.Artwork.ArtworkID,
		"operations": []map[string]interface{}{},
	})

	requireErrorCode(t, transport, "not_joined")
}

func TestHubApplyOperationsUnknownType(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice"))

	transport := connectAndAuthenticate(t, hub, "alice-token")
	joinArtwork(t, hub, transport, detail.Artwork.ArtworkID, 0)

	sendJSON(t, hub, transport, map[string]interface{}{
		"type":       "apply_operations",
		"artwork_id": detail.Artwork.ArtworkID,
		"operations": []map[string]interface{}{{
			"layer_id":      detail.Layers[0].LayerID,
			"actor_user_id": "alice",
			"type":          "stroke.teleport",
		}},
	})

	requireErrorCode(t, transport, "invalid_operation")
}

func TestHubTurnLockedSurfacesToSender(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, canvas.CreateArtworkRequest{
		Title:              "Exquisite Corpse",
		Mode:               canvas.ModeTurnBased,
		Width:              800,
		Height:             600,
		ParticipantUserIDs: []string{"alice", "bob"},
	})

	bob := connectAndAuthenticate(t, hub, "bob-token")
	joinArtwork(t, hub, bob, detail.Artwork.ArtworkID, 0)

	sendJSON(t, hub, bob, map[string]interface{}{
		"type":       "apply_operations",
		"artwork_id": detail.Artwork.ArtworkID,
		"operations": []map[string]interface{}{{
			"layer_id":      detail.Layers[0].LayerID,
			"actor_user_id": "bob",
			"client_id":     "device-2",
			"client_seq":    1,
			"lamport_ts":    1,
			"type":          "stroke.add",
		}},
	})

	requireErrorCode(t, bob, "turn_locked")
}

func TestHubJoinTurnBasedReportsActiveTurn(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, canvas.CreateArtworkRequest{
		Title:              "Exquisite Corpse",
		Mode:               canvas.ModeTurnBased,
		Width:              800,
		Height:             600,
		ParticipantUserIDs: []string{"alice", "bob"},
	})

	transport := connectAndAuthenticate(t, hub, "alice-token")
	joinArtwork(t, hub, transport, detail.Artwork.ArtworkID, 0)

	var turnMessage map[string]interface{}
	for _, message := range transport.messages(t) {
		if message["type"] == "turn_advanced" {
			turnMessage = message
		}
	}
	if turnMessage == nil {
		t.Fatalf("no turn_advanced in sync, got %v", messageTypes(t, transport))
	}
	if turnMessage["active_participant_user_id"] != "alice" || turnMessage["turn_number"] != float64(1) {
		t.Fatalf("unexpected turn message: %+v", turnMessage)
	}
}

func TestHubDisconnectUpdatesPresence(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice", "bob"))

	alice := connectAndAuthenticate(t, hub, "alice-token")
	bob := connectAndAuthenticate(t, hub, "bob-token")
	joinArtwork(t, hub, alice, detail.Artwork.ArtworkID, 0)
	joinArtwork(t, hub, bob, detail.Artwork.ArtworkID, 0)

	hub.Disconnect(bob)

	last := alice.lastMessage(t)
	if last["type"] != "presence" {
		t.Fatalf("expected presence after disconnect, got %+v", last)
	}
	online, _ := last["online_user_ids"].([]interface{})
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("presence after disconnect = %v, want [alice]", online)
	}
}

func TestHubBroadcastFailureClosesOnlyFailingMember(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice", "bob"))

	alice := connectAndAuthenticate(t, hub, "alice-token")
	bob := connectAndAuthenticate(t, hub, "bob-token")
	joinArtwork(t, hub, alice, detail.Artwork.ArtworkID, 0)
	joinArtwork(t, hub, bob, detail.Artwork.ArtworkID, 0)

	bob.mu.Lock()
	bob.failAt = len(bob.sent)
	bob.mu.Unlock()

	sendJSON(t, hub, alice, map[string]interface{}{
		"type":       "apply_operations",
		"artwork_id": detail.Artwork.ArtworkID,
		"operations": []map[string]interface{}{{
			"layer_id":      detail.Layers[0].LayerID,
			"actor_user_id": "alice",
			"client_id":     "device-1",
			"client_seq":    1,
			"lamport_ts":    1,
			"type":          "stroke.add",
		}},
	})

	if !bob.isClosed() {
		t.Fatal("failing member must be closed")
	}
	if alice.isClosed() {
		t.Fatal("healthy member must stay open")
	}
	if last := alice.lastMessage(t); last["type"] != "operations" {
		t.Fatalf("healthy member missed the broadcast, got %+v", last)
	}
}

func TestHubRequestSyncRepeatsFullState(t *testing.T) {
	service := mustHubService(t)
	hub := mustHub(t, service)
	detail := mustCreateHubArtwork(t, service, realTimeArtwork("alice"))
	artworkID, _ := canvas.NewArtworkID(detail.Artwork.ArtworkID)

	if _, err := service.RecordSnapshot(context.Background(), artworkID, canvas.SnapshotReasonManual); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}

	transport := connectAndAuthenticate(t, hub, "alice-token")
	joinArtwork(t, hub, transport, detail.Artwork.ArtworkID, 0)

	sendJSON(t, hub, transport, map[string]interface{}{"type": "request_sync", "artwork_id": detail.Artwork.ArtworkID})

	types := messageTypes(t, transport)
	snapshots := 0
	for _, typeTag := range types {
		if typeTag == "snapshot" {
			snapshots++
		}
	}
	if snapshots != 2 {
		t.Fatalf("expected a snapshot per sync (join + request), got %d in %v", snapshots, types)
	}
}
