package canvas

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testClockStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:canvas_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(
		&Artwork{},
		&Participant{},
		&Layer{},
		&Operation{},
		&TurnState{},
		&Snapshot{},
		&NotificationRecord{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func mustService(t *testing.T) *Service {
	t.Helper()
	return mustServiceWithClock(t, func() time.Time { return testClockStart })
}

func mustServiceWithClock(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   mustTestDatabase(t),
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustArtworkID(t *testing.T, value string) ArtworkID {
	t.Helper()
	id, err := NewArtworkID(value)
	if err != nil {
		t.Fatalf("unexpected artwork id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCreateArtwork(t *testing.T, service *Service, request CreateArtworkRequest) ArtworkDetail {
	t.Helper()
	detail, err := service.CreateArtwork(context.Background(), request)
	if err != nil {
		t.Fatalf("failed to create artwork: %v", err)
	}
	return detail
}

func realTimeRequest(participants ...string) CreateArtworkRequest {
	return CreateArtworkRequest{
		Title:              "Shared Sketch",
		Mode:               ModeRealTime,
		Width:              1024,
		Height:             768,
		ParticipantUserIDs: participants,
	}
}

func turnBasedRequest(participants ...string) CreateArtworkRequest {
	return CreateArtworkRequest{
		Title:              "Exquisite Corpse",
		Mode:               ModeTurnBased,
		Width:              800,
		Height:             600,
		ParticipantUserIDs: participants,
	}
}

func strokeInput(actorUserID, layerID string, lamportTs int64) OperationInput {
	return OperationInput{
		LayerID:     layerID,
		ActorUserID: actorUserID,
		ClientID:    "device-1",
		ClientSeq:   lamportTs,
		LamportTs:   lamportTs,
		Type:        OperationStrokeAdd,
		PayloadJSON: `{"points":[[0,0],[10,10]]}`,
	}
}

func countActiveTurns(t *testing.T, service *Service, artworkID string) int64 {
	t.Helper()
	var count int64
	if err := service.db.Model(&TurnState{}).
		Where("artwork_id = ? AND completed_at_s IS NULL", artworkID).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count active turns: %v", err)
	}
	return count
}
