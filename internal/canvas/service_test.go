package canvas

import (
	"context"
	"errors"
	"testing"
)

func TestCreateArtworkRealTime(t *testing.T) {
	service := mustService(t)

	detail := mustCreateArtwork(t, service, realTimeRequest("alice", "bob"))

	if detail.Artwork.Mode != string(ModeRealTime) {
		t.Fatalf("expected real_time mode, got %q", detail.Artwork.Mode)
	}
	if detail.ActiveTurn != nil {
		t.Fatalf("real-time artwork must not have a turn, got %+v", detail.ActiveTurn)
	}
	if len(detail.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(detail.Participants))
	}
	for index, participant := range detail.Participants {
		if participant.TurnIndex != index {
			t.Fatalf("participant %q turn index = %d, want %d", participant.UserID, participant.TurnIndex, index)
		}
	}
	if len(detail.Layers) != 1 || detail.Layers[0].Name != "Layer 1" {
		t.Fatalf("expected one default layer, got %+v", detail.Layers)
	}
}

func TestCreateArtworkTurnBasedStartsFirstTurn(t *testing.T) {
	service := mustService(t)
	duration := int64(3600)
	request := turnBasedRequest("alice", "bob", "carol")
	request.TurnDurationSeconds = &duration

	detail := mustCreateArtwork(t, service, request)

	turn := detail.ActiveTurn
	if turn == nil {
		t.Fatal("turn-based artwork must start with an active turn")
	}
	if turn.ActiveParticipantUserID != "alice" {
		t.Fatalf("first turn belongs to %q, want alice", turn.ActiveParticipantUserID)
	}
	if turn.TurnNumber != 1 || turn.RoundNumber != 1 {
		t.Fatalf("first turn numbering = (%d, %d), want (1, 1)", turn.TurnNumber, turn.RoundNumber)
	}
	if turn.DueAtSeconds == nil {
		t.Fatal("expected a deadline when turn duration is set")
	}
	wantDue := testClockStart.Unix() + duration
	if *turn.DueAtSeconds != wantDue {
		t.Fatalf("deadline = %d, want %d", *turn.DueAtSeconds, wantDue)
	}
	if active := countActiveTurns(t, service, detail.Artwork.ArtworkID); active != 1 {
		t.Fatalf("active turn count = %d, want 1", active)
	}
}

func TestCreateArtworkBasePhotoLayer(t *testing.T) {
	service := mustService(t)
	request := realTimeRequest("alice")
	request.BasePhotoRef = "photos/reference.jpg"

	detail := mustCreateArtwork(t, service, request)

	if len(detail.Layers) != 2 {
		t.Fatalf("expected base photo layer plus default layer, got %d layers", len(detail.Layers))
	}
	base := detail.Layers[0]
	if base.Name != "Base Photo" || !base.IsLocked || base.SortOrder != 0 {
		t.Fatalf("unexpected base layer: %+v", base)
	}
	if detail.Layers[1].SortOrder != 1 {
		t.Fatalf("default layer sort order = %d, want 1", detail.Layers[1].SortOrder)
	}
}

func TestCreateArtworkValidation(t *testing.T) {
	service := mustService(t)
	negativeDuration := int64(-5)

	testCases := []struct {
		name    string
		mutate  func(*CreateArtworkRequest)
	}{
		{name: "empty title", mutate: func(r *CreateArtworkRequest) { r.Title = "  " }},
		{name: "unknown mode", mutate: func(r *CreateArtworkRequest) { r.Mode = "freestyle" }},
		{name: "zero width", mutate: func(r *CreateArtworkRequest) { r.Width = 0 }},
		{name: "no participants", mutate: func(r *CreateArtworkRequest) { r.ParticipantUserIDs = nil }},
		{name: "duplicate participant", mutate: func(r *CreateArtworkRequest) { r.ParticipantUserIDs = []string{"alice", "alice"} }},
		{name: "blank participant", mutate: func(r *CreateArtworkRequest) { r.ParticipantUserIDs = []string{" "} }},
		{name: "negative turn duration", mutate: func(r *CreateArtworkRequest) { r.TurnDurationSeconds = &negativeDuration }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := realTimeRequest("alice", "bob")
			testCase.mutate(&request)
			_, err := service.CreateArtwork(context.Background(), request)
			if !errors.Is(err, ErrInvalidArtworkRequest) {
				t.Fatalf("expected ErrInvalidArtworkRequest, got %v", err)
			}
		})
	}
}

func TestArtworkForUserRejectsNonParticipant(t *testing.T) {
	service := mustService(t)
	detail := mustCreateArtwork(t, service, realTimeRequest("alice"))

	_, err := service.ArtworkForUser(context.Background(),
		mustArtworkID(t, detail.Artwork.ArtworkID), mustUserID(t, "mallory"))
	if !errors.Is(err, ErrArtworkNotFound) {
		t.Fatalf("non-participant lookup: expected ErrArtworkNotFound, got %v", err)
	}
}

func TestArtworkForUserUnknownArtwork(t *testing.T) {
	service := mustService(t)

	_, err := service.ArtworkForUser(context.Background(),
		mustArtworkID(t, "no-such-artwork"), mustUserID(t, "alice"))
	if !errors.Is(err, ErrArtworkNotFound) {
		t.Fatalf("expected ErrArtworkNotFound, got %v", err)
	}
}

func TestListArtworksScopedToUser(t *testing.T) {
	service := mustService(t)
	shared := mustCreateArtwork(t, service, realTimeRequest("alice", "bob"))
	mustCreateArtwork(t, service, realTimeRequest("bob"))

	artworks, err := service.ListArtworks(context.Background(), mustUserID(t, "alice"))
	if err != nil {
		t.Fatalf("list artworks: %v", err)
	}
	if len(artworks) != 1 || artworks[0].ArtworkID != shared.Artwork.ArtworkID {
		t.Fatalf("expected only the shared artwork, got %+v", artworks)
	}
}
