package storage

import (
	"errors"
	"testing"

	"chatsync/models"
)

func TestUpsertMessagesOrdersAndDeduplicates(t *testing.T) {
	store := newTestStore(t)

	batch := []models.Message{
		testMessage("m2", "room-1", 2000, models.StatusSent),
		testMessage("m1", "room-1", 1000, models.StatusSent),
		testMessage("m3", "room-1", 2000, models.StatusSent), // timestamp tie with m2
	}
	if err := store.UpsertMessages("room-1", batch); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	messages, err := store.MessagesForRoom("room-1")
	if err != nil {
		t.Fatalf("MessagesForRoom failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != "m1" || messages[1].ID != "m2" || messages[2].ID != "m3" {
		t.Fatalf("unexpected order: %q %q %q", messages[0].ID, messages[1].ID, messages[2].ID)
	}

	// Re-applying the identical batch changes nothing.
	if err := store.UpsertMessages("room-1", batch); err != nil {
		t.Fatalf("second UpsertMessages failed: %v", err)
	}
	again, err := store.MessagesForRoom("room-1")
	if err != nil {
		t.Fatalf("MessagesForRoom after re-apply failed: %v", err)
	}
	if len(again) != 3 {
		t.Fatalf("expected 3 messages after re-apply, got %d", len(again))
	}
}

func TestUpsertMessagePreservesIdentityFields(t *testing.T) {
	store := newTestStore(t)

	original := testMessage("m1", "room-1", 1000, models.StatusSent)
	if err := store.UpsertMessage(original); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	rewrite := original
	rewrite.Content = "attacker controlled"
	rewrite.SenderID = "user-2"
	rewrite.Timestamp = 9999
	rewrite.Status = models.StatusDelivered
	if err := store.UpsertMessage(rewrite); err != nil {
		t.Fatalf("second UpsertMessage failed: %v", err)
	}

	stored, err := store.MessageByID("m1")
	if err != nil {
		t.Fatalf("MessageByID failed: %v", err)
	}
	if stored.Content != original.Content {
		t.Fatalf("content changed on conflict: %q", stored.Content)
	}
	if stored.SenderID != original.SenderID {
		t.Fatalf("sender changed on conflict: %q", stored.SenderID)
	}
	if stored.Timestamp != original.Timestamp {
		t.Fatalf("timestamp changed on conflict: %d", stored.Timestamp)
	}
	if stored.Status != models.StatusDelivered {
		t.Fatalf("expected status to advance to delivered, got %q", stored.Status)
	}
}

func TestUpsertMessageNeverRegressesStatus(t *testing.T) {
	store := newTestStore(t)

	msg := testMessage("m1", "room-1", 1000, models.StatusRead)
	if err := store.UpsertMessage(msg); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	stale := msg
	stale.Status = models.StatusSent
	if err := store.UpsertMessage(stale); err != nil {
		t.Fatalf("stale UpsertMessage failed: %v", err)
	}

	stored, err := store.MessageByID("m1")
	if err != nil {
		t.Fatalf("MessageByID failed: %v", err)
	}
	if stored.Status != models.StatusRead {
		t.Fatalf("status regressed to %q", stored.Status)
	}
}

func TestUpdateStatusAdvancesAndIgnoresRegression(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertMessage(testMessage("m1", "room-1", 1000, models.StatusSent)); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	if err := store.UpdateStatus("m1", models.StatusRead); err != nil {
		t.Fatalf("UpdateStatus to read failed: %v", err)
	}
	if err := store.UpdateStatus("m1", models.StatusDelivered); err != nil {
		t.Fatalf("UpdateStatus regression attempt failed: %v", err)
	}

	stored, err := store.MessageByID("m1")
	if err != nil {
		t.Fatalf("MessageByID failed: %v", err)
	}
	if stored.Status != models.StatusRead {
		t.Fatalf("expected status read, got %q", stored.Status)
	}
}

func TestUpdateStatusMissingIDIsNoOp(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateStatus("missing", models.StatusDelivered); err != nil {
		t.Fatalf("expected no-op for missing id, got: %v", err)
	}
}

func TestUpsertMessagesRejectsRoomMismatch(t *testing.T) {
	store := newTestStore(t)

	batch := []models.Message{testMessage("m1", "room-2", 1000, models.StatusSent)}
	if err := store.UpsertMessages("room-1", batch); err == nil {
		t.Fatalf("expected room mismatch error")
	}
}

func TestMessageByIDNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.MessageByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestMessagesForRoomScopesByRoom(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertMessage(testMessage("m1", "room-1", 1000, models.StatusSent)); err != nil {
		t.Fatalf("UpsertMessage room-1 failed: %v", err)
	}
	if err := store.UpsertMessage(testMessage("m2", "room-2", 1000, models.StatusSent)); err != nil {
		t.Fatalf("UpsertMessage room-2 failed: %v", err)
	}

	messages, err := store.MessagesForRoom("room-1")
	if err != nil {
		t.Fatalf("MessagesForRoom failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("expected only m1 in room-1, got %+v", messages)
	}
}
