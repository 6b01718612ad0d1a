package storage

import (
	"testing"

	"chatsync/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testMessage(id, roomID string, timestamp int64, status models.MessageStatus) models.Message {
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  "user-1",
		Content:   "content of " + id,
		Timestamp: timestamp,
		Type:      models.TypeText,
		Status:    status,
	}
}
