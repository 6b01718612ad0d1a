package storage

import (
	"context"
	"testing"
	"time"

	"chatsync/models"
)

func receiveList(t *testing.T, ch <-chan []models.Message, timeout time.Duration) []models.Message {
	t.Helper()

	select {
	case list, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed unexpectedly")
		}
		return list
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for watch emission")
		return nil
	}
}

func TestWatchEmitsInitialStateAndMutations(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertMessage(testMessage("m1", "room-1", 1000, models.StatusSent)); err != nil {
		t.Fatalf("seed UpsertMessage failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := store.Watch(ctx, "room-1")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	initial := receiveList(t, updates, 2*time.Second)
	if len(initial) != 1 || initial[0].ID != "m1" {
		t.Fatalf("unexpected initial emission: %+v", initial)
	}

	if err := store.UpsertMessage(testMessage("m2", "room-1", 2000, models.StatusSent)); err != nil {
		t.Fatalf("UpsertMessage m2 failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		list := receiveList(t, updates, 2*time.Second)
		if len(list) == 2 {
			if list[0].ID != "m1" || list[1].ID != "m2" {
				t.Fatalf("unexpected mutation emission order: %+v", list)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed m2 in watch stream")
		}
	}
}

func TestWatchIgnoresOtherRooms(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := store.Watch(ctx, "room-1")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_ = receiveList(t, updates, 2*time.Second)

	if err := store.UpsertMessage(testMessage("other", "room-2", 1000, models.StatusSent)); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	select {
	case list := <-updates:
		if len(list) != 0 {
			t.Fatalf("room-2 write leaked into room-1 stream: %+v", list)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := store.Watch(ctx, "room-1")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_ = receiveList(t, updates, 2*time.Second)

	cancel()

	select {
	case _, ok := <-updates:
		if ok {
			// One in-flight emission may still drain; the next receive
			// must observe closure.
			if _, ok := <-updates; ok {
				t.Fatalf("watch channel still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch channel not closed after cancel")
	}
}
