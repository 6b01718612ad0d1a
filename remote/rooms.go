package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"chatsync/models"
)

const (
	roomsKey            = "chatsync:rooms"
	roomsChangedChannel = "chatsync:rooms:changed"
)

// SaveRoom durably persists one chat room keyed by its ID.
func (f *Feed) SaveRoom(ctx context.Context, room models.ChatRoom) error {
	if room.ID == "" {
		return errors.New("room id is required")
	}

	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %q: %w", room.ID, err)
	}

	if err := f.client.HSet(ctx, roomsKey, room.ID, raw).Err(); err != nil {
		return fmt.Errorf("persist room %q: %w", room.ID, err)
	}
	if err := f.client.Publish(ctx, roomsChangedChannel, room.ID).Err(); err != nil {
		return fmt.Errorf("notify rooms change: %w", err)
	}

	return nil
}

// Rooms returns all known chat rooms ordered by name.
func (f *Feed) Rooms(ctx context.Context) ([]models.ChatRoom, error) {
	rooms, err := f.fetchRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	return rooms, nil
}

// RoomsBatch is one authoritative emission of the full rooms set.
type RoomsBatch struct {
	Rooms []models.ChatRoom
	Err   error
}

// SubscribeRooms opens a continuous feed of the rooms list. Like Subscribe,
// the full current set is emitted immediately and again after every change
// notification; on terminal error the stream emits one RoomsBatch with Err
// set and closes, and it closes silently when ctx is cancelled.
func (f *Feed) SubscribeRooms(ctx context.Context) (<-chan RoomsBatch, error) {
	sub := f.client.Subscribe(ctx, roomsChangedChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to rooms changes: %w", err)
	}

	out := make(chan RoomsBatch, 1)
	go func() {
		defer close(out)
		defer func() {
			_ = sub.Close()
		}()

		notifications := sub.Channel()
		for {
			rooms, err := f.fetchRooms(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emitRooms(ctx, out, RoomsBatch{Err: fmt.Errorf("fetch rooms: %w", err)})
				return
			}
			if !emitRooms(ctx, out, RoomsBatch{Rooms: rooms}) {
				return
			}

			select {
			case _, ok := <-notifications:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					emitRooms(ctx, out, RoomsBatch{Err: errors.New("remote: rooms subscription closed")})
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func emitRooms(ctx context.Context, out chan<- RoomsBatch, batch RoomsBatch) bool {
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed) fetchRooms(ctx context.Context) ([]models.ChatRoom, error) {
	entries, err := f.client.HGetAll(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]models.ChatRoom, 0, len(entries))
	for id, raw := range entries {
		var room models.ChatRoom
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			log.Printf("remote: dropping undecodable room %q: %v", id, err)
			continue
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name != rooms[j].Name {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].ID < rooms[j].ID
	})

	return rooms, nil
}
