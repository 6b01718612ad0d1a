package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/redis/go-redis/v9"

	"chatsync/models"
)

const (
	roomKeyPrefix        = "chatsync:room:"
	messagesKeySuffix    = ":messages"
	changedChannelSuffix = ":changed"
)

var (
	// ErrNotFound indicates the message does not exist in the durable store.
	ErrNotFound = errors.New("remote: message not found")
)

// Batch is one authoritative emission of the remote message set for a room.
// Consumers must treat Messages as a full replacement, not a diff. Err is
// set at most once, on terminal subscription failure, after which the
// stream closes.
type Batch struct {
	Messages []models.Message
	Err      error
}

// Feed is the durable remote store with change notifications. Messages live
// in a per-room hash keyed by message ID; every mutation publishes on the
// room's change channel and subscribers re-read the full set.
type Feed struct {
	client *redis.Client
}

// NewFeed wraps an existing Redis client.
func NewFeed(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func messagesKey(roomID string) string {
	return roomKeyPrefix + roomID + messagesKeySuffix
}

func changedChannel(roomID string) string {
	return roomKeyPrefix + roomID + changedChannelSuffix
}

// Send durably persists one message keyed by its ID. Re-sending the same ID
// overwrites rather than duplicates.
func (f *Feed) Send(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.RoomID == "" {
		return errors.New("room id is required")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", msg.ID, err)
	}

	if err := f.client.HSet(ctx, messagesKey(msg.RoomID), msg.ID, raw).Err(); err != nil {
		return fmt.Errorf("persist message %q: %w", msg.ID, err)
	}
	if err := f.client.Publish(ctx, changedChannel(msg.RoomID), msg.ID).Err(); err != nil {
		return fmt.Errorf("notify room %q: %w", msg.RoomID, err)
	}

	return nil
}

// UpdateStatus performs a partial update of one message: only the status
// field of the stored document changes, never content, timestamp, or
// sender. Regressions of the monotonic status order are ignored.
func (f *Feed) UpdateStatus(ctx context.Context, roomID, messageID string, status models.MessageStatus) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	if messageID == "" {
		return errors.New("message id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}

	raw, err := f.client.HGet(ctx, messagesKey(roomID), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read message %q: %w", messageID, err)
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return fmt.Errorf("decode message %q: %w", messageID, err)
	}
	if status.Rank() <= msg.Status.Rank() {
		return nil
	}

	msg.Status = status
	updated, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", messageID, err)
	}
	if err := f.client.HSet(ctx, messagesKey(roomID), messageID, updated).Err(); err != nil {
		return fmt.Errorf("update message %q: %w", messageID, err)
	}
	if err := f.client.Publish(ctx, changedChannel(roomID), messageID).Err(); err != nil {
		return fmt.Errorf("notify room %q: %w", roomID, err)
	}

	return nil
}

// Subscribe opens a continuous feed for one room. The full current ordered
// set is emitted immediately and again after every change notification. On
// terminal error the stream emits one Batch with Err set and closes; the
// caller owns re-subscription policy. The stream closes without an error
// event when ctx is cancelled.
func (f *Feed) Subscribe(ctx context.Context, roomID string) (<-chan Batch, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	sub := f.client.Subscribe(ctx, changedChannel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to room %q changes: %w", roomID, err)
	}

	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		defer func() {
			_ = sub.Close()
		}()

		notifications := sub.Channel()
		for {
			batch, err := f.fetchBatch(ctx, roomID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(ctx, out, Batch{Err: fmt.Errorf("fetch room %q: %w", roomID, err)})
				return
			}
			if !emit(ctx, out, Batch{Messages: batch}) {
				return
			}

			select {
			case _, ok := <-notifications:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					emit(ctx, out, Batch{Err: errors.New("remote: change subscription closed")})
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- Batch, batch Batch) bool {
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed) fetchBatch(ctx context.Context, roomID string) ([]models.Message, error) {
	entries, err := f.client.HGetAll(ctx, messagesKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(entries))
	for id, raw := range entries {
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Per-item decode failure degrades that item only.
			log.Printf("remote: dropping undecodable message %q in room %q: %v", id, roomID, err)
			continue
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}
