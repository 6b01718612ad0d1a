package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/blob"
	"chatsync/crypto"
	"chatsync/models"
	"chatsync/remote"
)

// RemoteFeed is the durable store with change notifications.
type RemoteFeed interface {
	Subscribe(ctx context.Context, roomID string) (<-chan remote.Batch, error)
	Send(ctx context.Context, msg models.Message) error
	UpdateStatus(ctx context.Context, roomID, messageID string, status models.MessageStatus) error
}

// Channel is the low-latency realtime socket. Delivery through it is
// best-effort; the remote feed remains the durable path.
type Channel interface {
	Inbound() <-chan models.Message
	Send(msg models.Message) error
}

// Cache is the local persistent mirror.
type Cache interface {
	UpsertMessage(msg models.Message) error
	UpsertMessages(roomID string, msgs []models.Message) error
	UpdateStatus(messageID string, status models.MessageStatus) error
	MessageByID(messageID string) (*models.Message, error)
	Watch(ctx context.Context, roomID string) (<-chan []models.Message, error)
}

// ErrRoomObserved is returned when Observe is called for a room that
// already has a live session.
var ErrRoomObserved = errors.New("engine: room already observed")

// Engine reconciles the three message sources into one ordered stream per
// room and propagates sends and status transitions back out. The channel
// and uploader are optional; without them realtime forwarding and file
// sends are unavailable.
type Engine struct {
	feed      RemoteFeed
	channel   Channel
	cache     Cache
	uploader  blob.Uploader
	protector *crypto.Protector

	mu sync.Mutex
	// sessions maps each observed room to its routed realtime frame
	// buffer (nil when no realtime channel is configured).
	sessions     map[string]chan models.Message
	dispatchStop chan struct{}
}

func New(feed RemoteFeed, channel Channel, cache Cache, uploader blob.Uploader, protector *crypto.Protector) (*Engine, error) {
	if feed == nil {
		return nil, errors.New("remote feed is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if protector == nil {
		return nil, errors.New("content protector is required")
	}
	return &Engine{
		feed:      feed,
		channel:   channel,
		cache:     cache,
		uploader:  uploader,
		protector: protector,
		sessions:  make(map[string]chan models.Message),
	}, nil
}

// Send propagates one locally-created message. Text content is protected
// before it leaves the process. The remote write is the durable step and
// its failure fails the whole send; realtime forwarding and the cache
// write are best-effort.
func (e *Engine) Send(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.RoomID == "" {
		return errors.New("room id is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("invalid message type %q", msg.Type)
	}
	if !msg.Status.Valid() {
		return fmt.Errorf("invalid message status %q", msg.Status)
	}

	wire := msg
	if wire.Type == models.TypeText {
		protected, err := e.protector.Protect(wire.Content)
		if err != nil {
			log.Printf("engine: protect content for message %s: %v, sending plaintext", wire.ID, err)
		} else {
			wire.Content = protected
		}
	}

	if err := e.feed.Send(ctx, wire); err != nil {
		return fmt.Errorf("store message %q: %w", wire.ID, err)
	}

	if e.channel != nil {
		if err := e.channel.Send(wire); err != nil {
			log.Printf("engine: realtime forward of message %s failed: %v", wire.ID, err)
		}
	}

	if err := e.cache.UpsertMessage(wire); err != nil {
		log.Printf("engine: cache write for message %s failed: %v", wire.ID, err)
	}

	return nil
}

// UpdateStatus advances the delivery status of one message everywhere.
// A transition that would move the status backwards is a silent no-op.
func (e *Engine) UpdateStatus(ctx context.Context, roomID, messageID string, status models.MessageStatus) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}

	current, err := e.cache.MessageByID(messageID)
	if err == nil && current.Status.Rank() >= status.Rank() {
		return nil
	}

	if err := e.feed.UpdateStatus(ctx, roomID, messageID, status); err != nil {
		return fmt.Errorf("update status of message %q: %w", messageID, err)
	}

	if err := e.cache.UpdateStatus(messageID, status); err != nil {
		log.Printf("engine: cache status update for message %s failed: %v", messageID, err)
	}

	return nil
}

// SendFile uploads the payload to the blob store and sends the resulting
// message through the normal send path. The content is a plain placeholder
// naming the file; only text content is ever encrypted.
func (e *Engine) SendFile(ctx context.Context, roomID, senderID, fileName, contentType string, r io.Reader, size int64, msgType models.MessageType) (models.Message, error) {
	if e.uploader == nil {
		return models.Message{}, errors.New("no blob store configured")
	}
	if msgType != models.TypeImage && msgType != models.TypeFile {
		return models.Message{}, fmt.Errorf("invalid file message type %q", msgType)
	}

	url, err := e.uploader.Upload(ctx, fileName, msgType, contentType, r, size)
	if err != nil {
		return models.Message{}, fmt.Errorf("upload %q: %w", fileName, err)
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   "File: " + fileName,
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		FileURL:   url,
		FileName:  fileName,
		Status:    models.StatusSent,
	}

	if err := e.Send(ctx, msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}
