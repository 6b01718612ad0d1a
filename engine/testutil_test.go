package engine

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"testing"
	"time"

	"chatsync/crypto"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/storage"
)

// fakeFeed records sends and status updates and hands out a fresh batch
// channel on every Subscribe.
type fakeFeed struct {
	mu         sync.Mutex
	sent       []models.Message
	statusMsgs []string
	sendErr    error
	statusErr  error
	channels   []chan remote.Batch
}

func (f *fakeFeed) Subscribe(ctx context.Context, roomID string) (<-chan remote.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan remote.Batch, 8)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeFeed) Send(ctx context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeFeed) UpdateStatus(ctx context.Context, roomID, messageID string, status models.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusMsgs = append(f.statusMsgs, messageID)
	return nil
}

func (f *fakeFeed) push(t *testing.T, msgs ...models.Message) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		t.Fatal("push before Subscribe")
	}
	f.channels[len(f.channels)-1] <- remote.Batch{Messages: msgs}
}

func (f *fakeFeed) fail(t *testing.T, err error) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		t.Fatal("fail before Subscribe")
	}
	ch := f.channels[len(f.channels)-1]
	ch <- remote.Batch{Err: err}
	close(ch)
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFeed) sentMessages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeFeed) statusUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statusMsgs))
	copy(out, f.statusMsgs)
	return out
}

type fakeChannel struct {
	inbound chan models.Message
	mu      sync.Mutex
	sent    []models.Message
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan models.Message, 8)}
}

func (c *fakeChannel) Inbound() <-chan models.Message { return c.inbound }

func (c *fakeChannel) Send(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) sentMessages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeUploader struct {
	url string
	err error
}

func (u *fakeUploader) Upload(ctx context.Context, fileName string, msgType models.MessageType, contentType string, r io.Reader, size int64) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

type testHarness struct {
	engine    *Engine
	feed      *fakeFeed
	channel   *fakeChannel
	store     *storage.Store
	protector *crypto.Protector
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	key := make([]byte, crypto.ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	protector, err := crypto.NewProtector(key)
	if err != nil {
		t.Fatalf("create protector: %v", err)
	}

	feed := &fakeFeed{}
	channel := newFakeChannel()
	eng, err := New(feed, channel, store, &fakeUploader{url: "https://blob.test/object"}, protector)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	return &testHarness{
		engine:    eng,
		feed:      feed,
		channel:   channel,
		store:     store,
		protector: protector,
	}
}

// protectedMessage builds a wire-form message with encrypted text content.
func (h *testHarness) protectedMessage(t *testing.T, id, roomID string, timestamp int64, plaintext string, status models.MessageStatus) models.Message {
	t.Helper()
	protected, err := h.protector.Protect(plaintext)
	if err != nil {
		t.Fatalf("protect test content: %v", err)
	}
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  "user-1",
		Content:   protected,
		Timestamp: timestamp,
		Type:      models.TypeText,
		Status:    status,
	}
}

func receiveUpdate(t *testing.T, ch <-chan []models.Message) []models.Message {
	t.Helper()
	select {
	case list, ok := <-ch:
		if !ok {
			t.Fatal("stream closed while waiting for an update")
		}
		return list
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an update")
	}
	return nil
}

// waitForMessageCount drains updates until the published list reaches the
// wanted size. Intermediate shorter lists are expected while sources drain.
func waitForMessageCount(t *testing.T, ch <-chan []models.Message, want int) []models.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case list, ok := <-ch:
			if !ok {
				t.Fatal("stream closed while waiting for messages")
			}
			if len(list) > want {
				t.Fatalf("published %d messages, want at most %d", len(list), want)
			}
			if len(list) == want {
				return list
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d published messages", want)
		}
	}
}

func expectNoUpdate(t *testing.T, ch <-chan []models.Message) {
	t.Helper()
	select {
	case list := <-ch:
		t.Fatalf("unexpected update with %d messages", len(list))
	case <-time.After(200 * time.Millisecond):
	}
}
