package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/models"
)

// State represents the lifecycle state of the realtime channel.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateClosing      State = "CLOSING"
	StateFailed       State = "FAILED"
)

const (
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// MaxFrameSize is the maximum accepted inbound frame size (512 KB).
	MaxFrameSize = 512 * 1024

	inboundBuffer = 64
)

// ErrNotConnected indicates a send was attempted without a live connection.
var ErrNotConnected = errors.New("realtime: channel is not connected")

type session struct {
	conn    *websocket.Conn
	roomID  string
	inbound chan models.Message

	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) close() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// Channel maintains one live websocket connection scoped to a room.
// Inbound frames are decoded to messages and filtered by room ID; outbound
// sends report transport acceptance only, not end-to-end delivery. The
// channel never reconnects on its own: callers watch State and Err and
// re-establish per their own policy.
type Channel struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	mu      sync.Mutex
	state   State
	sess    *session
	lastErr error
}

// NewChannel creates a disconnected channel.
func NewChannel() *Channel {
	return &Channel{
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		writeTimeout: DefaultWriteTimeout,
		state:        StateDisconnected,
	}
}

// Connect dials the endpoint and starts consuming inbound frames for the
// given room. Calling Connect while connected replaces the prior
// connection.
func (c *Channel) Connect(ctx context.Context, endpoint, roomID string) error {
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	if roomID == "" {
		return errors.New("room id is required")
	}

	c.mu.Lock()
	c.teardownLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("dial realtime endpoint %q: %w", endpoint, err)
	}

	conn.SetReadLimit(MaxFrameSize)
	sess := &session{
		conn:    conn,
		roomID:  roomID,
		inbound: make(chan models.Message, inboundBuffer),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.state = StateConnected
	c.lastErr = nil
	c.mu.Unlock()

	go c.readLoop(sess)
	return nil
}

// Inbound returns the stream of decoded messages for the connected room.
// The stream closes on disconnect or terminal read error. Without a live
// connection a closed channel is returned.
func (c *Channel) Inbound() <-chan models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		closed := make(chan models.Message)
		close(closed)
		return closed
	}
	return c.sess.inbound
}

// Send encodes and transmits one message. The returned error reports only
// whether the transport accepted the frame. Sends fail fast after
// disconnect.
func (c *Channel) Send(msg models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", msg.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.sess == nil {
		return ErrNotConnected
	}

	_ = c.sess.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.sess.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send message %q: %w", msg.ID, err)
	}

	return nil
}

// Disconnect closes the transport and the inbound stream.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal connection error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// teardownLocked closes the active session, if any. Callers hold c.mu.
func (c *Channel) teardownLocked() {
	sess := c.sess
	if sess == nil {
		c.state = StateDisconnected
		return
	}

	c.state = StateClosing
	deadline := time.Now().Add(c.writeTimeout)
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = sess.conn.Close()
	sess.close()

	c.sess = nil
	c.state = StateDisconnected
}

func (c *Channel) readLoop(sess *session) {
	defer close(sess.inbound)

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			c.finish(sess, err)
			return
		}

		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("realtime: dropping undecodable frame: %v", err)
			continue
		}
		if msg.ID == "" {
			log.Printf("realtime: dropping frame without message id")
			continue
		}
		// The transport may multiplex rooms on one socket; frames for
		// other rooms are silently discarded.
		if msg.RoomID != sess.roomID {
			continue
		}

		select {
		case sess.inbound <- msg:
		case <-sess.done:
			return
		}
	}
}

// finish records a terminal read error unless the session was already
// replaced or torn down deliberately.
func (c *Channel) finish(sess *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != sess {
		return
	}

	c.sess = nil
	c.state = StateFailed
	c.lastErr = err
	_ = sess.conn.Close()
	sess.close()
}
