package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"chatsync/models"
	"chatsync/remote"
)

const (
	resubscribeMinDelay = 500 * time.Millisecond
	resubscribeMaxDelay = 30 * time.Second

	// inboundBufferSize is the per-session buffer for routed realtime
	// frames.
	inboundBufferSize = 64
	// inboundRefreshDelay paces picking up a replacement inbound stream
	// after the current one closes.
	inboundRefreshDelay = time.Second
)

// Source priorities break status-rank ties when the same message arrives
// from several places.
const (
	prioLocal = iota + 1
	prioRemote
	prioRealtime
)

type knownEntry struct {
	msg      models.Message
	priority int
}

// Observe opens one merge session for a room. The returned channel carries
// the full ordered, decrypted message list; a new list is published only
// when it differs from the previous one. The channel is closed when ctx is
// cancelled. Only one session per room may be live at a time.
func (e *Engine) Observe(ctx context.Context, roomID string) (<-chan []models.Message, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	e.mu.Lock()
	if _, live := e.sessions[roomID]; live {
		e.mu.Unlock()
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomObserved)
	}
	var inbound chan models.Message
	if e.channel != nil {
		inbound = make(chan models.Message, inboundBufferSize)
	}
	e.sessions[roomID] = inbound
	if e.channel != nil && e.dispatchStop == nil {
		e.dispatchStop = make(chan struct{})
		go e.dispatchInbound(e.dispatchStop)
	}
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.sessions, roomID)
		if len(e.sessions) == 0 && e.dispatchStop != nil {
			close(e.dispatchStop)
			e.dispatchStop = nil
		}
		e.mu.Unlock()
	}

	remoteCh, err := e.feed.Subscribe(ctx, roomID)
	if err != nil {
		release()
		return nil, fmt.Errorf("subscribe to room %q: %w", roomID, err)
	}

	watchCh, err := e.cache.Watch(ctx, roomID)
	if err != nil {
		release()
		return nil, fmt.Errorf("watch cache for room %q: %w", roomID, err)
	}

	out := make(chan []models.Message, 1)
	sess := &mergeSession{
		engine:  e,
		roomID:  roomID,
		known:   make(map[string]knownEntry),
		out:     out,
		release: release,
	}
	go sess.run(ctx, remoteCh, watchCh, inbound)

	return out, nil
}

// dispatchInbound owns the realtime inbound stream and routes each frame
// to the buffer of the session observing its room. Frames for rooms with
// no live session are discarded. When the stream closes, the dispatcher
// picks up the channel's replacement stream after a short delay, so
// sessions survive a caller-driven reconnect.
func (e *Engine) dispatchInbound(stop <-chan struct{}) {
	for {
		inbound := e.channel.Inbound()
		open := true
		for open {
			select {
			case msg, ok := <-inbound:
				if !ok {
					open = false
					continue
				}
				e.routeInbound(msg)
			case <-stop:
				return
			}
		}

		select {
		case <-stop:
			return
		case <-time.After(inboundRefreshDelay):
		}
	}
}

func (e *Engine) routeInbound(msg models.Message) {
	if msg.RoomID == "" {
		return
	}

	e.mu.Lock()
	buf := e.sessions[msg.RoomID]
	e.mu.Unlock()
	if buf == nil {
		return
	}

	select {
	case buf <- msg:
	default:
		log.Printf("engine: inbound buffer for room %s full, dropping message %s", msg.RoomID, msg.ID)
	}
}

// mergeSession holds the per-room merge state. The known map only ever
// grows and per-ID status only ever advances, so published lists are
// monotone regardless of what the sources replay.
type mergeSession struct {
	engine  *Engine
	roomID  string
	known   map[string]knownEntry
	last    []models.Message
	out     chan []models.Message
	release func()
}

func (s *mergeSession) run(ctx context.Context, remoteCh <-chan remote.Batch, watchCh <-chan []models.Message, inbound <-chan models.Message) {
	defer s.release()
	defer close(s.out)

	retryDelay := resubscribeMinDelay
	var retryTimer *time.Timer
	var retryCh <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	scheduleResubscribe := func() {
		if retryTimer == nil {
			retryTimer = time.NewTimer(retryDelay)
		} else {
			retryTimer.Reset(retryDelay)
		}
		retryCh = retryTimer.C
		retryDelay *= 2
		if retryDelay > resubscribeMaxDelay {
			retryDelay = resubscribeMaxDelay
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case batch, ok := <-remoteCh:
			if !ok {
				remoteCh = nil
				if ctx.Err() == nil {
					scheduleResubscribe()
				}
				continue
			}
			if batch.Err != nil {
				log.Printf("engine: remote feed for room %s failed: %v", s.roomID, batch.Err)
				continue
			}
			s.applyAll(batch.Messages, prioRemote)

		case <-retryCh:
			retryCh = nil
			ch, err := s.engine.feed.Subscribe(ctx, s.roomID)
			if err != nil {
				log.Printf("engine: resubscribe to room %s failed: %v", s.roomID, err)
				scheduleResubscribe()
				continue
			}
			log.Printf("engine: resubscribed to room %s", s.roomID)
			remoteCh = ch
			retryDelay = resubscribeMinDelay

		case msg := <-inbound:
			s.applyAll([]models.Message{msg}, prioRealtime)

		case list, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			s.applyAll(list, prioLocal)
		}
	}
}

// applyAll folds one source emission into the known set, mirrors anything
// newly learned from a non-local source back into the cache, and publishes
// the merged list if it changed.
func (s *mergeSession) applyAll(msgs []models.Message, priority int) {
	var fresh []models.Message
	changed := false
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if s.apply(msg, priority) {
			changed = true
			if priority != prioLocal {
				fresh = append(fresh, msg)
			}
		}
	}

	if len(fresh) > 0 {
		go s.mirror(fresh)
	}
	if changed {
		s.publish()
	}
}

// apply merges one candidate. The winner is the most advanced status;
// among equals the higher-priority source wins. Losing candidates never
// overwrite anything, so status cannot regress.
func (s *mergeSession) apply(msg models.Message, priority int) bool {
	existing, seen := s.known[msg.ID]
	if !seen {
		s.known[msg.ID] = knownEntry{msg: msg, priority: priority}
		return true
	}

	candRank, heldRank := msg.Status.Rank(), existing.msg.Status.Rank()
	if candRank < heldRank {
		return false
	}
	if candRank == heldRank && priority < existing.priority {
		return false
	}

	if msg == existing.msg {
		if priority > existing.priority {
			existing.priority = priority
			s.known[msg.ID] = existing
		}
		return false
	}
	s.known[msg.ID] = knownEntry{msg: msg, priority: priority}
	return true
}

// mirror writes remotely-learned messages into the cache without blocking
// the merge loop. Failures are logged; a later emission for the same
// messages retries implicitly.
func (s *mergeSession) mirror(msgs []models.Message) {
	if err := s.engine.cache.UpsertMessages(s.roomID, msgs); err != nil {
		log.Printf("engine: cache mirror for room %s failed: %v", s.roomID, err)
	}
}

// publish builds the ordered decrypted snapshot and emits it when it
// differs from the previously published list. The output channel holds one
// pending list; a stale unconsumed list is replaced, never queued behind.
func (s *mergeSession) publish() {
	snapshot := make([]models.Message, 0, len(s.known))
	for _, entry := range s.known {
		snapshot = append(snapshot, s.reveal(entry.msg))
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Timestamp != snapshot[j].Timestamp {
			return snapshot[i].Timestamp < snapshot[j].Timestamp
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	if equalLists(snapshot, s.last) {
		return
	}
	s.last = snapshot

	select {
	case <-s.out:
	default:
	}
	s.out <- snapshot
}

// reveal decrypts text content at the publication boundary. Content that
// fails to decrypt is passed through as-is and flagged, never dropped.
func (s *mergeSession) reveal(msg models.Message) models.Message {
	if msg.Type != models.TypeText {
		return msg
	}
	plain, err := s.engine.protector.Reveal(msg.Content)
	if err != nil {
		log.Printf("engine: reveal content of message %s: %v", msg.ID, err)
		msg.Degraded = true
		return msg
	}
	msg.Content = plain
	return msg
}

func equalLists(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
