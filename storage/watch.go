package storage

import (
	"context"
	"errors"
	"log"

	"chatsync/models"
)

// Watch returns a stream of the full ordered message list for a room. The
// current list is emitted immediately, then again after every mutation that
// touches the room. The channel closes when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, roomID string) (<-chan []models.Message, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	signal := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[roomID] = append(s.watchers[roomID], signal)
	s.watchMu.Unlock()

	out := make(chan []models.Message, 1)
	go func() {
		defer close(out)
		defer s.removeWatcher(roomID, signal)

		for {
			messages, err := s.MessagesForRoom(roomID)
			if err != nil {
				// Cache reads are retried on the next mutation signal.
				log.Printf("storage: watch query for room %q failed: %v", roomID, err)
			} else {
				select {
				case out <- messages:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-signal:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Store) notifyRoom(roomID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, signal := range s.watchers[roomID] {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

func (s *Store) notifyAll() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, signals := range s.watchers {
		for _, signal := range signals {
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Store) removeWatcher(roomID string, signal chan struct{}) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	remaining := s.watchers[roomID][:0]
	for _, candidate := range s.watchers[roomID] {
		if candidate != signal {
			remaining = append(remaining, candidate)
		}
	}
	if len(remaining) == 0 {
		delete(s.watchers, roomID)
	} else {
		s.watchers[roomID] = remaining
	}
}
