package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/models"
)

// SaveRooms inserts or updates the given chat rooms.
func (s *Store) SaveRooms(rooms []models.ChatRoom) error {
	if len(rooms) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin room transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, room := range rooms {
		if room.ID == "" {
			return errors.New("room id is required")
		}

		participants, err := json.Marshal(room.Participants)
		if err != nil {
			return fmt.Errorf("encode participants for room %q: %w", room.ID, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO rooms (room_id, name, participants)
			VALUES (?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
				name = excluded.name,
				participants = excluded.participants`,
			room.ID,
			room.Name,
			string(participants),
		); err != nil {
			return fmt.Errorf("upsert room %q: %w", room.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit room transaction: %w", err)
	}

	return nil
}

// Rooms returns all cached chat rooms ordered by name.
func (s *Store) Rooms() ([]models.ChatRoom, error) {
	rows, err := s.db.Query(
		`SELECT room_id, name, participants FROM rooms ORDER BY name ASC, room_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("get rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]models.ChatRoom, 0)
	for rows.Next() {
		var (
			room    models.ChatRoom
			rawList string
		)
		if err := rows.Scan(&room.ID, &room.Name, &rawList); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		if err := json.Unmarshal([]byte(rawList), &room.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for room %q: %w", room.ID, err)
		}
		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}

	return rooms, nil
}

// ClearAll wipes all cached rooms and messages. Used on logout.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear transaction: %w", err)
	}

	s.notifyAll()
	return nil
}
