package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"chatsync/models"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Later writes for an existing message ID may only advance status and file
// metadata; room, sender, timestamp, and content are immutable.
const upsertMessageSQL = `
INSERT INTO messages (
	message_id,
	room_id,
	sender_id,
	content,
	type,
	file_url,
	file_name,
	timestamp,
	status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	status = CASE
		WHEN excluded.status = 'read' THEN 'read'
		WHEN excluded.status = 'delivered' AND messages.status = 'sent' THEN 'delivered'
		ELSE messages.status
	END,
	file_url = excluded.file_url,
	file_name = excluded.file_name`

func validateMessage(msg models.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.RoomID == "" {
		return errors.New("room id is required")
	}
	if msg.SenderID == "" {
		return errors.New("sender id is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("invalid message type %q", msg.Type)
	}
	if !msg.Status.Valid() {
		return fmt.Errorf("invalid message status %q", msg.Status)
	}
	return nil
}

// UpsertMessage inserts or updates one message keyed by its ID.
func (s *Store) UpsertMessage(msg models.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = nowUnixMilli()
	}
	if err := validateMessage(msg); err != nil {
		return err
	}

	_, err := s.db.Exec(upsertMessageSQL,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		msg.Content,
		string(msg.Type),
		msg.FileURL,
		msg.FileName,
		msg.Timestamp,
		string(msg.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", msg.ID, err)
	}

	s.notifyRoom(msg.RoomID)
	return nil
}

// UpsertMessages inserts or updates a batch of messages for one room in a
// single transaction. Re-applying an identical batch is a no-op.
func (s *Store) UpsertMessages(roomID string, msgs []models.Message) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	if len(msgs) == 0 {
		return nil
	}

	for _, msg := range msgs {
		if msg.RoomID != roomID {
			return fmt.Errorf("message %q belongs to room %q, not %q", msg.ID, msg.RoomID, roomID)
		}
		if err := validateMessage(msg); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(upsertMessageSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if _, err := stmt.Exec(
			msg.ID,
			msg.RoomID,
			msg.SenderID,
			msg.Content,
			string(msg.Type),
			msg.FileURL,
			msg.FileName,
			msg.Timestamp,
			string(msg.Status),
		); err != nil {
			return fmt.Errorf("upsert message %q: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert transaction: %w", err)
	}

	s.notifyRoom(roomID)
	return nil
}

// UpdateStatus advances the status of one message. A missing ID or a
// transition that would regress the monotonic order is a no-op.
func (s *Store) UpdateStatus(messageID string, status models.MessageStatus) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}

	var roomID string
	err := s.db.QueryRow(
		`SELECT room_id FROM messages WHERE message_id = ?`,
		messageID,
	).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up message %q: %w", messageID, err)
	}

	res, err := s.db.Exec(
		`UPDATE messages SET status = ?
		WHERE message_id = ?
		AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
		  < CASE ?      WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END`,
		string(status),
		messageID,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for status update %q: %w", messageID, err)
	}
	if rowsAffected > 0 {
		s.notifyRoom(roomID)
	}

	return nil
}

// MessageByID fetches one message by its ID.
func (s *Store) MessageByID(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}

	row := s.db.QueryRow(
		`SELECT message_id, room_id, sender_id, content, type, file_url, file_name, timestamp, status
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return msg, nil
}

// MessagesForRoom returns the full message list for a room ordered by
// timestamp ascending with message ID as tie-break.
func (s *Store) MessagesForRoom(roomID string) ([]models.Message, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	rows, err := s.db.Query(
		`SELECT message_id, room_id, sender_id, content, type, file_url, file_name, timestamp, status
		FROM messages
		WHERE room_id = ?
		ORDER BY timestamp ASC, message_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for room %q: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg     models.Message
		msgType string
		status  string
	)

	if err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.SenderID,
		&msg.Content,
		&msgType,
		&msg.FileURL,
		&msg.FileName,
		&msg.Timestamp,
		&status,
	); err != nil {
		return nil, err
	}

	msg.Type = models.MessageType(msgType)
	msg.Status = models.MessageStatus(status)
	return &msg, nil
}
