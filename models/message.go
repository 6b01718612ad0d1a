package models

// MessageType classifies message payloads.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// MessageStatus tracks delivery progress for one message. Transitions only
// move forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank returns the monotonic position of a status. Unknown values rank
// below sent so they never win a merge.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status value.
func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile:
		return true
	default:
		return false
	}
}

// Message is one chat message. The ID is assigned by the sender at creation
// and is the deduplication key across all sources. Content is plaintext at
// the domain boundary and ciphertext at rest for text messages.
type Message struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id"`
	SenderID  string        `json:"sender_id"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Type      MessageType   `json:"type"`
	FileURL   string        `json:"file_url,omitempty"`
	FileName  string        `json:"file_name,omitempty"`
	Status    MessageStatus `json:"status"`

	// Degraded marks content that failed to decrypt and is passed through
	// as raw ciphertext instead of being dropped.
	Degraded bool `json:"-"`
}
