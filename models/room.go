package models

// ChatRoom is a chat room known to the client. Participants change only via
// join/leave operations, never via message traffic.
type ChatRoom struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}
