package store

import (
	"time"

	"chatrelay/internal/domain"
)

// MessageInsert carries everything needed to persist a new message.
type MessageInsert struct {
	ID              string
	ExternalID      string
	SenderID        string
	RecipientID     string
	ConversationKey string
	Status          domain.Status
	MessageType     string
	Text            string
	Media           map[string]any
	ContactName     string
	SentAt          time.Time
	Now             time.Time
}

// StatusUpdate is a conditional single-message update keyed by store id.
// DeliveredAt/ReadAt are applied set-once (an existing stamp wins).
type StatusUpdate struct {
	ID          string
	Status      domain.Status
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Now         time.Time
}

// BulkReadResult reports the outcome of marking a conversation read.
// Identifiers are collected before the update so events carry the exact
// affected set.
type BulkReadResult struct {
	Identifiers []string
	Modified    int64
	ReadAt      time.Time
}

// ChatHead is one sidebar row: the latest message exchanged with a peer
// plus the count of inbound messages not yet read.
type ChatHead struct {
	PeerID      string    `json:"peerId"`
	ContactName string    `json:"contactName,omitempty"`
	LastText    string    `json:"lastText"`
	LastStatus  string    `json:"lastStatus"`
	LastAt      time.Time `json:"lastAt"`
	Direction   string    `json:"direction"`
	Unread      int64     `json:"unread"`
}
