package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var ErrMissingFields = errors.New("missing required fields")
var ErrNotFound = errors.New("message not found")

// Message is the unit of communication between two participants.
type Message struct {
	ID              string         `json:"id"`
	ExternalID      string         `json:"externalId,omitempty"`
	SenderID        string         `json:"senderId"`
	RecipientID     string         `json:"recipientId"`
	ConversationKey string         `json:"conversationKey"`
	Status          Status         `json:"status"`
	MessageType     string         `json:"messageType"`
	Text            string         `json:"text"`
	Media           map[string]any `json:"media,omitempty"`
	ContactName     string         `json:"contactName,omitempty"`
	SentAt          *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt     *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt          *time.Time     `json:"readAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Identifier is what events carry for a message: the provider-issued
// external id when present, else the store id.
func (m Message) Identifier() string {
	if m.ExternalID != "" {
		return m.ExternalID
	}
	return m.ID
}

// ConversationKey pairs two identities order-independently, so both sides
// of a thread resolve to the same key.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "::" + pair[1]
}

type CreateMessageRequest struct {
	SenderID    string         `json:"self"`
	RecipientID string         `json:"peer"`
	Text        string         `json:"text"`
	ContactName string         `json:"contactName,omitempty"`
	ExternalID  string         `json:"clientMsgId,omitempty"`
	MessageType string         `json:"messageType,omitempty"`
	Media       map[string]any `json:"media,omitempty"`
	SentAt      *time.Time     `json:"-"`
}

func (r CreateMessageRequest) Validate() error {
	if r.SenderID == "" || r.RecipientID == "" || strings.TrimSpace(r.Text) == "" {
		return ErrMissingFields
	}
	return nil
}

// StatusUpdateRequest targets a message by its provider-issued external id.
type StatusUpdateRequest struct {
	ExternalID string
	Status     Status
}
