package events

import (
	"time"

	"chatrelay/internal/domain"
)

// Wire event types. Clients key their handlers off Type.
const (
	TypeMessageNew  = "message:new"
	TypeStatus      = "message:status"
	TypeStatusBulk  = "message:status:bulk"
)

// Event is the envelope published to per-identity rooms. Exactly one of the
// payload groups is populated depending on Type.
type Event struct {
	Type string `json:"type"`

	// message:new
	Message *domain.Message `json:"message,omitempty"`

	// message:status and message:status:bulk
	ID          string        `json:"id,omitempty"`
	IDs         []string      `json:"ids,omitempty"`
	Status      domain.Status `json:"status,omitempty"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
}

func MessageNew(m domain.Message) Event {
	return Event{Type: TypeMessageNew, Message: &m}
}

func StatusChanged(m domain.Message) Event {
	return Event{
		Type:        TypeStatus,
		ID:          m.Identifier(),
		Status:      m.Status,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}
}

func StatusChangedBulk(ids []string, status domain.Status, readAt time.Time) Event {
	return Event{Type: TypeStatusBulk, IDs: ids, Status: status, ReadAt: &readAt}
}

// Publisher delivers an event to every consumer of an identity's room.
type Publisher interface {
	Publish(identity string, ev Event)
}

// Fanout publishes to several downstream publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(identity string, ev Event) {
	for _, p := range f {
		p.Publish(identity, ev)
	}
}
