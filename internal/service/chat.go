package service

import (
	"context"
	"strings"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/events"
	"chatrelay/internal/observability"
	"chatrelay/internal/store"
)

type Store interface {
	InsertIfAbsent(ctx context.Context, in store.MessageInsert) (domain.Message, bool, error)
	FindByExternalID(ctx context.Context, externalID string) (domain.Message, bool, error)
	FindConversation(ctx context.Context, self, peer string, limit int, before *time.Time) ([]domain.Message, error)
	UpdateStatus(ctx context.Context, in store.StatusUpdate) (domain.Message, bool, error)
	MarkConversationRead(ctx context.Context, self, peer string, now time.Time) (store.BulkReadResult, error)
	ListChatHeads(ctx context.Context, self string) ([]store.ChatHead, error)
}

type Presence interface {
	IsOnline(identity string) bool
	IsConversationOpen(identity, peer string) bool
	OpenConversation(connID, identity, peer string)
}

// ChatService orchestrates message creation: persist, consult presence,
// decide the resulting status, notify both rooms.
type ChatService struct {
	Store    Store
	Presence Presence
	Bus      events.Publisher
	IDGen    func() string
}

// decideStatus is the pure upgrade decision: an open conversation beats
// plain connectivity, plain connectivity beats nothing.
func decideStatus(p Presence, senderID, recipientID string) domain.Status {
	if p.IsConversationOpen(recipientID, senderID) {
		return domain.StatusRead
	}
	if p.IsOnline(recipientID) {
		return domain.StatusDelivered
	}
	return domain.StatusSent
}

// CreateMessage persists a message and auto-upgrades its status from the
// recipient's live state. Creation is idempotent on the external id: a
// replay returns the stored message unchanged and emits nothing.
func (s *ChatService) CreateMessage(ctx context.Context, req domain.CreateMessageRequest, now time.Time) (domain.Message, error) {
	if err := req.Validate(); err != nil {
		return domain.Message{}, err
	}

	// 1) idempotent creation (replayed webhooks, at-least-once client sends)
	sentAt := now
	if req.SentAt != nil {
		sentAt = *req.SentAt
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = "text"
	}
	msg, created, err := s.Store.InsertIfAbsent(ctx, store.MessageInsert{
		ID:              s.IDGen(),
		ExternalID:      req.ExternalID,
		SenderID:        req.SenderID,
		RecipientID:     req.RecipientID,
		ConversationKey: domain.ConversationKey(req.SenderID, req.RecipientID),
		Status:          domain.StatusSent,
		MessageType:     messageType,
		Text:            strings.TrimSpace(req.Text),
		Media:           req.Media,
		ContactName:     req.ContactName,
		SentAt:          sentAt,
		Now:             now,
	})
	if err != nil {
		return domain.Message{}, err
	}
	if !created {
		observability.MessagesCreated.WithLabelValues("duplicate").Inc()
		return msg, nil
	}
	observability.MessagesCreated.WithLabelValues("created").Inc()

	// 2) both rooms learn about the new message; the sender's other
	// devices see their own echo
	s.publish(events.MessageNew(msg), msg.SenderID, msg.RecipientID)

	// 3) presence-driven upgrade
	switch target := decideStatus(s.Presence, msg.SenderID, msg.RecipientID); target {
	case domain.StatusRead, domain.StatusDelivered:
		upgraded, err := s.applyTransition(ctx, msg, target, now)
		if err != nil {
			return domain.Message{}, err
		}
		s.publish(events.StatusChanged(upgraded), upgraded.SenderID, upgraded.RecipientID)
		return upgraded, nil
	default:
		// recipient offline: ack persistence to the sender only
		s.publish(events.StatusChanged(msg), msg.SenderID)
		return msg, nil
	}
}

// UpdateStatus applies a single provider status to the message with the
// given external id. A rejected (backward) transition is a no-op, not an
// error: the unchanged message is returned.
func (s *ChatService) UpdateStatus(ctx context.Context, req domain.StatusUpdateRequest, now time.Time) (domain.Message, bool, error) {
	msg, found, err := s.Store.FindByExternalID(ctx, req.ExternalID)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !found {
		observability.StatusTransitions.WithLabelValues("not_found").Inc()
		return domain.Message{}, false, domain.ErrNotFound
	}
	if !domain.CanTransition(msg.Status, req.Status) {
		observability.StatusTransitions.WithLabelValues("noop").Inc()
		return msg, false, nil
	}

	updated, err := s.applyTransition(ctx, msg, req.Status, now)
	if err != nil {
		return domain.Message{}, false, err
	}
	s.publish(events.StatusChanged(updated), updated.SenderID, updated.RecipientID)
	return updated, true, nil
}

// MarkConversationRead flips every unread peer->self message to read in one
// conditional update and emits a single bulk event carrying the exact
// identifiers. When connID is set, the registry records the open
// conversation first so a concurrent send by the peer is created as read
// rather than merely delivered.
func (s *ChatService) MarkConversationRead(ctx context.Context, connID, self, peer string, now time.Time) (store.BulkReadResult, error) {
	if self == "" || peer == "" {
		return store.BulkReadResult{}, domain.ErrMissingFields
	}
	if connID != "" {
		s.Presence.OpenConversation(connID, self, peer)
	}

	res, err := s.Store.MarkConversationRead(ctx, self, peer, now)
	if err != nil {
		return store.BulkReadResult{}, err
	}
	if len(res.Identifiers) == 0 {
		// no-op open: no event storm
		return res, nil
	}
	s.publish(events.StatusChangedBulk(res.Identifiers, domain.StatusRead, res.ReadAt), self, peer)
	return res, nil
}

// ConversationMessage is a timeline entry with the direction computed
// relative to the requesting identity.
type ConversationMessage struct {
	domain.Message
	Direction string `json:"direction"`
}

func (s *ChatService) Conversation(ctx context.Context, self, peer string, limit int, before *time.Time) ([]ConversationMessage, error) {
	if self == "" || peer == "" {
		return nil, domain.ErrMissingFields
	}
	msgs, err := s.Store.FindConversation(ctx, self, peer, limit, before)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		dir := "in"
		if m.SenderID == self {
			dir = "out"
		}
		out = append(out, ConversationMessage{Message: m, Direction: dir})
	}
	return out, nil
}

func (s *ChatService) ChatHeads(ctx context.Context, self string) ([]store.ChatHead, error) {
	if self == "" {
		return nil, domain.ErrMissingFields
	}
	return s.Store.ListChatHeads(ctx, self)
}

// applyTransition computes the stamps for target and writes the
// conditional update. Stamps are set exactly once (the store keeps an
// existing stamp over the new value).
func (s *ChatService) applyTransition(ctx context.Context, msg domain.Message, target domain.Status, now time.Time) (domain.Message, error) {
	next := msg
	domain.ApplyTransition(&next, target, now)
	updated, found, err := s.Store.UpdateStatus(ctx, store.StatusUpdate{
		ID:          msg.ID,
		Status:      next.Status,
		DeliveredAt: next.DeliveredAt,
		ReadAt:      next.ReadAt,
		Now:         now,
	})
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		return domain.Message{}, domain.ErrNotFound
	}
	observability.StatusTransitions.WithLabelValues("applied").Inc()
	return updated, nil
}

func (s *ChatService) publish(ev events.Event, identities ...string) {
	for _, id := range identities {
		s.Bus.Publish(id, ev)
		observability.EventsPublished.WithLabelValues(ev.Type).Inc()
	}
}
