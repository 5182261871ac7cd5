package whatsapp

import (
	"encoding/json"
	"strconv"
	"time"

	"chatrelay/internal/domain"
)

// Payload is the provider webhook batch: entries -> changes -> values, each
// value holding zero or more inbound messages and zero or more status
// records.
type Payload struct {
	MetaData struct {
		Entry []Entry `json:"entry"`
	} `json:"metaData"`
}

type Entry struct {
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value `json:"value"`
}

type Value struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
	} `json:"metadata"`
	Contacts []Contact       `json:"contacts"`
	Messages []RawMessage    `json:"messages"`
	Statuses []RawStatus     `json:"statuses"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type RawMessage struct {
	From      string          `json:"from"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Text      json.RawMessage `json:"text"`
	Image     map[string]any  `json:"image"`
	Audio     map[string]any  `json:"audio"`
	Document  map[string]any  `json:"document"`
	Video     map[string]any  `json:"video"`
}

// RawStatus tolerates the several field names providers have used for the
// message identifier and the status value.
type RawStatus struct {
	ID             string          `json:"id"`
	MetaMsgID      string          `json:"meta_msg_id"`
	MessageID      string          `json:"message_id"`
	WamID          string          `json:"wamid"`
	MID            string          `json:"mid"`
	Status         string          `json:"status"`
	DeliveryStatus string          `json:"delivery_status"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// statusVocabulary maps the provider status vocabulary onto ours. Anything
// outside the table is dropped, never forwarded as a transition.
var statusVocabulary = map[string]domain.Status{
	"sent":        domain.StatusSent,
	"delivered":   domain.StatusDelivered,
	"read":        domain.StatusRead,
	"failed":      domain.StatusFailed,
	"undelivered": domain.StatusFailed,
	"error":       domain.StatusFailed,
}

// ParseMessages maps a payload batch to message-creation requests. The
// recipient is "the other party" relative to the business number carried in
// the value metadata. Records without an identifier or without both
// participants are dropped silently. Pure mapping, no I/O.
func ParseMessages(p Payload) []domain.CreateMessageRequest {
	var out []domain.CreateMessageRequest
	for _, e := range p.MetaData.Entry {
		for _, c := range e.Changes {
			v := c.Value
			if len(v.Messages) == 0 {
				continue
			}

			contactName, contactWaID := "", ""
			if len(v.Contacts) > 0 {
				contactName = v.Contacts[0].Profile.Name
				contactWaID = v.Contacts[0].WaID
			}
			bizNumber := v.Metadata.DisplayPhoneNumber

			for _, m := range v.Messages {
				sender := m.From
				recipient := bizNumber
				if sender == bizNumber {
					recipient = contactWaID
				}
				if m.ID == "" || sender == "" || recipient == "" {
					continue
				}

				text := extractText(m.Text)
				media := firstMedia(m)
				sentAt := epochTime(m.Timestamp)

				out = append(out, domain.CreateMessageRequest{
					SenderID:    sender,
					RecipientID: recipient,
					Text:        text,
					ContactName: contactName,
					ExternalID:  m.ID,
					MessageType: messageType(m, text),
					Media:       media,
					SentAt:      sentAt,
				})
			}
		}
	}
	return out
}

// ParseStatuses maps a payload batch to status-update requests, applying
// the fixed vocabulary table. Pure mapping, no I/O.
func ParseStatuses(p Payload) []domain.StatusUpdateRequest {
	var out []domain.StatusUpdateRequest
	for _, e := range p.MetaData.Entry {
		for _, c := range e.Changes {
			for _, s := range c.Value.Statuses {
				id := firstNonEmpty(s.ID, s.MetaMsgID, s.MessageID, s.WamID, s.MID)
				raw := firstNonEmpty(s.Status, s.DeliveryStatus)
				if id == "" || raw == "" {
					continue
				}
				status, ok := statusVocabulary[raw]
				if !ok {
					continue
				}
				out = append(out, domain.StatusUpdateRequest{ExternalID: id, Status: status})
			}
		}
	}
	return out
}

func messageType(m RawMessage, text string) string {
	if m.Type != "" {
		return m.Type
	}
	switch {
	case m.Image != nil:
		return "image"
	case m.Audio != nil:
		return "audio"
	case m.Document != nil:
		return "document"
	case m.Video != nil:
		return "video"
	case text != "":
		return "text"
	}
	return "unknown"
}

func firstMedia(m RawMessage) map[string]any {
	for _, candidate := range []map[string]any{m.Image, m.Audio, m.Document, m.Video} {
		if candidate != nil {
			return candidate
		}
	}
	return nil
}

// extractText accepts both {"body": "..."} objects and bare strings.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Body != "" {
		return obj.Body
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// epochTime converts an epoch-seconds value (number or string) to an
// absolute timestamp; nil when missing or unparseable.
func epochTime(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		n = json.Number(s)
	}
	secs, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
