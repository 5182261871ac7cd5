package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a sortable store id for a message.
func NewMessageID() string {
	t := time.Now().UTC()
	return "msg_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// NewConnectionID returns a sortable id for a live event-stream connection.
func NewConnectionID() string {
	t := time.Now().UTC()
	return "conn_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
