package pg

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const messageColumns = `
	id, COALESCE(external_id,''), sender_id, recipient_id, conversation_key,
	status, message_type, COALESCE(text,''), media, COALESCE(contact_name,''),
	sent_at, delivered_at, read_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var mediaJSON []byte
	err := row.Scan(&m.ID, &m.ExternalID, &m.SenderID, &m.RecipientID, &m.ConversationKey,
		&m.Status, &m.MessageType, &m.Text, &mediaJSON, &m.ContactName,
		&m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	if len(mediaJSON) > 0 {
		_ = json.Unmarshal(mediaJSON, &m.Media)
	}
	return m, nil
}

// InsertIfAbsent persists a new message. When the insert has an external id
// and a message with that id already exists, the stored message is returned
// unchanged and created is false. The conflict is resolved by the database
// (partial unique index on external_id), not by read-then-write.
func (s *Store) InsertIfAbsent(ctx context.Context, in store.MessageInsert) (domain.Message, bool, error) {
	var mediaJSON any
	if in.Media != nil {
		b, _ := json.Marshal(in.Media)
		mediaJSON = b
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO messages (id, external_id, sender_id, recipient_id, conversation_key,
			status, message_type, text, media, contact_name, sent_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		in.ID, nullIfEmpty(in.ExternalID), in.SenderID, in.RecipientID, in.ConversationKey,
		in.Status, in.MessageType, in.Text, mediaJSON, nullIfEmpty(in.ContactName),
		in.SentAt, in.Now)
	m, err := scanMessage(row)
	if err == nil {
		return m, true, nil
	}
	if err.Error() != "no rows in result set" {
		return domain.Message{}, false, err
	}
	existing, found, err := s.FindByExternalID(ctx, in.ExternalID)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !found {
		// conflict row deleted between insert and select; surface as an error
		return domain.Message{}, false, domain.ErrNotFound
	}
	return existing, false, nil
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE external_id=$1
	`, externalID)
	m, err := scanMessage(row)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

// FindConversation returns messages between self and peer in chronological
// order, optionally only those created before a cursor.
func (s *Store) FindConversation(ctx context.Context, self, peer string, limit int, before *time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	key := domain.ConversationKey(self, peer)
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_key=$1`
	args := []any{key}
	if before != nil {
		q += ` AND created_at < $2`
		args = append(args, *before)
	}
	q += ` ORDER BY created_at ASC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateStatus applies a conditional status update by store id. Stamps are
// set once: an existing delivered_at/read_at always wins over the new value.
func (s *Store) UpdateStatus(ctx context.Context, in store.StatusUpdate) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE messages
		SET status=$2,
		    delivered_at=COALESCE(delivered_at, $3),
		    read_at=COALESCE(read_at, $4),
		    updated_at=$5
		WHERE id=$1
		RETURNING `+messageColumns,
		in.ID, in.Status, in.DeliveredAt, in.ReadAt, in.Now)
	m, err := scanMessage(row)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

// MarkConversationRead snapshots the identifiers of unread peer->self
// messages, then flips them read in one conditional update. A message
// inserted between the two statements can be swept into the update; that
// narrow race is accepted.
func (s *Store) MarkConversationRead(ctx context.Context, self, peer string, now time.Time) (store.BulkReadResult, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT COALESCE(NULLIF(external_id,''), id)
		FROM messages
		WHERE sender_id=$1 AND recipient_id=$2 AND status <> 'read'
	`, peer, self)
	if err != nil {
		return store.BulkReadResult{}, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return store.BulkReadResult{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.BulkReadResult{}, err
	}
	if len(ids) == 0 {
		return store.BulkReadResult{ReadAt: now}, nil
	}

	ct, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET status='read', read_at=COALESCE(read_at, $3), updated_at=$3
		WHERE sender_id=$1 AND recipient_id=$2 AND status <> 'read'
	`, peer, self, now)
	if err != nil {
		return store.BulkReadResult{}, err
	}
	return store.BulkReadResult{Identifiers: ids, Modified: ct.RowsAffected(), ReadAt: now}, nil
}

// ListChatHeads returns one row per peer: the newest message in that
// conversation and the unread inbound count, newest conversation first.
func (s *Store) ListChatHeads(ctx context.Context, self string) ([]store.ChatHead, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT h.peer_id, h.contact_name, h.text, h.status, h.created_at, h.direction,
		       COALESCE(u.unread, 0)
		FROM (
			SELECT DISTINCT ON (conversation_key)
				CASE WHEN sender_id=$1 THEN recipient_id ELSE sender_id END AS peer_id,
				COALESCE(contact_name,'') AS contact_name,
				COALESCE(text,'') AS text,
				status, created_at,
				CASE WHEN sender_id=$1 THEN 'out' ELSE 'in' END AS direction
			FROM messages
			WHERE sender_id=$1 OR recipient_id=$1
			ORDER BY conversation_key, created_at DESC
		) h
		LEFT JOIN (
			SELECT sender_id AS peer_id, COUNT(*) AS unread
			FROM messages
			WHERE recipient_id=$1 AND status <> 'read'
			GROUP BY sender_id
		) u USING (peer_id)
		ORDER BY h.created_at DESC
	`, self)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ChatHead
	for rows.Next() {
		var h store.ChatHead
		if err := rows.Scan(&h.PeerID, &h.ContactName, &h.LastText, &h.LastStatus, &h.LastAt, &h.Direction, &h.Unread); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
