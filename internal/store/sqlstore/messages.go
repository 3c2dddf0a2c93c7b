package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pliu/chatbridge/internal/crypto"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// SaveMessage encrypts the text under the sender/receiver conversation key and
// stores only the ciphertext. The chat and its last-message pointer are
// written in the same transaction.
func (s *SQLStore) SaveMessage(ctx context.Context, p store.SaveMessageParams) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p.ContentType == "" {
		p.ContentType = models.ContentText
	}
	if p.Status == "" {
		p.Status = models.StatusSent
	}
	if p.Metadata.Source == "" {
		p.Metadata.Source = models.SourceInternal
	}
	if err := s.validate.Struct(p); err != nil {
		return nil, &store.ValidationError{Entity: "message", Err: err}
	}
	if p.Status.Rank() == 0 {
		return nil, &store.ValidationError{Entity: "message", Err: fmt.Errorf("unknown status %q", p.Status)}
	}
	if p.ChatID == "" {
		p.ChatID = crypto.ChatID(p.SenderID, p.ReceiverID)
	}

	key, err := crypto.ConversationKey(s.secret, p.SenderID, p.ReceiverID)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Encrypt([]byte(p.ContentText), key)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	m := &models.Message{
		ID:          uuid.NewString(),
		ChatID:      p.ChatID,
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		ContentType: p.ContentType,
		ContentText: p.ContentText,
		Ciphertext:  sealed.Ciphertext,
		IV:          sealed.IV,
		AuthTag:     sealed.AuthTag,
		Encrypted:   true,
		Status:      p.Status,
		MediaID:     p.MediaID,
		ExternalID:  p.ExternalID,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureChat(ctx, tx, m.ChatID, models.ChatPrivate, m.SenderID, m.ReceiverID); err != nil {
			return err
		}
		if err := s.insertMessage(ctx, tx, m, string(meta)); err != nil {
			return err
		}
		query := s.rebind("UPDATE chats SET last_message_id = ?, last_message_at = ? WHERE id = ?")
		_, err := tx.ExecContext(ctx, query, m.ID, m.CreatedAt, m.ChatID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) insertMessage(ctx context.Context, q querier, m *models.Message, meta string) error {
	query := s.rebind(`INSERT INTO messages (id, chat_id, sender_id, receiver_id, content_type, ciphertext, iv, auth_tag, encrypted, status, media_id, external_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query, m.ID, m.ChatID, m.SenderID, m.ReceiverID, string(m.ContentType),
		m.Ciphertext, m.IV, m.AuthTag, m.Encrypted, string(m.Status), m.MediaID, m.ExternalID, meta, m.CreatedAt, m.UpdatedAt)
	return mapConstraint(err, "message", "id")
}

const messageColumns = "id, chat_id, sender_id, receiver_id, content_type, ciphertext, iv, auth_tag, encrypted, status, media_id, external_id, metadata, created_at, updated_at"

// scanMessage reads one message row. Unparseable metadata is logged and
// replaced by the zero value so one bad row does not fail a page.
func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m    models.Message
		meta string
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.ContentType,
		&m.Ciphertext, &m.IV, &m.AuthTag, &m.Encrypted, &m.Status, &m.MediaID, &m.ExternalID, &meta, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		log.Printf("message %s: unreadable metadata: %v", m.ID, err)
		m.Metadata = models.MessageMetadata{}
	}
	return &m, nil
}

// open fills in ContentText. A row that does not decrypt is logged and shown
// as DecryptionPlaceholder rather than failing the whole read.
func (s *SQLStore) open(m *models.Message) {
	if !m.Encrypted {
		return
	}
	key, err := crypto.ConversationKey(s.secret, m.SenderID, m.ReceiverID)
	if err == nil {
		var pt []byte
		pt, err = crypto.Decrypt(m.Ciphertext, m.IV, m.AuthTag, key)
		if err == nil {
			m.ContentText = string(pt)
			return
		}
	}
	log.Printf("message %s in chat %s: %v", m.ID, m.ChatID, err)
	m.ContentText = store.DecryptionPlaceholder
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "message "+id)
	}
	s.open(m)
	return m, nil
}

// GetMessages returns a page of the chat's messages, newest first.
func (s *SQLStore) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	rows, err := s.db.QueryContext(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		s.open(m)
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// UpdateMessageStatus moves the given messages forward to status. Rows already
// at or past status are left alone; the count of rows changed is returned.
func (s *SQLStore) UpdateMessageStatus(ctx context.Context, ids []string, status models.MessageStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rank := status.Rank()
	if rank == 0 {
		return 0, &store.ValidationError{Entity: "message status", Err: fmt.Errorf("unknown status %q", status)}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+3)
	args = append(args, string(status), s.timestamp())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, rank)

	query := s.rebind(`UPDATE messages SET status = ?, updated_at = ?
		WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)
		AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) < ?`)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
