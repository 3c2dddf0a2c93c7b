package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pliu/chatbridge/internal/crypto"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

// EnsureChat creates the chat and any missing participants. An empty chatID
// on a two-party private chat is derived from the participant pair.
func (s *SQLStore) EnsureChat(ctx context.Context, chatID string, typ models.ChatType, participantIDs ...string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if chatID == "" {
		if typ != models.ChatPrivate || len(participantIDs) != 2 {
			return nil, &store.ValidationError{Entity: "chat", Err: errors.New("chat id is required unless the chat is a two-party private chat")}
		}
		chatID = crypto.ChatID(participantIDs[0], participantIDs[1])
	}

	var chat *models.Chat
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureChat(ctx, tx, chatID, typ, participantIDs...); err != nil {
			return err
		}
		var err error
		chat, err = s.chatByID(ctx, tx, chatID)
		return err
	})
	return chat, err
}

func (s *SQLStore) ensureChat(ctx context.Context, q querier, chatID string, typ models.ChatType, participantIDs ...string) error {
	now := s.timestamp()
	query := s.rebind("INSERT INTO chats (id, type, created_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING")
	if _, err := q.ExecContext(ctx, query, chatID, string(typ), now); err != nil {
		return err
	}
	for _, userID := range participantIDs {
		if err := s.addParticipant(ctx, q, chatID, userID, models.RoleMember); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) addParticipant(ctx context.Context, q querier, chatID, userID string, role models.ParticipantRole) error {
	query := s.rebind("INSERT INTO chat_participants (chat_id, user_id, role, joined_at) VALUES (?, ?, ?, ?) ON CONFLICT (chat_id, user_id) DO NOTHING")
	_, err := q.ExecContext(ctx, query, chatID, userID, string(role), s.timestamp())
	return err
}

const chatColumns = "c.id, c.type, c.last_message_id, c.last_message_at, c.created_at"

func scanChat(row interface{ Scan(...any) error }) (*models.Chat, error) {
	var (
		c      models.Chat
		lastAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Type, &c.LastMessageID, &lastAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(lastAt)
	return &c, nil
}

func (s *SQLStore) chatByID(ctx context.Context, q querier, chatID string) (*models.Chat, error) {
	query := s.rebind("SELECT " + chatColumns + " FROM chats c WHERE c.id = ?")
	c, err := scanChat(q.QueryRowContext(ctx, query, chatID))
	return c, notFound(err, "chat "+chatID)
}

func (s *SQLStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatByID(ctx, s.db, chatID)
}

// GetUserChats lists the user's chats, most recently active first.
func (s *SQLStore) GetUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := s.rebind(`
		SELECT ` + chatColumns + `
		FROM chats c
		JOIN chat_participants p ON c.id = p.chat_id
		WHERE p.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (s *SQLStore) AddParticipant(ctx context.Context, chatID, userID string, role models.ParticipantRole) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if role == "" {
		role = models.RoleMember
	}
	if _, err := s.chatByID(ctx, s.db, chatID); err != nil {
		return err
	}
	return s.addParticipant(ctx, s.db, chatID, userID, role)
}

func (s *SQLStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)")
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&exists)
	return exists, err
}
