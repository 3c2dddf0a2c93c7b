package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

const userColumns = "id, phone, display_name, is_verified, is_business, created_at, updated_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Phone, &u.DisplayName, &u.IsVerified, &u.IsBusiness, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertUser(ctx, s.db, user)
}

func (s *SQLStore) insertUser(ctx context.Context, q querier, user *models.User) error {
	if user.Phone == "" {
		return &store.ValidationError{Entity: "user", Err: errors.New("phone is required")}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := s.timestamp()
	user.CreatedAt, user.UpdatedAt = now, now

	query := s.rebind("INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)")
	_, err := q.ExecContext(ctx, query, user.ID, user.Phone, user.DisplayName, user.IsVerified, user.IsBusiness, user.CreatedAt, user.UpdatedAt)
	return mapConstraint(err, "user", "phone")
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	return u, notFound(err, "user "+id)
}

func (s *SQLStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userByPhone(ctx, s.db, phone)
}

func (s *SQLStore) userByPhone(ctx context.Context, q querier, phone string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE phone = ?")
	u, err := scanUser(q.QueryRowContext(ctx, query, phone))
	return u, notFound(err, "user with phone "+phone)
}

// EnsureUser returns the user registered under phone, creating it if needed.
// A concurrent creation of the same phone resolves to the existing row.
func (s *SQLStore) EnsureUser(ctx context.Context, phone, displayName string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := s.userByPhone(ctx, s.db, phone)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	u = &models.User{Phone: phone, DisplayName: displayName}
	if err := s.insertUser(ctx, s.db, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.userByPhone(ctx, s.db, phone)
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) UpdateUserProfile(ctx context.Context, id string, p store.ProfileUpdate) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u *models.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx, s.rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), id))
		if err != nil {
			return notFound(err, "user "+id)
		}
		if p.DisplayName != nil {
			u.DisplayName = *p.DisplayName
		}
		if p.IsVerified != nil {
			u.IsVerified = *p.IsVerified
		}
		if p.IsBusiness != nil {
			u.IsBusiness = *p.IsBusiness
		}
		u.UpdatedAt = s.timestamp()

		query := s.rebind("UPDATE users SET display_name = ?, is_verified = ?, is_business = ?, updated_at = ? WHERE id = ?")
		_, err = tx.ExecContext(ctx, query, u.DisplayName, u.IsVerified, u.IsBusiness, u.UpdatedAt, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, p store.CreateSessionParams) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p.Token == "" || p.UserID == "" {
		return nil, &store.ValidationError{Entity: "session", Err: errors.New("token and user id are required")}
	}
	if err := s.validate.Struct(p.DeviceInfo); err != nil {
		return nil, &store.ValidationError{Entity: "device info", Err: err}
	}
	info, err := json.Marshal(p.DeviceInfo)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	sess := &models.Session{
		Token:             p.Token,
		UserID:            p.UserID,
		DeviceFingerprint: p.DeviceFingerprint,
		DeviceInfo:        p.DeviceInfo,
		ExpiresAt:         p.ExpiresAt.UTC(),
		LastActivityAt:    now,
		IsActive:          true,
		CreatedAt:         now,
	}
	query := s.rebind(`INSERT INTO sessions (token, user_id, device_fingerprint, device_info, expires_at, last_activity_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, sess.Token, sess.UserID, sess.DeviceFingerprint, string(info), sess.ExpiresAt, sess.LastActivityAt, sess.IsActive, sess.CreatedAt)
	if err != nil {
		return nil, mapConstraint(err, "session", "token")
	}
	return sess, nil
}

// ValidateSession returns the session's user, or nil, nil when the token is
// unknown, inactive or expired. A valid lookup refreshes last activity.
func (s *SQLStore) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		userID    string
		active    bool
		expiresAt sql.NullTime
	)
	query := s.rebind("SELECT user_id, is_active, expires_at FROM sessions WHERE token = ?")
	err := s.db.QueryRowContext(ctx, query, token).Scan(&userID, &active, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := s.timestamp()
	if !active || !expiresAt.Valid || !now.Before(expiresAt.Time) {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, s.rebind("UPDATE sessions SET last_activity_at = ? WHERE token = ?"), now, token); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *SQLStore) InvalidateSession(ctx context.Context, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.db.ExecContext(ctx, s.rebind("UPDATE sessions SET is_active = FALSE WHERE token = ?"), token)
	return err
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSessions(ctx, s.db, "WHERE user_id = ?", userID)
}

func (s *SQLStore) listSessions(ctx context.Context, q querier, where string, args ...any) ([]models.Session, error) {
	query := s.rebind(`SELECT token, user_id, device_fingerprint, device_info, expires_at, last_activity_at, is_active, created_at
		FROM sessions ` + where + ` ORDER BY created_at`)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			sess models.Session
			info string
		)
		if err := rows.Scan(&sess.Token, &sess.UserID, &sess.DeviceFingerprint, &info, &sess.ExpiresAt, &sess.LastActivityAt, &sess.IsActive, &sess.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(info), &sess.DeviceInfo); err != nil {
			return nil, fmt.Errorf("session %s device info: %w", sess.Token, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
