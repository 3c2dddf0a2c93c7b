package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

const snapshotVersion = 1

// CreateBackup writes every table to w as one JSON document. Message bodies
// stay encrypted; media blobs are not included.
func (s *SQLStore) CreateBackup(ctx context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := store.Snapshot{Version: snapshotVersion, CreatedAt: s.timestamp()}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if snap.Users, err = s.dumpUsers(ctx, tx); err != nil {
			return fmt.Errorf("users: %w", err)
		}
		if snap.Sessions, err = s.listSessions(ctx, tx, ""); err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
		if snap.Chats, err = s.dumpChats(ctx, tx); err != nil {
			return fmt.Errorf("chats: %w", err)
		}
		if snap.Participants, err = s.dumpParticipants(ctx, tx); err != nil {
			return fmt.Errorf("participants: %w", err)
		}
		if snap.Messages, err = s.dumpMessages(ctx, tx); err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		if snap.MediaFiles, err = s.dumpMedia(ctx, tx); err != nil {
			return fmt.Errorf("media: %w", err)
		}
		if snap.Contacts, err = s.dumpContacts(ctx, tx); err != nil {
			return fmt.Errorf("contacts: %w", err)
		}
		if snap.ApprovalRequests, err = s.listApprovals(ctx, tx, ""); err != nil {
			return fmt.Errorf("approval requests: %w", err)
		}
		if snap.ApprovedDevices, err = s.listApprovedDevices(ctx, tx, ""); err != nil {
			return fmt.Errorf("approved devices: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// RestoreBackup replaces the whole store with the snapshot read from r. It
// holds the store exclusively, so no other operation sees a partial restore.
func (s *SQLStore) RestoreBackup(ctx context.Context, r io.Reader) error {
	var snap store.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return &store.ValidationError{Entity: "backup", Err: err}
	}
	if snap.Version != snapshotVersion {
		return &store.ValidationError{Entity: "backup", Err: fmt.Errorf("unsupported version %d", snap.Version)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "chat_participants", "chats", "sessions", "users", "media_files", "contacts", "device_approval_requests", "approved_devices"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return s.load(ctx, tx, &snap)
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	log.Printf("restored backup from %s: %d users, %d chats, %d messages",
		snap.CreatedAt.Format("2006-01-02 15:04:05"), len(snap.Users), len(snap.Chats), len(snap.Messages))
	return nil
}

func (s *SQLStore) load(ctx context.Context, tx *sql.Tx, snap *store.Snapshot) error {
	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, s.rebind(query), args...)
		return err
	}

	for _, u := range snap.Users {
		if err := exec("INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			u.ID, u.Phone, u.DisplayName, u.IsVerified, u.IsBusiness, u.CreatedAt, u.UpdatedAt); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	for _, sess := range snap.Sessions {
		info, err := json.Marshal(sess.DeviceInfo)
		if err != nil {
			return err
		}
		if err := exec(`INSERT INTO sessions (token, user_id, device_fingerprint, device_info, expires_at, last_activity_at, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.Token, sess.UserID, sess.DeviceFingerprint, string(info), sess.ExpiresAt, sess.LastActivityAt, sess.IsActive, sess.CreatedAt); err != nil {
			return fmt.Errorf("session for user %s: %w", sess.UserID, err)
		}
	}
	for _, c := range snap.Chats {
		if err := exec("INSERT INTO chats (id, type, last_message_id, last_message_at, created_at) VALUES (?, ?, ?, ?, ?)",
			c.ID, string(c.Type), c.LastMessageID, nullTime(c.LastMessageAt), c.CreatedAt); err != nil {
			return fmt.Errorf("chat %s: %w", c.ID, err)
		}
	}
	for _, p := range snap.Participants {
		if err := exec("INSERT INTO chat_participants (chat_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			p.ChatID, p.UserID, string(p.Role), p.JoinedAt); err != nil {
			return fmt.Errorf("participant %s/%s: %w", p.ChatID, p.UserID, err)
		}
	}
	for _, sm := range snap.Messages {
		m := sm.Message
		m.Ciphertext, m.IV, m.AuthTag = sm.Ciphertext, sm.IV, sm.AuthTag
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		if err := s.insertMessage(ctx, tx, &m, string(meta)); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	for _, sf := range snap.MediaFiles {
		f := sf.MediaFile
		if err := exec(`INSERT INTO media_files (id, owner_id, original_name, mime_type, size, file_key, iv, storage_path, thumbnail_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.OwnerID, f.OriginalName, f.MimeType, f.Size, sf.Key, sf.IV, sf.StoragePath, sf.ThumbnailPath, f.CreatedAt); err != nil {
			return fmt.Errorf("media %s: %w", f.ID, err)
		}
	}
	for _, c := range snap.Contacts {
		if err := exec("INSERT INTO contacts ("+contactColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			c.ID, c.OwnerID, c.Address, c.DisplayName, c.LinkedUserID, c.CreatedAt); err != nil {
			return fmt.Errorf("contact %s: %w", c.ID, err)
		}
	}
	for _, r := range snap.ApprovalRequests {
		info, err := json.Marshal(r.DeviceInfo)
		if err != nil {
			return err
		}
		if err := exec("INSERT INTO device_approval_requests ("+approvalColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			r.ID, r.Phone, r.DeviceFingerprint, string(info), string(r.Status), r.DecidedBy, nullTime(r.DecidedAt), r.CreatedAt); err != nil {
			return fmt.Errorf("approval request %s: %w", r.ID, err)
		}
	}
	for _, d := range snap.ApprovedDevices {
		if err := exec("INSERT INTO approved_devices (id, phone, device_fingerprint, approved_by, created_at) VALUES (?, ?, ?, ?, ?)",
			d.ID, d.Phone, d.DeviceFingerprint, d.ApprovedBy, d.CreatedAt); err != nil {
			return fmt.Errorf("approved device %s: %w", d.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) dumpUsers(ctx context.Context, q querier) ([]models.User, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) dumpChats(ctx context.Context, q querier) ([]models.Chat, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+chatColumns+" FROM chats c ORDER BY c.created_at")
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

func (s *SQLStore) dumpParticipants(ctx context.Context, q querier) ([]models.ChatParticipant, error) {
	rows, err := q.QueryContext(ctx, "SELECT chat_id, user_id, role, joined_at FROM chat_participants ORDER BY joined_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatParticipant
	for rows.Next() {
		var p models.ChatParticipant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) dumpMessages(ctx context.Context, q querier) ([]store.SnapshotMessage, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.SnapshotMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, store.SnapshotMessage{Message: *m, Ciphertext: m.Ciphertext, IV: m.IV, AuthTag: m.AuthTag})
	}
	return out, rows.Err()
}

func (s *SQLStore) dumpMedia(ctx context.Context, q querier) ([]store.SnapshotMedia, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, owner_id, original_name, mime_type, size, file_key, iv, storage_path, thumbnail_path, created_at
		FROM media_files ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.SnapshotMedia
	for rows.Next() {
		var f models.MediaFile
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.OriginalName, &f.MimeType, &f.Size, &f.Key, &f.IV, &f.StoragePath, &f.ThumbnailPath, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.HasThumbnail = f.ThumbnailPath != ""
		out = append(out, store.SnapshotMedia{MediaFile: f, Key: f.Key, IV: f.IV, StoragePath: f.StoragePath, ThumbnailPath: f.ThumbnailPath})
	}
	return out, rows.Err()
}

func (s *SQLStore) dumpContacts(ctx context.Context, q querier) ([]models.Contact, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+contactColumns+" FROM contacts ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
