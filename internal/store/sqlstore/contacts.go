package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

const contactColumns = "id, owner_id, address, display_name, linked_user_id, created_at"

func scanContact(row interface{ Scan(...any) error }) (*models.Contact, error) {
	var c models.Contact
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Address, &c.DisplayName, &c.LinkedUserID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertContact records address under ownerID. A non-empty displayName
// replaces the stored one.
func (s *SQLStore) UpsertContact(ctx context.Context, ownerID, address, displayName string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if address == "" {
		return nil, &store.ValidationError{Entity: "contact", Err: errors.New("address is required")}
	}

	var c *models.Contact
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`INSERT INTO contacts (id, owner_id, address, display_name, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (owner_id, address) DO UPDATE SET display_name =
				CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE contacts.display_name END`)
		if _, err := tx.ExecContext(ctx, query, uuid.NewString(), ownerID, address, displayName, s.timestamp()); err != nil {
			return err
		}
		var err error
		c, err = scanContact(tx.QueryRowContext(ctx, s.rebind("SELECT "+contactColumns+" FROM contacts WHERE owner_id = ? AND address = ?"), ownerID, address))
		return err
	})
	return c, err
}

func (s *SQLStore) ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+contactColumns+" FROM contacts WHERE owner_id = ? ORDER BY created_at"), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// LinkContact attaches every contact with address to userID.
func (s *SQLStore) LinkContact(ctx context.Context, address, userID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.db.ExecContext(ctx, s.rebind("UPDATE contacts SET linked_user_id = ? WHERE address = ?"), userID, address)
	return err
}
