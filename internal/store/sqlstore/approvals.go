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

const approvalColumns = "id, phone, device_fingerprint, device_info, status, decided_by, decided_at, created_at"

func scanApproval(row interface{ Scan(...any) error }) (*models.DeviceApprovalRequest, error) {
	var (
		r         models.DeviceApprovalRequest
		info      string
		decidedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Phone, &r.DeviceFingerprint, &info, &r.Status, &r.DecidedBy, &decidedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(info), &r.DeviceInfo); err != nil {
		return nil, fmt.Errorf("approval %s device info: %w", r.ID, err)
	}
	r.DecidedAt = timePtr(decidedAt)
	return &r, nil
}

func (s *SQLStore) SaveApprovalRequest(ctx context.Context, req *models.DeviceApprovalRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.Phone == "" || req.DeviceFingerprint == "" {
		return &store.ValidationError{Entity: "approval request", Err: errors.New("phone and device fingerprint are required")}
	}
	if err := s.validate.Struct(req.DeviceInfo); err != nil {
		return &store.ValidationError{Entity: "device info", Err: err}
	}
	info, err := json.Marshal(req.DeviceInfo)
	if err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ApprovalPending
	}
	req.CreatedAt = s.timestamp()

	query := s.rebind("INSERT INTO device_approval_requests (" + approvalColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err = s.db.ExecContext(ctx, query, req.ID, req.Phone, req.DeviceFingerprint, string(info), string(req.Status), req.DecidedBy, nullTime(req.DecidedAt), req.CreatedAt)
	return mapConstraint(err, "approval request", "id")
}

func (s *SQLStore) approvalByID(ctx context.Context, q querier, id string) (*models.DeviceApprovalRequest, error) {
	r, err := scanApproval(q.QueryRowContext(ctx, s.rebind("SELECT "+approvalColumns+" FROM device_approval_requests WHERE id = ?"), id))
	return r, notFound(err, "approval request "+id)
}

func (s *SQLStore) GetApprovalRequest(ctx context.Context, id string) (*models.DeviceApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvalByID(ctx, s.db, id)
}

// FindPendingRequest returns the newest pending request for the device.
func (s *SQLStore) FindPendingRequest(ctx context.Context, phone, fingerprint string) (*models.DeviceApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := s.rebind("SELECT " + approvalColumns + ` FROM device_approval_requests
		WHERE phone = ? AND device_fingerprint = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`)
	r, err := scanApproval(s.db.QueryRowContext(ctx, query, phone, fingerprint, string(models.ApprovalPending)))
	return r, notFound(err, "pending approval for "+phone)
}

// ListApprovalRequests lists requests with status, or all when status is empty.
func (s *SQLStore) ListApprovalRequests(ctx context.Context, status models.ApprovalStatus) ([]models.DeviceApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status == "" {
		return s.listApprovals(ctx, s.db, "")
	}
	return s.listApprovals(ctx, s.db, "WHERE status = ?", string(status))
}

func (s *SQLStore) listApprovals(ctx context.Context, q querier, where string, args ...any) ([]models.DeviceApprovalRequest, error) {
	rows, err := q.QueryContext(ctx, s.rebind("SELECT "+approvalColumns+" FROM device_approval_requests "+where+" ORDER BY created_at"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []models.DeviceApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, rows.Err()
}

// decide moves a pending request to status exactly once.
func (s *SQLStore) decide(ctx context.Context, tx *sql.Tx, id, decidedBy string, status models.ApprovalStatus) (*models.DeviceApprovalRequest, error) {
	query := s.rebind(`UPDATE device_approval_requests SET status = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND status = ?`)
	res, err := tx.ExecContext(ctx, query, string(status), decidedBy, s.timestamp(), id, string(models.ApprovalPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	req, err := s.approvalByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return req, fmt.Errorf("approval request %s is %s: %w", id, req.Status, store.ErrAlreadyDecided)
	}
	return req, nil
}

// ApproveDevice marks the request approved and records the device in the
// same transaction.
func (s *SQLStore) ApproveDevice(ctx context.Context, requestID, decidedBy string) (*models.DeviceApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var req *models.DeviceApprovalRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if req, err = s.decide(ctx, tx, requestID, decidedBy, models.ApprovalApproved); err != nil {
			return err
		}
		query := s.rebind(`INSERT INTO approved_devices (id, phone, device_fingerprint, approved_by, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (phone, device_fingerprint) DO NOTHING`)
		_, err = tx.ExecContext(ctx, query, uuid.NewString(), req.Phone, req.DeviceFingerprint, decidedBy, s.timestamp())
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *SQLStore) RejectDevice(ctx context.Context, requestID, decidedBy string) (*models.DeviceApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var req *models.DeviceApprovalRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.decide(ctx, tx, requestID, decidedBy, models.ApprovalRejected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// RevokeDevice removes the device from the approved list. Past requests and
// existing sessions are left untouched.
func (s *SQLStore) RevokeDevice(ctx context.Context, phone, fingerprint string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM approved_devices WHERE phone = ? AND device_fingerprint = ?"), phone, fingerprint)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("approved device for %s: %w", phone, store.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) IsDeviceApproved(ctx context.Context, phone, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM approved_devices WHERE phone = ? AND device_fingerprint = ?)")
	err := s.db.QueryRowContext(ctx, query, phone, fingerprint).Scan(&exists)
	return exists, err
}

func (s *SQLStore) ListApprovedDevices(ctx context.Context, phone string) ([]models.ApprovedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listApprovedDevices(ctx, s.db, "WHERE phone = ?", phone)
}

func (s *SQLStore) listApprovedDevices(ctx context.Context, q querier, where string, args ...any) ([]models.ApprovedDevice, error) {
	rows, err := q.QueryContext(ctx, s.rebind("SELECT id, phone, device_fingerprint, approved_by, created_at FROM approved_devices "+where+" ORDER BY created_at"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.ApprovedDevice
	for rows.Next() {
		var d models.ApprovedDevice
		if err := rows.Scan(&d.ID, &d.Phone, &d.DeviceFingerprint, &d.ApprovedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
