package sqlstore

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

func newRequest(t *testing.T, phone, fp string) *models.DeviceApprovalRequest {
	t.Helper()
	req := &models.DeviceApprovalRequest{Phone: phone, DeviceFingerprint: fp, DeviceInfo: testDevice}
	if err := testStore.SaveApprovalRequest(ctx, req); err != nil {
		t.Fatalf("SaveApprovalRequest failed: %v", err)
	}
	return req
}

func TestApproveDevice(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	req := newRequest(t, "+15550100", "fp-a")
	if req.Status != models.ApprovalPending {
		t.Errorf("New request status = %s", req.Status)
	}

	pending, err := testStore.FindPendingRequest(ctx, "+15550100", "fp-a")
	if err != nil || pending.ID != req.ID {
		t.Fatalf("FindPendingRequest = %+v, %v", pending, err)
	}

	decided, err := testStore.ApproveDevice(ctx, req.ID, "admin")
	if err != nil {
		t.Fatalf("ApproveDevice failed: %v", err)
	}
	if decided.Status != models.ApprovalApproved || decided.DecidedBy != "admin" || decided.DecidedAt == nil {
		t.Errorf("Unexpected decision %+v", decided)
	}

	ok, err := testStore.IsDeviceApproved(ctx, "+15550100", "fp-a")
	if err != nil || !ok {
		t.Errorf("IsDeviceApproved = %v, %v", ok, err)
	}
	if _, err := testStore.FindPendingRequest(ctx, "+15550100", "fp-a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no pending request after approval, got %v", err)
	}

	devices, _ := testStore.ListApprovedDevices(ctx, "+15550100")
	if len(devices) != 1 || devices[0].ApprovedBy != "admin" {
		t.Errorf("ListApprovedDevices = %+v", devices)
	}
}

func TestApprovalIsDecidedOnce(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	req := newRequest(t, "+15550101", "fp-b")
	if _, err := testStore.RejectDevice(ctx, req.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := testStore.ApproveDevice(ctx, req.ID, "admin"); !errors.Is(err, store.ErrAlreadyDecided) {
		t.Errorf("Expected ErrAlreadyDecided, got %v", err)
	}
	if ok, _ := testStore.IsDeviceApproved(ctx, "+15550101", "fp-b"); ok {
		t.Error("Rejected device must not be approved")
	}

	got, _ := testStore.GetApprovalRequest(ctx, req.ID)
	if got.Status != models.ApprovalRejected {
		t.Errorf("Status changed after second decision: %s", got.Status)
	}

	if _, err := testStore.ApproveDevice(ctx, "missing", "admin"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListApprovalRequests(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	a := newRequest(t, "+15550102", "fp-1")
	newRequest(t, "+15550102", "fp-2")
	testStore.ApproveDevice(ctx, a.ID, "admin")

	pending, _ := testStore.ListApprovalRequests(ctx, models.ApprovalPending)
	if len(pending) != 1 || pending[0].DeviceFingerprint != "fp-2" {
		t.Errorf("Pending = %+v", pending)
	}
	all, _ := testStore.ListApprovalRequests(ctx, "")
	if len(all) != 2 {
		t.Errorf("Expected 2 requests, got %d", len(all))
	}
}

func TestRevokeDevice(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	req := newRequest(t, "+15550103", "fp-c")
	testStore.ApproveDevice(ctx, req.ID, "admin")

	if err := testStore.RevokeDevice(ctx, "+15550103", "fp-c"); err != nil {
		t.Fatalf("RevokeDevice failed: %v", err)
	}
	if ok, _ := testStore.IsDeviceApproved(ctx, "+15550103", "fp-c"); ok {
		t.Error("Device still approved after revoke")
	}
	// History is kept.
	got, _ := testStore.GetApprovalRequest(ctx, req.ID)
	if got.Status != models.ApprovalApproved {
		t.Errorf("Revoke changed request status to %s", got.Status)
	}
	if err := testStore.RevokeDevice(ctx, "+15550103", "fp-c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestContacts(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	c, err := testStore.UpsertContact(ctx, "relay", "+447700900123", "Jo")
	if err != nil {
		t.Fatalf("UpsertContact failed: %v", err)
	}
	again, err := testStore.UpsertContact(ctx, "relay", "+447700900123", "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID || again.DisplayName != "Jo" {
		t.Errorf("Upsert with empty name = %+v", again)
	}
	renamed, _ := testStore.UpsertContact(ctx, "relay", "+447700900123", "Joanna")
	if renamed.DisplayName != "Joanna" {
		t.Errorf("Display name not updated: %q", renamed.DisplayName)
	}

	if err := testStore.LinkContact(ctx, "+447700900123", "user-9"); err != nil {
		t.Fatal(err)
	}
	contacts, _ := testStore.ListContacts(ctx, "relay")
	if len(contacts) != 1 || contacts[0].LinkedUserID != "user-9" {
		t.Errorf("ListContacts = %+v", contacts)
	}
}

func TestBackupRestore(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	u, _ := testStore.EnsureUser(ctx, "+15550200", "Backup User")
	testStore.CreateSession(ctx, store.CreateSessionParams{
		UserID: u.ID, Token: "tok-backup", DeviceFingerprint: "fp", DeviceInfo: testDevice,
		ExpiresAt: testClock.Now().Add(24 * time.Hour),
	})
	m, _ := testStore.SaveMessage(ctx, store.SaveMessageParams{SenderID: u.ID, ReceiverID: "peer", ContentText: "keep me"})
	req := newRequest(t, "+15550200", "fp")
	testStore.ApproveDevice(ctx, req.ID, "admin")
	testStore.UpsertContact(ctx, "relay", "+15550300", "Ext")

	var buf bytes.Buffer
	if err := testStore.CreateBackup(ctx, &buf); err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("keep me")) {
		t.Error("Backup contains message plaintext")
	}

	// Diverge, then restore.
	testStore.SaveMessage(ctx, store.SaveMessageParams{SenderID: u.ID, ReceiverID: "peer", ContentText: "after backup"})
	testStore.RevokeDevice(ctx, "+15550200", "fp")

	if err := testStore.RestoreBackup(ctx, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}

	msgs, _ := testStore.GetMessages(ctx, m.ChatID, 10, 0)
	if len(msgs) != 1 || msgs[0].ContentText != "keep me" {
		t.Errorf("Messages after restore = %v", texts(msgs))
	}
	if ok, _ := testStore.IsDeviceApproved(ctx, "+15550200", "fp"); !ok {
		t.Error("Approved device lost in restore")
	}
	if got, _ := testStore.ValidateSession(ctx, "tok-backup"); got == nil || got.ID != u.ID {
		t.Errorf("Session lost in restore: %+v", got)
	}
	contacts, _ := testStore.ListContacts(ctx, "relay")
	if len(contacts) != 1 {
		t.Errorf("Contacts after restore = %+v", contacts)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	testStore.EnsureUser(ctx, "+15550201", "Stays")
	if err := testStore.RestoreBackup(ctx, bytes.NewReader([]byte(`{"version": 99}`))); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for unknown version, got %v", err)
	}
	if _, err := testStore.GetUserByPhone(ctx, "+15550201"); err != nil {
		t.Errorf("Failed restore wiped data: %v", err)
	}
}
