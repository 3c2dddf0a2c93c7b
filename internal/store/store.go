package store

import (
	"context"
	"io"
	"time"

	"github.com/pliu/chatbridge/internal/models"
)

// DecryptionPlaceholder replaces the text of a message that fails to decrypt.
const DecryptionPlaceholder = "[message could not be decrypted]"

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	EnsureUser(ctx context.Context, phone, displayName string) (*models.User, error)
	UpdateUserProfile(ctx context.Context, id string, p ProfileUpdate) (*models.User, error)

	// Session operations
	CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error)
	ValidateSession(ctx context.Context, token string) (*models.User, error)
	InvalidateSession(ctx context.Context, token string) error
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)

	// Chat operations
	EnsureChat(ctx context.Context, chatID string, typ models.ChatType, participantIDs ...string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]models.Chat, error)
	AddParticipant(ctx context.Context, chatID, userID string, role models.ParticipantRole) error
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)

	// Message operations
	SaveMessage(ctx context.Context, p SaveMessageParams) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, ids []string, status models.MessageStatus) (int64, error)

	// Media operations
	SaveMediaFile(ctx context.Context, ownerID string, data []byte, meta models.MediaMeta) (*models.MediaFile, error)
	GetMediaFile(ctx context.Context, id string) (*models.MediaFile, []byte, error)
	GetMediaThumbnail(ctx context.Context, id string) ([]byte, error)
	DeleteMediaFile(ctx context.Context, id string) error

	// Contact operations
	UpsertContact(ctx context.Context, ownerID, address, displayName string) (*models.Contact, error)
	ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error)
	LinkContact(ctx context.Context, address, userID string) error

	// Device approval operations
	SaveApprovalRequest(ctx context.Context, req *models.DeviceApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*models.DeviceApprovalRequest, error)
	FindPendingRequest(ctx context.Context, phone, fingerprint string) (*models.DeviceApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, status models.ApprovalStatus) ([]models.DeviceApprovalRequest, error)
	ApproveDevice(ctx context.Context, requestID, decidedBy string) (*models.DeviceApprovalRequest, error)
	RejectDevice(ctx context.Context, requestID, decidedBy string) (*models.DeviceApprovalRequest, error)
	RevokeDevice(ctx context.Context, phone, fingerprint string) error
	IsDeviceApproved(ctx context.Context, phone, fingerprint string) (bool, error)
	ListApprovedDevices(ctx context.Context, phone string) ([]models.ApprovedDevice, error)

	// Whole-store snapshot
	CreateBackup(ctx context.Context, w io.Writer) error
	RestoreBackup(ctx context.Context, r io.Reader) error

	Close() error
}

type ProfileUpdate struct {
	DisplayName *string
	IsVerified  *bool
	IsBusiness  *bool
}

type CreateSessionParams struct {
	UserID            string
	Token             string
	DeviceFingerprint string
	DeviceInfo        models.DeviceInfo
	ExpiresAt         time.Time
}

// SaveMessageParams is the input to SaveMessage. ChatID is derived from the
// sender/receiver pair when empty.
type SaveMessageParams struct {
	ChatID      string
	SenderID    string `validate:"required"`
	ReceiverID  string `validate:"required"`
	ContentType models.ContentType
	ContentText string
	MediaID     string
	ExternalID  string
	Status      models.MessageStatus
	Metadata    models.MessageMetadata
}

// Snapshot is the serialized form of a whole store.
type Snapshot struct {
	Version          int                            `json:"version"`
	CreatedAt        time.Time                      `json:"created_at"`
	Users            []models.User                  `json:"users"`
	Sessions         []models.Session               `json:"sessions"`
	Chats            []models.Chat                  `json:"chats"`
	Participants     []models.ChatParticipant       `json:"participants"`
	Messages         []SnapshotMessage              `json:"messages"`
	MediaFiles       []SnapshotMedia                `json:"media_files"`
	Contacts         []models.Contact               `json:"contacts"`
	ApprovalRequests []models.DeviceApprovalRequest `json:"approval_requests"`
	ApprovedDevices  []models.ApprovedDevice        `json:"approved_devices"`
}

// SnapshotMessage keeps the ciphertext triple; backups never hold plaintext.
type SnapshotMessage struct {
	models.Message
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}

// SnapshotMedia keeps the per-file key material alongside the row.
type SnapshotMedia struct {
	models.MediaFile
	Key           []byte `json:"key"`
	IV            []byte `json:"iv"`
	StoragePath   string `json:"storage_path"`
	ThumbnailPath string `json:"thumbnail_path"`
}
