package models

import (
	"strings"
	"time"
)

type User struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name"`
	IsVerified  bool      `json:"is_verified"`
	IsBusiness  bool      `json:"is_business"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeviceInfo describes the device a session or approval request came from.
type DeviceInfo struct {
	Platform   string `json:"platform" validate:"required,max=32"`
	Model      string `json:"model" validate:"max=128"`
	AppVersion string `json:"app_version" validate:"max=32"`
	UserAgent  string `json:"user_agent" validate:"max=512"`
}

type Session struct {
	Token             string     `json:"token"`
	UserID            string     `json:"user_id"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	DeviceInfo        DeviceInfo `json:"device_info"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
}

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

type Chat struct {
	ID            string     `json:"id"`
	Type          ChatType   `json:"type"`
	LastMessageID string     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

type ChatParticipant struct {
	ChatID   string          `json:"chat_id"`
	UserID   string          `json:"user_id"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
)

// ContentTypeFor picks the message content type for a media MIME type.
func ContentTypeFor(mime string) ContentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	}
	return ContentDocument
}

// MessageStatus only moves forward: sent, delivered, read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses; unknown values rank zero.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

type MessageSource string

const (
	SourceInternal MessageSource = "internal"
	SourceExternal MessageSource = "external"
)

// MessageMetadata is stored alongside a message as JSON.
type MessageMetadata struct {
	Source          MessageSource `json:"source" validate:"required,oneof=internal external"`
	ExternalAddress string        `json:"external_address,omitempty" validate:"omitempty,max=64"`
	PushName        string        `json:"push_name,omitempty" validate:"max=128"`
	Caption         string        `json:"caption,omitempty" validate:"max=4096"`
	ReplyToID       string        `json:"reply_to_id,omitempty" validate:"omitempty,uuid"`
}

type Message struct {
	ID          string          `json:"id"`
	ChatID      string          `json:"chat_id"`
	SenderID    string          `json:"sender_id"`
	ReceiverID  string          `json:"receiver_id"`
	ContentType ContentType     `json:"content_type"`
	ContentText string          `json:"content_text"`
	Ciphertext  []byte          `json:"-"`
	IV          []byte          `json:"-"`
	AuthTag     []byte          `json:"-"`
	Encrypted   bool            `json:"encrypted"`
	Status      MessageStatus   `json:"status"`
	MediaID     string          `json:"media_id,omitempty"`
	ExternalID  string          `json:"external_id,omitempty"`
	Metadata    MessageMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type MediaFile struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	OriginalName  string    `json:"original_name"`
	MimeType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	Key           []byte    `json:"-"`
	IV            []byte    `json:"-"`
	StoragePath   string    `json:"-"`
	ThumbnailPath string    `json:"-"`
	HasThumbnail  bool      `json:"has_thumbnail"`
	CreatedAt     time.Time `json:"created_at"`
}

// MediaMeta is what callers supply when saving a media file.
type MediaMeta struct {
	OriginalName string `json:"original_name" validate:"required,max=255"`
	MimeType     string `json:"mime_type" validate:"omitempty,max=127"`
}

// Contact is an external address seen by the relay, optionally linked to a User.
type Contact struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Address      string    `json:"address"`
	DisplayName  string    `json:"display_name"`
	LinkedUserID string    `json:"linked_user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type DeviceApprovalRequest struct {
	ID                string         `json:"id"`
	Phone             string         `json:"phone"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	DeviceInfo        DeviceInfo     `json:"device_info"`
	Status            ApprovalStatus `json:"status"`
	DecidedBy         string         `json:"decided_by,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type ApprovedDevice struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	ApprovedBy        string    `json:"approved_by"`
	CreatedAt         time.Time `json:"created_at"`
}
