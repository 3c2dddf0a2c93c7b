package relay

import (
	"context"
	"time"
)

// EventKind is the type of an event reported by the external client.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventLoggedOut     EventKind = "logged_out"
	EventAuthFailure   EventKind = "auth_failure"
	EventMessage       EventKind = "message"
	EventPresence      EventKind = "presence"
)

// ClientEvent is one event from the external network session. Only the
// fields relevant to Kind are set.
type ClientEvent struct {
	Kind      EventKind       `json:"kind"`
	QR        string          `json:"qr,omitempty"`
	Address   string          `json:"address,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Available bool            `json:"available,omitempty"`
	Message   *InboundMessage `json:"message,omitempty"`
}

// MediaRef points at a media payload held by the external network.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
}

type InboundMessage struct {
	ExternalID string    `json:"id"`
	From       string    `json:"from"`
	PushName   string    `json:"push_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	Media      *MediaRef `json:"media,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutboundContent is what Send delivers. Media is optional.
type OutboundContent struct {
	Text     string `json:"text,omitempty" validate:"required_without=Media,max=4096"`
	Media    []byte `json:"media,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Client is a session with the external chat network. Connect starts (or
// resumes) the session and returns its event stream; the channel is closed
// when the session ends or Close is called.
type Client interface {
	Connect(ctx context.Context) (<-chan ClientEvent, error)
	Send(ctx context.Context, address string, content OutboundContent) (externalID string, err error)
	Download(ctx context.Context, ref MediaRef) ([]byte, error)
	IsConnected() bool
	// Logout ends the session on the network side and forgets stored
	// credentials, so the next Connect starts a new pairing.
	Logout(ctx context.Context) error
	Close() error
}
