package email

import (
	"context"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/models"
)

type mailbox struct {
	mu   sync.Mutex
	sent []string
	to   [][]string
}

func (m *mailbox) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, string(msg))
	m.to = append(m.to, to)
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestSendRendersApprovalRequest(t *testing.T) {
	box := &mailbox{}
	s := NewSender("smtp.example.com", "587", "user", "pass", "bridge@example.com")
	s.sendMail = box.send

	payload := events.ApprovalPayload{Request: models.DeviceApprovalRequest{
		ID:                "req-1",
		Phone:             "+6281234567890",
		DeviceFingerprint: "abc123",
		DeviceInfo:        models.DeviceInfo{Platform: "ios", Model: "iPhone 15"},
	}}
	if err := s.Send("admin@example.com", events.DeviceApprovalRequested, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if box.count() != 1 {
		t.Fatalf("Expected 1 mail, got %d", box.count())
	}
	msg := box.sent[0]
	for _, want := range []string{"Subject: chatbridge: device approval needed", "+6281234567890", "req-1", "iPhone 15"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Mail missing %q", want)
		}
	}
	if box.to[0][0] != "admin@example.com" {
		t.Errorf("Recipient = %v", box.to[0])
	}
}

func TestSendUnknownKind(t *testing.T) {
	s := NewSender("", "", "", "", "bridge@example.com")
	if err := s.Send("admin@example.com", events.PresenceChanged, nil); err == nil {
		t.Error("Expected error for kind without template")
	}
}

func TestNotifierMailsAdmin(t *testing.T) {
	box := &mailbox{}
	s := NewSender("smtp.example.com", "587", "", "", "bridge@example.com")
	s.sendMail = box.send
	n := &Notifier{Sender: s, Admin: "admin@example.com"}

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.DeviceApprovalRequested, events.NewExternalContact)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, sub)

	bus.Publish(events.Event{
		Kind:    events.NewExternalContact,
		Payload: events.ContactPayload{Contact: models.Contact{Address: "+628555"}, PushName: "Budi"},
	})
	bus.Publish(events.Event{Kind: events.PresenceChanged, Payload: events.PresencePayload{}})

	deadline := time.Now().Add(time.Second)
	for box.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if box.count() != 1 {
		t.Fatalf("Expected 1 mail, got %d", box.count())
	}
	if !strings.Contains(box.sent[0], "+628555") || !strings.Contains(box.sent[0], "Budi") {
		t.Errorf("Contact mail = %s", box.sent[0])
	}
}
