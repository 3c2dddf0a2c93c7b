// Package events is the in-process publish/subscribe boundary between the
// store, pairing registry and relay on one side and the websocket hub and
// notifiers on the other.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/pliu/chatbridge/internal/models"
)

type Kind string

const (
	MessagePersisted        Kind = "message-persisted"
	PresenceChanged         Kind = "presence-changed"
	PairingRequested        Kind = "pairing-requested"
	DeviceApprovalRequested Kind = "device-approval-requested"
	DeviceApprovalDecided   Kind = "device-approval-decided"
	NewExternalContact      Kind = "new-external-contact"
	ConnectionStatusChanged Kind = "connection-status-changed"
)

type Event struct {
	Kind    Kind      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Payloads, one per Kind.
type (
	MessagePayload struct {
		Message models.Message `json:"message"`
	}

	PresencePayload struct {
		Address   string `json:"address"`
		UserID    string `json:"user_id,omitempty"`
		Available bool   `json:"available"`
	}

	PairingPayload struct {
		Phone     string    `json:"phone"`
		Code      string    `json:"-"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	ApprovalPayload struct {
		Request models.DeviceApprovalRequest `json:"request"`
	}

	ContactPayload struct {
		Contact  models.Contact `json:"contact"`
		PushName string         `json:"push_name,omitempty"`
	}

	StatusPayload struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
)

// Publisher is what producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

type Subscription struct {
	// C delivers events until Close.
	C <-chan Event

	ch    chan Event
	kinds map[Kind]bool
	bus   *Bus
}

// Subscribe returns a subscription for the given kinds, or every kind when
// none are given.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.Printf("events: subscriber full, dropped %s", e.Kind)
		}
	}
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}
