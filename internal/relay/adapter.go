// Package relay bridges the message store to an external chat network
// through a stateful client session. It owns the connection state machine,
// inbound normalization and an in-memory outbound retry queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/store"
)

// Status is the connection state of the external session.
type Status string

const (
	StatusUninitialized  Status = "UNINITIALIZED"
	StatusQRPending      Status = "QR_PENDING"
	StatusAuthenticating Status = "AUTHENTICATING"
	StatusConnected      Status = "CONNECTED"
	StatusReconnecting   Status = "RECONNECTING"
	StatusLoggedOut      Status = "LOGGED_OUT"
	StatusAuthFailed     Status = "AUTH_FAILED"
)

// Terminal states need an operator Reset.
func (s Status) Terminal() bool {
	return s == StatusLoggedOut || s == StatusAuthFailed
}

var ErrNotStarted = errors.New("relay adapter not started")

type Config struct {
	// CounterpartPhone is the internal user external senders talk to.
	CounterpartPhone string
	CounterpartName  string
	// ContactOwner owns contacts recorded for unknown senders.
	ContactOwner    string
	OnboardingReply string

	ReconnectDelay time.Duration
	DrainDelay     time.Duration
	HealthInterval time.Duration
	BulkBatchSize  int
	BulkDelay      time.Duration
}

// StatusReport is the public view of the connection.
type StatusReport struct {
	Status      Status `json:"status"`
	Address     string `json:"address,omitempty"`
	QueueLength int    `json:"queue_length"`
	QR          string `json:"qr,omitempty"`
}

type Adapter struct {
	client Client
	store  store.Store
	events events.Publisher
	cfg    Config

	mu            sync.Mutex
	status        Status
	address       string
	qr            string
	queue         []queued
	generation    uint64
	counterpartID string

	draining     atomic.Bool
	reconnecting atomic.Bool
	linked       sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(client Client, st store.Store, pub events.Publisher, cfg Config) *Adapter {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 10
	}
	if cfg.ContactOwner == "" {
		cfg.ContactOwner = "relay"
	}
	if cfg.CounterpartName == "" {
		cfg.CounterpartName = "Support"
	}
	return &Adapter{
		client: client,
		store:  st,
		events: pub,
		cfg:    cfg,
		status: StatusUninitialized,
	}
}

// Start resolves the counterpart user and opens the external session. A
// failed first connection is retried in the background, not returned.
func (a *Adapter) Start(ctx context.Context) error {
	addr, err := NormalizeAddress(a.cfg.CounterpartPhone)
	if err != nil {
		return fmt.Errorf("counterpart phone: %w", err)
	}
	counterpart, err := a.store.EnsureUser(ctx, addr, a.cfg.CounterpartName)
	if err != nil {
		return fmt.Errorf("resolve counterpart %s: %w", a.cfg.CounterpartPhone, err)
	}

	a.mu.Lock()
	a.counterpartID = counterpart.ID
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	if err := a.connect(a.ctx); err != nil {
		log.Printf("relay: initial connect failed: %v", err)
		a.setStatus(StatusReconnecting)
		a.triggerReconnect()
	}
	return nil
}

// CounterpartID is the internal user id inbound messages are addressed to.
func (a *Adapter) CounterpartID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counterpartID
}

// Close stops background work and the external session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.generation++
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := a.client.Close()
	a.wg.Wait()
	return err
}

func (a *Adapter) Status() StatusReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := StatusReport{Status: a.status, Address: a.address, QueueLength: len(a.queue)}
	if a.status == StatusQRPending {
		r.QR = a.qr
	}
	return r
}

func (a *Adapter) currentStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(to Status) {
	a.mu.Lock()
	from := a.status
	if from == to {
		a.mu.Unlock()
		return
	}
	a.status = to
	a.mu.Unlock()

	log.Printf("relay: %s -> %s", from, to)
	a.events.Publish(events.Event{
		Kind:    events.ConnectionStatusChanged,
		Payload: events.StatusPayload{From: string(from), To: string(to)},
	})
}

// retire marks the current event stream stale so its closing is not
// mistaken for a disconnect.
func (a *Adapter) retire() {
	a.mu.Lock()
	a.generation++
	a.mu.Unlock()
}

// connect opens a session and starts consuming its events.
func (a *Adapter) connect(ctx context.Context) error {
	ch, err := a.client.Connect(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.mu.Unlock()

	a.wg.Add(1)
	go a.consume(ctx, gen, ch)
	return nil
}

// consume handles events in order. Inbound messages within one connection
// are therefore persisted in receipt order.
func (a *Adapter) consume(ctx context.Context, gen uint64, ch <-chan ClientEvent) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				a.streamClosed(gen)
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev ClientEvent) {
	if a.currentStatus().Terminal() && ev.Kind != EventMessage {
		return
	}
	switch ev.Kind {
	case EventQR:
		a.mu.Lock()
		a.qr = ev.QR
		a.mu.Unlock()
		a.setStatus(StatusQRPending)
	case EventAuthenticated:
		a.setStatus(StatusAuthenticating)
	case EventConnected:
		a.mu.Lock()
		a.address, a.qr = ev.Address, ""
		a.mu.Unlock()
		a.setStatus(StatusConnected)
		a.goDrain()
	case EventDisconnected:
		log.Printf("relay: disconnected: %s", ev.Reason)
		a.setStatus(StatusReconnecting)
		a.triggerReconnect()
	case EventLoggedOut:
		a.setStatus(StatusLoggedOut)
	case EventAuthFailure:
		log.Printf("relay: authentication failed: %s", ev.Reason)
		a.setStatus(StatusAuthFailed)
	case EventMessage:
		if ev.Message == nil {
			return
		}
		if err := a.handleInbound(ctx, ev.Message); err != nil {
			log.Printf("relay: inbound %s from %s: %v", ev.Message.ExternalID, ev.Message.From, err)
		}
	case EventPresence:
		a.handlePresence(ctx, ev.Address, ev.Available)
	default:
		log.Printf("relay: ignoring event %q", ev.Kind)
	}
}

// streamClosed treats an unannounced end of the current stream as a
// disconnect. Streams from older connections are ignored.
func (a *Adapter) streamClosed(gen uint64) {
	a.mu.Lock()
	current := gen == a.generation
	st := a.status
	a.mu.Unlock()
	if !current || st.Terminal() || st == StatusReconnecting {
		return
	}
	if a.ctx.Err() != nil {
		return
	}
	log.Printf("relay: event stream closed")
	a.setStatus(StatusReconnecting)
	a.triggerReconnect()
}

// triggerReconnect starts the reconnect loop unless one is already running.
// Both the disconnect handler and the health check come through here.
func (a *Adapter) triggerReconnect() bool {
	if !a.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.reconnecting.Store(false)
		a.reconnect(a.ctx)
	}()
	return true
}

func (a *Adapter) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if err := sleep(ctx, a.cfg.ReconnectDelay); err != nil {
			return
		}
		if a.currentStatus().Terminal() {
			return
		}
		a.retire()
		_ = a.client.Close()
		err := a.connect(ctx)
		if err == nil {
			return
		}
		log.Printf("relay: reconnect attempt %d failed: %v", attempt, err)
	}
}

// Reset leaves a terminal state and starts a fresh session, which normally
// means a new QR pairing.
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	started := a.ctx != nil
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	a.retire()
	_ = a.client.Close()
	a.setStatus(StatusUninitialized)
	if err := a.connect(a.ctx); err != nil {
		a.setStatus(StatusReconnecting)
		a.triggerReconnect()
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Logout ends the external session. The adapter stays LOGGED_OUT until Reset.
func (a *Adapter) Logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.retire()
	_ = a.client.Close()
	a.setStatus(StatusLoggedOut)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
