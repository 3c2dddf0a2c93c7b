// Package pairing issues and verifies one-time pairing codes and gates new
// devices behind administrator approval before a session is created.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/pliu/chatbridge/internal/crypto"
	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/phone"
	"github.com/pliu/chatbridge/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// State of the pairing code for one phone.
type State string

const (
	NoRequest  State = "NO_REQUEST"
	CodeIssued State = "CODE_ISSUED"
	Verified   State = "VERIFIED"
	Expired    State = "EXPIRED"
)

const autoApprover = "auto"

// TokenIssuer mints and checks signed session tokens.
type TokenIssuer interface {
	NewToken(userID string, ttl time.Duration) (string, time.Time, error)
	Subject(token string) (string, error)
}

type Config struct {
	CodeTTL     time.Duration
	SessionTTL  time.Duration
	MaxAttempts int
	// HashCost is the bcrypt cost for stored codes.
	HashCost int
	// AutoApproveFirstDevice approves the first device seen for a phone that
	// has no approved devices yet.
	AutoApproveFirstDevice bool
}

// Code is an issued pairing code. It is handed to consumers of the
// pairing-requested event for delivery, never stored in clear.
type Code struct {
	Phone     string
	Code      string
	ExpiresAt time.Time
}

// Result is a successful verification.
type Result struct {
	Token       string       `json:"token"`
	User        *models.User `json:"user"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Fingerprint string       `json:"device_fingerprint"`
}

type entry struct {
	hash      []byte
	expiresAt time.Time
	attempts  int
	state     State
}

type Registry struct {
	store  store.Store
	tokens TokenIssuer
	events events.Publisher
	cfg    Config

	generate func() (string, error)
	now      func() time.Time

	mu    sync.Mutex
	codes map[string]*entry
}

type Option func(*Registry)

// WithCodeGenerator replaces the random six-digit generator.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(r *Registry) { r.generate = gen }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(st store.Store, tokens TokenIssuer, pub events.Publisher, cfg Config, opts ...Option) *Registry {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	r := &Registry{
		store:    st,
		tokens:   tokens,
		events:   pub,
		cfg:      cfg,
		generate: randomCode,
		now:      time.Now,
		codes:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// RequestPairing issues a fresh code for phone, superseding any outstanding one.
func (r *Registry) RequestPairing(ctx context.Context, rawPhone string) (*Code, error) {
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}
	code, err := r.generate()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), r.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	expiresAt := r.now().Add(r.cfg.CodeTTL)
	r.mu.Lock()
	r.codes[p] = &entry{hash: hash, expiresAt: expiresAt, state: CodeIssued}
	r.mu.Unlock()

	log.Printf("pairing code issued for %s, expires %s", p, expiresAt.Format(time.RFC3339))
	r.events.Publish(events.Event{
		Kind:    events.PairingRequested,
		Payload: events.PairingPayload{Phone: p, Code: code, ExpiresAt: expiresAt},
	})
	return &Code{Phone: p, Code: code, ExpiresAt: expiresAt}, nil
}

// checkCode consumes the outstanding code for p if it matches.
func (r *Registry) checkCode(p, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.codes[p]
	if !ok || e.state != CodeIssued {
		return &AuthError{Reason: ReasonNoCode}
	}
	if !r.now().Before(e.expiresAt) {
		e.state, e.hash = Expired, nil
		return &AuthError{Reason: ReasonExpired}
	}
	if bcrypt.CompareHashAndPassword(e.hash, []byte(code)) != nil {
		e.attempts++
		if e.attempts >= r.cfg.MaxAttempts {
			e.state, e.hash = Expired, nil
			return &AuthError{Reason: ReasonTooMany}
		}
		return &AuthError{Reason: ReasonInvalidCode}
	}
	e.state, e.hash = Verified, nil
	return nil
}

// VerifyPairing checks the code and, for an approved device, creates a
// session. An unapproved device gets an *ApprovalPendingError and no token.
func (r *Registry) VerifyPairing(ctx context.Context, rawPhone, code string, device models.DeviceInfo) (*Result, error) {
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, &AuthError{Reason: ReasonNoCode}
	}
	if err := r.checkCode(p, code); err != nil {
		return nil, err
	}

	user, err := r.store.EnsureUser(ctx, p, "")
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if !user.IsVerified {
		verified := true
		if user, err = r.store.UpdateUserProfile(ctx, user.ID, store.ProfileUpdate{IsVerified: &verified}); err != nil {
			return nil, fmt.Errorf("mark verified: %w", err)
		}
	}

	fp := DeviceFingerprint(p, device)
	approved, err := r.store.IsDeviceApproved(ctx, p, fp)
	if err != nil {
		return nil, err
	}
	if !approved && r.cfg.AutoApproveFirstDevice {
		if approved, err = r.autoApprove(ctx, p, fp, device); err != nil {
			return nil, err
		}
	}
	if !approved {
		return nil, r.pending(ctx, p, fp, device)
	}

	token, exp, err := r.tokens.NewToken(user.ID, r.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.CreateSession(ctx, store.CreateSessionParams{
		UserID:            user.ID,
		Token:             token,
		DeviceFingerprint: fp,
		DeviceInfo:        device,
		ExpiresAt:         exp,
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Result{Token: token, User: user, ExpiresAt: exp, Fingerprint: fp}, nil
}

// DeviceFingerprint identifies a device of phone from what it reports.
func DeviceFingerprint(p string, d models.DeviceInfo) string {
	return crypto.Fingerprint(p, d.Platform, d.Model, d.UserAgent)
}

func (r *Registry) autoApprove(ctx context.Context, p, fp string, device models.DeviceInfo) (bool, error) {
	existing, err := r.store.ListApprovedDevices(ctx, p)
	if err != nil || len(existing) > 0 {
		return false, err
	}
	req := &models.DeviceApprovalRequest{Phone: p, DeviceFingerprint: fp, DeviceInfo: device}
	if err := r.store.SaveApprovalRequest(ctx, req); err != nil {
		return false, err
	}
	decided, err := r.store.ApproveDevice(ctx, req.ID, autoApprover)
	if err != nil {
		return false, err
	}
	log.Printf("auto-approved first device %s for %s", fp, p)
	r.publishDecision(decided)
	return true, nil
}

// pending records (or reuses) an approval request for the device.
func (r *Registry) pending(ctx context.Context, p, fp string, device models.DeviceInfo) error {
	req, err := r.store.FindPendingRequest(ctx, p, fp)
	if err == nil {
		return &ApprovalPendingError{RequestID: req.ID}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	req = &models.DeviceApprovalRequest{Phone: p, DeviceFingerprint: fp, DeviceInfo: device}
	if err := r.store.SaveApprovalRequest(ctx, req); err != nil {
		return fmt.Errorf("save approval request: %w", err)
	}
	log.Printf("device %s for %s awaiting approval (request %s)", fp, p, req.ID)
	r.events.Publish(events.Event{
		Kind:    events.DeviceApprovalRequested,
		Payload: events.ApprovalPayload{Request: *req},
	})
	return &ApprovalPendingError{RequestID: req.ID}
}

func (r *Registry) publishDecision(req *models.DeviceApprovalRequest) {
	r.events.Publish(events.Event{
		Kind:    events.DeviceApprovalDecided,
		Payload: events.ApprovalPayload{Request: *req},
	})
}

func (r *Registry) Approve(ctx context.Context, requestID, admin string) (*models.DeviceApprovalRequest, error) {
	req, err := r.store.ApproveDevice(ctx, requestID, admin)
	if err != nil {
		return nil, err
	}
	r.publishDecision(req)
	return req, nil
}

func (r *Registry) Reject(ctx context.Context, requestID, admin string) (*models.DeviceApprovalRequest, error) {
	req, err := r.store.RejectDevice(ctx, requestID, admin)
	if err != nil {
		return nil, err
	}
	r.publishDecision(req)
	return req, nil
}

func (r *Registry) Revoke(ctx context.Context, rawPhone, fingerprint string) error {
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return err
	}
	return r.store.RevokeDevice(ctx, p, fingerprint)
}

// Authenticate resolves a session token to its user, or nil when the token
// is forged, expired or logged out.
func (r *Registry) Authenticate(ctx context.Context, token string) (*models.User, error) {
	sub, err := r.tokens.Subject(token)
	if err != nil {
		return nil, nil
	}
	user, err := r.store.ValidateSession(ctx, token)
	if err != nil || user == nil {
		return nil, err
	}
	if user.ID != sub {
		return nil, nil
	}
	return user, nil
}

func (r *Registry) Logout(ctx context.Context, token string) error {
	return r.store.InvalidateSession(ctx, token)
}

// State reports where the phone's code stands. Expiry is applied lazily.
func (r *Registry) State(rawPhone string) State {
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return NoRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.codes[p]
	if !ok {
		return NoRequest
	}
	if e.state == CodeIssued && !r.now().Before(e.expiresAt) {
		return Expired
	}
	return e.state
}
