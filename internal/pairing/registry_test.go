package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pliu/chatbridge/internal/auth"
	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store/sqlstore"
	"golang.org/x/crypto/bcrypt"
)

const testPhone = "+6281234567890"

var (
	ctx    = context.Background()
	phoneA = models.DeviceInfo{Platform: "ios", Model: "iPhone 15", AppVersion: "2.1"}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg   *Registry
	store *sqlstore.SQLStore
	bus   *events.Bus
	sub   *events.Subscription
	clock *fakeClock
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:", []byte("pairing-test-secret"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, _ := auth.NewTokenService("token-secret")
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	t.Cleanup(sub.Close)

	clock := &fakeClock{t: time.Now()}
	cfg.HashCost = bcrypt.MinCost
	reg := New(st, tokens, bus, cfg,
		WithClock(clock.Now),
		WithCodeGenerator(func() (string, error) { return "482913", nil }))
	return &fixture{reg: reg, store: st, bus: bus, sub: sub, clock: clock}
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (f *fixture) approve(t *testing.T, phone string, device models.DeviceInfo) {
	t.Helper()
	req := &models.DeviceApprovalRequest{Phone: phone, DeviceFingerprint: DeviceFingerprint(phone, device), DeviceInfo: device}
	if err := f.store.SaveApprovalRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ApproveDevice(ctx, req.ID, "admin"); err != nil {
		t.Fatal(err)
	}
}

func TestPairingScenario(t *testing.T) {
	f := setup(t, Config{CodeTTL: 5 * time.Minute})
	f.approve(t, testPhone, phoneA)

	code, err := f.reg.RequestPairing(ctx, testPhone)
	if err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	if code.Code != "482913" {
		t.Errorf("Code = %q", code.Code)
	}
	if got := f.reg.State(testPhone); got != CodeIssued {
		t.Errorf("State = %s, want CODE_ISSUED", got)
	}

	evs := f.drain()
	if len(evs) != 1 || evs[0].Kind != events.PairingRequested {
		t.Fatalf("Expected one pairing-requested event, got %+v", evs)
	}
	if p := evs[0].Payload.(events.PairingPayload); p.Code != "482913" || p.Phone != testPhone {
		t.Errorf("Pairing payload = %+v", p)
	}

	f.clock.Advance(time.Minute)
	res, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
	if err != nil {
		t.Fatalf("VerifyPairing failed: %v", err)
	}
	if res.Token == "" || res.User.Phone != testPhone || !res.User.IsVerified {
		t.Errorf("Unexpected result %+v", res)
	}
	if got := f.reg.State(testPhone); got != Verified {
		t.Errorf("State = %s, want VERIFIED", got)
	}

	user, err := f.reg.Authenticate(ctx, res.Token)
	if err != nil || user == nil || user.ID != res.User.ID {
		t.Fatalf("Authenticate = %+v, %v", user, err)
	}

	// The same code after expiry is rejected.
	f.reg.RequestPairing(ctx, testPhone)
	f.clock.Advance(6 * time.Minute)
	if got := f.reg.State(testPhone); got != Expired {
		t.Errorf("State = %s, want EXPIRED", got)
	}
	_, err = f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonExpired {
		t.Errorf("Expected expired AuthError, got %v", err)
	}
}

func TestCodeIsSingleUse(t *testing.T) {
	f := setup(t, Config{})
	f.approve(t, testPhone, phoneA)

	f.reg.RequestPairing(ctx, testPhone)
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); !errors.Is(err, ErrAuth) {
		t.Errorf("Expected ErrAuth on reuse, got %v", err)
	}
}

func TestWrongCodeAndAttemptLimit(t *testing.T) {
	f := setup(t, Config{MaxAttempts: 3})
	f.approve(t, testPhone, phoneA)
	f.reg.RequestPairing(ctx, testPhone)

	for i := 0; i < 2; i++ {
		_, err := f.reg.VerifyPairing(ctx, testPhone, "000000", phoneA)
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Reason != ReasonInvalidCode {
			t.Fatalf("Attempt %d: expected invalid code, got %v", i, err)
		}
	}
	_, err := f.reg.VerifyPairing(ctx, testPhone, "000000", phoneA)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonTooMany {
		t.Fatalf("Expected too many attempts, got %v", err)
	}
	// Correct code no longer helps.
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); !errors.Is(err, ErrAuth) {
		t.Errorf("Expected ErrAuth after lockout, got %v", err)
	}
}

func TestNewRequestSupersedesOldCode(t *testing.T) {
	f := setup(t, Config{})
	f.approve(t, testPhone, phoneA)

	codes := []string{"111111", "222222"}
	f.reg.generate = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	f.reg.RequestPairing(ctx, testPhone)
	f.reg.RequestPairing(ctx, testPhone)

	if _, err := f.reg.VerifyPairing(ctx, testPhone, "111111", phoneA); !errors.Is(err, ErrAuth) {
		t.Errorf("Superseded code accepted: %v", err)
	}
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "222222", phoneA); err != nil {
		t.Errorf("Fresh code rejected: %v", err)
	}
}

func TestUnknownDeviceNeverGetsSession(t *testing.T) {
	f := setup(t, Config{})

	var firstID string
	for i := 0; i < 5; i++ {
		if _, err := f.reg.RequestPairing(ctx, testPhone); err != nil {
			t.Fatal(err)
		}
		res, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
		if res != nil {
			t.Fatalf("Attempt %d returned a session: %+v", i, res)
		}
		var pending *ApprovalPendingError
		if !errors.As(err, &pending) {
			t.Fatalf("Attempt %d: expected ApprovalPendingError, got %v", i, err)
		}
		if firstID == "" {
			firstID = pending.RequestID
		} else if pending.RequestID != firstID {
			t.Errorf("Attempt %d created a new request %s", i, pending.RequestID)
		}
	}

	user, _ := f.store.GetUserByPhone(ctx, testPhone)
	sessions, _ := f.store.ListSessions(ctx, user.ID)
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions, got %d", len(sessions))
	}
	reqs, _ := f.store.ListApprovalRequests(ctx, models.ApprovalPending)
	if len(reqs) != 1 {
		t.Errorf("Expected exactly one pending request, got %d", len(reqs))
	}

	var requested int
	for _, e := range f.drain() {
		if e.Kind == events.DeviceApprovalRequested {
			requested++
		}
	}
	if requested != 1 {
		t.Errorf("Expected one device-approval-requested event, got %d", requested)
	}

	// After approval the next attempt succeeds.
	if _, err := f.reg.Approve(ctx, firstID, "admin"); err != nil {
		t.Fatal(err)
	}
	f.reg.RequestPairing(ctx, testPhone)
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); err != nil {
		t.Errorf("Approved device rejected: %v", err)
	}
}

func TestRejectedDeviceStaysGated(t *testing.T) {
	f := setup(t, Config{})
	f.reg.RequestPairing(ctx, testPhone)
	_, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
	var pending *ApprovalPendingError
	if !errors.As(err, &pending) {
		t.Fatal(err)
	}
	if _, err := f.reg.Reject(ctx, pending.RequestID, "admin"); err != nil {
		t.Fatal(err)
	}

	f.reg.RequestPairing(ctx, testPhone)
	_, err = f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
	var again *ApprovalPendingError
	if !errors.As(err, &again) {
		t.Fatalf("Expected new pending request, got %v", err)
	}
	if again.RequestID == pending.RequestID {
		t.Error("Rejected request was reused")
	}
}

func TestAutoApproveFirstDevice(t *testing.T) {
	f := setup(t, Config{AutoApproveFirstDevice: true})

	f.reg.RequestPairing(ctx, testPhone)
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); err != nil {
		t.Fatalf("First device not auto-approved: %v", err)
	}

	second := models.DeviceInfo{Platform: "android", Model: "Pixel"}
	f.reg.RequestPairing(ctx, testPhone)
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", second); !errors.Is(err, ErrApprovalPending) {
		t.Errorf("Second device should need approval, got %v", err)
	}
}

func TestLogoutAndRevoke(t *testing.T) {
	f := setup(t, Config{})
	f.approve(t, testPhone, phoneA)
	f.reg.RequestPairing(ctx, testPhone)
	res, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.reg.Logout(ctx, res.Token); err != nil {
		t.Fatal(err)
	}
	if u, _ := f.reg.Authenticate(ctx, res.Token); u != nil {
		t.Error("Token still valid after logout")
	}

	if err := f.reg.Revoke(ctx, testPhone, res.Fingerprint); err != nil {
		t.Fatal(err)
	}
	f.reg.RequestPairing(ctx, testPhone)
	if _, err := f.reg.VerifyPairing(ctx, testPhone, "482913", phoneA); !errors.Is(err, ErrApprovalPending) {
		t.Errorf("Revoked device should need approval, got %v", err)
	}
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	f := setup(t, Config{})
	if u, err := f.reg.Authenticate(ctx, "forged"); u != nil || err != nil {
		t.Errorf("Authenticate(forged) = %+v, %v", u, err)
	}
}

func TestRequestPairingRejectsBadPhone(t *testing.T) {
	f := setup(t, Config{})
	if _, err := f.reg.RequestPairing(ctx, "not a phone"); err == nil {
		t.Error("Expected error for invalid phone")
	}
}
