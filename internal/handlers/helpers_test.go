package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pliu/chatbridge/internal/auth"
	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/pairing"
	"github.com/pliu/chatbridge/internal/relay"
	"github.com/pliu/chatbridge/internal/store/sqlstore"
	"github.com/pliu/chatbridge/internal/ws"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminToken = "admin-secret"
	testCode   = "482913"
)

var testDevice = models.DeviceInfo{Platform: "android", Model: "Pixel 8"}

type fakeRelay struct {
	mu          sync.Mutex
	counterpart string
	status      relay.StatusReport
	sent        []string
	texts       []string
	resets      int
}

func (f *fakeRelay) Send(_ context.Context, address string, content relay.OutboundContent, _ relay.SendOptions) (relay.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, address)
	f.texts = append(f.texts, content.Text)
	return relay.SendResult{Success: true, ExternalID: "ext-1"}, nil
}

func (f *fakeRelay) SendBulk(ctx context.Context, addresses []string, content relay.OutboundContent) (relay.BulkResult, error) {
	res := relay.BulkResult{Total: len(addresses), Results: make(map[string]relay.SendResult)}
	for _, a := range addresses {
		r, _ := f.Send(ctx, a, content, relay.SendOptions{})
		res.Results[a] = r
		res.Sent++
	}
	return res, nil
}

func (f *fakeRelay) Drain(context.Context) relay.DrainResult { return relay.DrainResult{} }
func (f *fakeRelay) Status() relay.StatusReport              { return f.status }
func (f *fakeRelay) CounterpartID() string                   { return f.counterpart }
func (f *fakeRelay) Logout(context.Context) error            { return nil }

func (f *fakeRelay) Reset(context.Context) error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

type note struct {
	userID  string
	message interface{}
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (f *fakeNotifier) SendNotification(userID string, message interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note{userID, message})
}

type testServer struct {
	store    *sqlstore.SQLStore
	registry *pairing.Registry
	relay    *fakeRelay
	notifier *fakeNotifier
	router   http.Handler
}

// newTestServer wires the real router over an in-memory store. autoApprove
// controls whether a phone's first device is approved without an admin.
func newTestServer(t *testing.T, autoApprove bool) *testServer {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st, err := sqlstore.New("sqlite3", ":memory:", []byte("handlers-test-secret"), sqlstore.WithBlobStore(blobs))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, _ := auth.NewTokenService("token-secret")
	bus := events.NewBus()
	reg := pairing.New(st, tokens, bus, pairing.Config{HashCost: bcrypt.MinCost, AutoApproveFirstDevice: autoApprove},
		pairing.WithCodeGenerator(func() (string, error) { return testCode, nil }))

	sub := bus.Subscribe(16, events.MessagePersisted)
	t.Cleanup(sub.Close)

	ts := &testServer{store: st, registry: reg, relay: &fakeRelay{}, notifier: &fakeNotifier{}}
	ts.router = NewRouter(Routes{
		Auth:          &AuthHandler{Pairing: reg, ExposeCodes: true},
		Chat:          &ChatHandler{Store: st, Events: bus, Relay: ts.relay, Hub: ts.notifier},
		Media:         &MediaHandler{Store: st},
		Relay:         &RelayHandler{Relay: ts.relay},
		Admin:         &AdminHandler{Store: st, Pairing: reg, ContactOwner: "relay"},
		Authenticator: reg,
		AdminToken:    adminToken,
		Hub:           ws.NewHub(sub),
	})
	return ts
}

type request struct {
	method, path string
	body         any
	token        string
	admin        bool
}

func (ts *testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != nil {
		b, _ := json.Marshal(r.body)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.admin {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

// login pairs phone and returns its session token and user.
func (ts *testServer) login(t *testing.T, phone string) (string, *models.User) {
	t.Helper()
	if rr := ts.do(t, request{method: "POST", path: "/pairing/request", body: PairingRequest{Phone: phone}}); rr.Code != http.StatusOK {
		t.Fatalf("pairing request: %d %s", rr.Code, rr.Body)
	}
	rr := ts.do(t, request{method: "POST", path: "/pairing/verify", body: VerifyRequest{Phone: phone, Code: testCode, Device: testDevice}})
	if rr.Code != http.StatusOK {
		t.Fatalf("pairing verify: %d %s", rr.Code, rr.Body)
	}
	var res pairing.Result
	decodeBody(t, rr, &res)
	return res.Token, res.User
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("Bad response body %q: %v", rr.Body.String(), err)
	}
}
