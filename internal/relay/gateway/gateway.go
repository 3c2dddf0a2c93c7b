// Package gateway is a relay.Client that talks to an external bridge gateway
// holding the actual network session. Commands go over HTTP; session events
// arrive on a websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/relay"
)

const sessionKey = "session.json"

type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token   string
	Timeout time.Duration
}

// session is what the gateway needs to resume without a new QR pairing.
type session struct {
	ID          string          `json:"session_id"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	SavedAt     time.Time       `json:"saved_at"`
}

type startResponse struct {
	SessionID   string          `json:"session_id"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	Text      string `json:"text,omitempty"`
	Media     []byte `json:"media,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type Client struct {
	cfg       Config
	http      *resty.Client
	artifacts blob.Store

	mu        sync.Mutex
	sess      *session
	conn      *websocket.Conn
	connected bool
}

// New creates a client. artifacts holds the session credentials between
// runs and is owned by this client.
func New(cfg Config, artifacts blob.Store) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{cfg: cfg, http: hc, artifacts: artifacts}
}

var _ relay.Client = (*Client)(nil)

// Connect starts or resumes the gateway session and subscribes to its events.
func (c *Client) Connect(ctx context.Context) (<-chan relay.ClientEvent, error) {
	stored, err := c.loadSession(ctx)
	if err != nil {
		log.Printf("gateway: ignoring unreadable session artifacts: %v", err)
	}

	body := map[string]any{}
	if stored != nil {
		body["session_id"] = stored.ID
		body["credentials"] = stored.Credentials
	}
	var out startResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/session/start")
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("start session: %s: %s", resp.Status(), resp.String())
	}
	if out.SessionID == "" {
		return nil, errors.New("start session: gateway returned no session id")
	}

	sess := &session{ID: out.SessionID, Credentials: out.Credentials, SavedAt: time.Now().UTC()}
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.sess, c.conn, c.connected = sess, conn, false
	c.mu.Unlock()

	events := make(chan relay.ClientEvent, 64)
	go c.readLoop(ctx, conn, events)
	return events, nil
}

func (c *Client) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/session/" + url.PathEscape(sessionID) + "/events"

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Add("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to event stream: %v, status: %s", err, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to event stream: %v", err)
	}
	return conn, nil
}

// readLoop forwards gateway events until the socket fails or ctx ends, then
// closes out.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- relay.ClientEvent) {
	defer close(out)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev relay.ClientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("gateway: event stream ended: %v", err)
			}
			c.markDown(conn)
			return
		}

		switch ev.Kind {
		case relay.EventConnected:
			c.setConnected(conn, true)
		case relay.EventDisconnected, relay.EventAuthFailure:
			c.setConnected(conn, false)
		case relay.EventLoggedOut:
			c.setConnected(conn, false)
			if err := c.clearSession(context.Background()); err != nil {
				log.Printf("gateway: clear session artifacts: %v", err)
			}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setConnected(conn *websocket.Conn, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.connected = v
	}
}

func (c *Client) markDown(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.connected = false
		c.conn = nil
	}
}

func (c *Client) sessionID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "", errors.New("gateway session not started")
	}
	return c.sess.ID, nil
}

func (c *Client) Send(ctx context.Context, address string, content relay.OutboundContent) (string, error) {
	id, err := c.sessionID()
	if err != nil {
		return "", err
	}
	var out sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendRequest{
			SessionID: id,
			To:        address,
			Text:      content.Text,
			Media:     content.Media,
			MimeType:  content.MimeType,
			FileName:  content.FileName,
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("send: %s: %s", resp.Status(), resp.String())
	}
	return out.ID, nil
}

func (c *Client) Download(ctx context.Context, ref relay.MediaRef) ([]byte, error) {
	id, err := c.sessionID()
	if err != nil {
		return nil, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("session_id", id).
		SetPathParam("id", ref.ID).
		Get("/media/{id}")
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download %s: %s", ref.ID, resp.Status())
	}
	return resp.Body(), nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Logout(ctx context.Context) error {
	id, err := c.sessionID()
	if err == nil {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"session_id": id}).
			Post("/session/logout")
		if err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
			return fmt.Errorf("logout: %s", resp.Status())
		}
	}
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	return c.clearSession(ctx)
}

// Close drops the event stream. The gateway session and stored artifacts
// are kept so the next Connect resumes.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.connected = nil, false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) loadSession(ctx context.Context) (*session, error) {
	data, err := c.artifacts.Get(ctx, sessionKey)
	if errors.Is(err, blob.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) saveSession(ctx context.Context, s *session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := c.artifacts.Put(ctx, sessionKey, data); err != nil {
		return fmt.Errorf("save session artifacts: %w", err)
	}
	return nil
}

func (c *Client) clearSession(ctx context.Context) error {
	return c.artifacts.Delete(ctx, sessionKey)
}
