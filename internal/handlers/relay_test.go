package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/relay"
)

func TestRelayStatus(t *testing.T) {
	ts := newTestServer(t, true)
	ts.relay.status = relay.StatusReport{Status: relay.StatusQRPending, QR: "qr-data", QueueLength: 2}

	rr := ts.do(t, request{method: "GET", path: "/relay/status"})
	var public relay.StatusReport
	decodeBody(t, rr, &public)
	if public.QR != "" || public.Status != relay.StatusQRPending || public.QueueLength != 2 {
		t.Errorf("public status = %+v", public)
	}

	if rr := ts.do(t, request{method: "GET", path: "/admin/relay/status"}); rr.Code != http.StatusForbidden {
		t.Errorf("admin status without token: %v", rr.Code)
	}
	rr = ts.do(t, request{method: "GET", path: "/admin/relay/status", admin: true})
	var full relay.StatusReport
	decodeBody(t, rr, &full)
	if full.QR != "qr-data" {
		t.Errorf("admin status = %+v", full)
	}
}

func TestRelaySendRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, true)
	body := RelaySendRequest{Address: "+6281234567890", Content: relay.OutboundContent{Text: "hi"}}

	if rr := ts.do(t, request{method: "POST", path: "/relay/send", body: body}); rr.Code != http.StatusForbidden {
		t.Errorf("send without token: %v", rr.Code)
	}
	rr := ts.do(t, request{method: "POST", path: "/relay/send", body: body, admin: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("send: %v %s", rr.Code, rr.Body)
	}
	if len(ts.relay.sent) != 1 || ts.relay.sent[0] != "+6281234567890" {
		t.Errorf("sent = %v", ts.relay.sent)
	}

	if rr := ts.do(t, request{method: "POST", path: "/relay/send", body: RelaySendRequest{Address: "+6281234567890"}, admin: true}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty content: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestRelayBulkAndReset(t *testing.T) {
	ts := newTestServer(t, true)

	if rr := ts.do(t, request{method: "POST", path: "/relay/bulk", body: RelayBulkRequest{Content: relay.OutboundContent{Text: "x"}}, admin: true}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty address list: %v", rr.Code)
	}

	rr := ts.do(t, request{method: "POST", path: "/relay/bulk", admin: true, body: RelayBulkRequest{
		Addresses: []string{"+6281234567890", "+6281234567891"},
		Content:   relay.OutboundContent{Text: "maintenance tonight"},
	}})
	var res relay.BulkResult
	decodeBody(t, rr, &res)
	if res.Total != 2 || res.Sent != 2 {
		t.Errorf("bulk = %+v", res)
	}

	if rr := ts.do(t, request{method: "POST", path: "/relay/reset", admin: true}); rr.Code != http.StatusOK || ts.relay.resets != 1 {
		t.Errorf("reset: %v, %d resets", rr.Code, ts.relay.resets)
	}
}

func TestListContacts(t *testing.T) {
	ts := newTestServer(t, true)
	if _, err := ts.store.UpsertContact(context.Background(), "relay", "+6281111111111", "Budi"); err != nil {
		t.Fatal(err)
	}
	rr := ts.do(t, request{method: "GET", path: "/admin/contacts", admin: true})
	var contacts []models.Contact
	decodeBody(t, rr, &contacts)
	if len(contacts) != 1 || contacts[0].DisplayName != "Budi" {
		t.Errorf("contacts = %+v", contacts)
	}
}
