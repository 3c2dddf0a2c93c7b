package handlers

import (
	"log"
	"net/http"

	"github.com/pliu/chatbridge/internal/relay"
)

type RelayHandler struct {
	Relay Relay
}

type RelaySendRequest struct {
	Address string                `json:"address" validate:"required"`
	Content relay.OutboundContent `json:"content"`
}

type RelayBulkRequest struct {
	Addresses []string              `json:"addresses" validate:"required,min=1,max=1000,dive,required"`
	Content   relay.OutboundContent `json:"content"`
}

func (h *RelayHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req RelaySendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Relay.Send(r.Context(), req.Address, req.Content, relay.SendOptions{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *RelayHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req RelayBulkRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Relay.SendBulk(r.Context(), req.Addresses, req.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Status is public and never includes the pairing QR code.
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.Relay.Status()
	st.QR = ""
	writeJSON(w, http.StatusOK, st)
}

// AdminStatus includes the QR code while pairing is pending.
func (h *RelayHandler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Status())
}

func (h *RelayHandler) Drain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Drain(r.Context()))
}

func (h *RelayHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.Reset(r.Context()); err != nil {
		log.Printf("Error resetting relay: %v", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Relay.Status())
}

func (h *RelayHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.Logout(r.Context()); err != nil {
		log.Printf("Error logging out relay: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
