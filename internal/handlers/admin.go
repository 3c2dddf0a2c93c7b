package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

type AdminHandler struct {
	Store   store.Store
	Pairing Pairing
	// ContactOwner is the owner id relay contacts are recorded under.
	ContactOwner string
}

type RevokeRequest struct {
	Phone       string `json:"phone" validate:"required"`
	Fingerprint string `json:"device_fingerprint" validate:"required"`
}

func adminName(r *http.Request) string {
	if name := r.Header.Get("X-Admin-User"); name != "" {
		return name
	}
	return "admin"
}

func (h *AdminHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected:
	default:
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	reqs, err := h.Store.ListApprovalRequests(r.Context(), status)
	if err != nil {
		storeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []models.DeviceApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	req, err := h.Pairing.Approve(r.Context(), mux.Vars(r)["id"], adminName(r))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, err := h.Pairing.Reject(r.Context(), mux.Vars(r)["id"], adminName(r))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *AdminHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Pairing.Revoke(r.Context(), req.Phone, req.Fingerprint); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.Store.ListContacts(r.Context(), h.ContactOwner)
	if err != nil {
		storeError(w, err)
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}
