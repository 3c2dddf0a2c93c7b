package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/pliu/chatbridge/internal/middleware"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/pairing"
	"github.com/pliu/chatbridge/internal/phone"
)

// Pairing is the part of the pairing registry the HTTP layer uses.
type Pairing interface {
	RequestPairing(ctx context.Context, phone string) (*pairing.Code, error)
	VerifyPairing(ctx context.Context, phone, code string, device models.DeviceInfo) (*pairing.Result, error)
	Logout(ctx context.Context, token string) error
	Approve(ctx context.Context, requestID, admin string) (*models.DeviceApprovalRequest, error)
	Reject(ctx context.Context, requestID, admin string) (*models.DeviceApprovalRequest, error)
	Revoke(ctx context.Context, phone, fingerprint string) error
}

type AuthHandler struct {
	Pairing Pairing
	// ExposeCodes returns pairing codes in the response. Development only.
	ExposeCodes bool
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

type PairingRequest struct {
	Phone string `json:"phone" validate:"required"`
}

type VerifyRequest struct {
	Phone  string            `json:"phone" validate:"required"`
	Code   string            `json:"code" validate:"required,numeric,len=6"`
	Device models.DeviceInfo `json:"device"`
}

func (h *AuthHandler) RequestPairing(w http.ResponseWriter, r *http.Request) {
	var req PairingRequest
	if !decode(w, r, &req) {
		return
	}

	code, err := h.Pairing.RequestPairing(r.Context(), req.Phone)
	if errors.Is(err, phone.ErrInvalid) {
		http.Error(w, "Invalid phone number", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("Error issuing pairing code: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"code_sent": true, "expires_at": code.ExpiresAt}
	if h.ExposeCodes {
		resp["code"] = code.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) VerifyPairing(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Pairing.VerifyPairing(r.Context(), req.Phone, req.Code, req.Device)
	var pending *pairing.ApprovalPendingError
	var authErr *pairing.AuthError
	switch {
	case errors.As(err, &pending):
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": pending.RequestID, "status": "pending"})
		return
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed", "reason": authErr.Reason})
		return
	case err != nil:
		log.Printf("Error verifying pairing: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    res.Token,
		Expires:  res.ExpiresAt,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Pairing.Logout(r.Context(), middleware.TokenFrom(r.Context())); err != nil {
		log.Printf("Error logging out: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    middleware.SessionCookie,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.UserFrom(r.Context()))
}
