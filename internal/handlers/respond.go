package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pliu/chatbridge/internal/phone"
	"github.com/pliu/chatbridge/internal/store"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// decode reads a JSON body into v and validates it. It writes the 400 itself
// and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// storeError maps store errors to status codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrAlreadyDecided):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrInvalid), errors.Is(err, phone.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("Store error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
