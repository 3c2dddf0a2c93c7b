package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbridge/internal/middleware"
	"github.com/pliu/chatbridge/internal/ws"
)

// Routes is everything the router dispatches to.
type Routes struct {
	Auth  *AuthHandler
	Chat  *ChatHandler
	Media *MediaHandler
	// Relay is nil when no external gateway is configured.
	Relay *RelayHandler
	Admin *AdminHandler

	Authenticator middleware.Authenticator
	AdminToken    string
	Hub           *ws.Hub
}

func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/pairing/request", rt.Auth.RequestPairing).Methods("POST")
	r.HandleFunc("/pairing/verify", rt.Auth.VerifyPairing).Methods("POST")
	if rt.Relay != nil {
		r.HandleFunc("/relay/status", rt.Relay.Status).Methods("GET")
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(middleware.AuthMiddleware(rt.Authenticator))
	authed.HandleFunc("/logout", rt.Auth.Logout).Methods("POST")
	authed.HandleFunc("/me", rt.Auth.Me).Methods("GET")
	authed.HandleFunc("/chats", rt.Chat.GetChats).Methods("GET")
	authed.HandleFunc("/chats/{id}/messages", rt.Chat.GetChatMessages).Methods("GET")
	authed.HandleFunc("/messages", rt.Chat.SendMessage).Methods("POST")
	authed.HandleFunc("/messages/status", rt.Chat.UpdateStatus).Methods("POST")
	authed.HandleFunc("/media", rt.Media.Upload).Methods("POST")
	authed.HandleFunc("/media/{id}", rt.Media.Get).Methods("GET")
	authed.HandleFunc("/media/{id}", rt.Media.Delete).Methods("DELETE")
	authed.HandleFunc("/media/{id}/thumbnail", rt.Media.Thumbnail).Methods("GET")
	authed.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(rt.Hub, w, r, middleware.UserFrom(r.Context()).ID)
	})

	admin := r.NewRoute().Subrouter()
	admin.Use(middleware.AdminMiddleware(rt.AdminToken))
	if rt.Relay != nil {
		admin.HandleFunc("/relay/send", rt.Relay.Send).Methods("POST")
		admin.HandleFunc("/relay/bulk", rt.Relay.Bulk).Methods("POST")
		admin.HandleFunc("/relay/drain", rt.Relay.Drain).Methods("POST")
		admin.HandleFunc("/relay/reset", rt.Relay.Reset).Methods("POST")
		admin.HandleFunc("/relay/logout", rt.Relay.Logout).Methods("POST")
		admin.HandleFunc("/admin/relay/status", rt.Relay.AdminStatus).Methods("GET")
	}
	admin.HandleFunc("/admin/approvals", rt.Admin.ListApprovals).Methods("GET")
	admin.HandleFunc("/admin/approvals/{id}/approve", rt.Admin.Approve).Methods("POST")
	admin.HandleFunc("/admin/approvals/{id}/reject", rt.Admin.Reject).Methods("POST")
	admin.HandleFunc("/admin/devices", rt.Admin.RevokeDevice).Methods("DELETE")
	admin.HandleFunc("/admin/contacts", rt.Admin.ListContacts).Methods("GET")

	return r
}
