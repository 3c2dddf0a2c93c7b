package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/middleware"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/relay"
	"github.com/pliu/chatbridge/internal/store"
)

// Relay is the part of the relay adapter the HTTP layer uses.
type Relay interface {
	Send(ctx context.Context, address string, content relay.OutboundContent, opts relay.SendOptions) (relay.SendResult, error)
	SendBulk(ctx context.Context, addresses []string, content relay.OutboundContent) (relay.BulkResult, error)
	Drain(ctx context.Context) relay.DrainResult
	Status() relay.StatusReport
	Reset(ctx context.Context) error
	Logout(ctx context.Context) error
	CounterpartID() string
}

// Notifier pushes a payload to one user's live connections.
type Notifier interface {
	SendNotification(userID string, message interface{})
}

type ChatHandler struct {
	Store  store.Store
	Events events.Publisher
	Relay  Relay
	Hub    Notifier
}

type SendMessageRequest struct {
	ReceiverID  string `json:"receiver_id" validate:"required"`
	ContentText string `json:"content_text" validate:"required_without=MediaID,max=4096"`
	MediaID     string `json:"media_id" validate:"omitempty,uuid"`
	ReplyToID   string `json:"reply_to_id" validate:"omitempty,uuid"`
}

type UpdateStatusRequest struct {
	IDs    []string             `json:"ids" validate:"required,min=1,max=500,dive,required"`
	Status models.MessageStatus `json:"status" validate:"required,oneof=delivered read"`
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	chats, err := h.Store.GetUserChats(r.Context(), user.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	user := middleware.UserFrom(r.Context())

	isParticipant, err := h.Store.IsParticipant(r.Context(), chatID, user.ID)
	if err != nil || !isParticipant {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	messages, err := h.Store.GetMessages(r.Context(), chatID, limit, offset)
	if err != nil {
		storeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage stores a message. When the sender is the relay counterpart the
// text is also relayed to the receiver's phone on the external network.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	var req SendMessageRequest
	if !decode(w, r, &req) {
		return
	}

	receiver, err := h.Store.GetUserByID(r.Context(), req.ReceiverID)
	if err != nil {
		storeError(w, err)
		return
	}

	params := store.SaveMessageParams{
		SenderID:    user.ID,
		ReceiverID:  receiver.ID,
		ContentType: models.ContentText,
		ContentText: req.ContentText,
		Metadata:    models.MessageMetadata{Source: models.SourceInternal, ReplyToID: req.ReplyToID},
	}

	var media []byte
	var mediaFile *models.MediaFile
	if req.MediaID != "" {
		mediaFile, media, err = h.Store.GetMediaFile(r.Context(), req.MediaID)
		if err != nil {
			storeError(w, err)
			return
		}
		if mediaFile == nil || mediaFile.OwnerID != user.ID {
			http.Error(w, "Media not found", http.StatusNotFound)
			return
		}
		params.MediaID = mediaFile.ID
		params.ContentType = models.ContentTypeFor(mediaFile.MimeType)
		params.Metadata.Caption = req.ContentText
	}

	msg, err := h.Store.SaveMessage(r.Context(), params)
	if err != nil {
		storeError(w, err)
		return
	}
	h.Events.Publish(events.Event{Kind: events.MessagePersisted, Payload: events.MessagePayload{Message: *msg}})

	resp := map[string]any{"message": msg}
	if h.Relay != nil && user.ID == h.Relay.CounterpartID() {
		content := relay.OutboundContent{Text: req.ContentText}
		if mediaFile != nil {
			content.Media, content.MimeType, content.FileName = media, mediaFile.MimeType, mediaFile.OriginalName
		}
		res, err := h.Relay.Send(r.Context(), receiver.Phone, content, relay.SendOptions{})
		if err != nil {
			log.Printf("Error relaying message %s: %v", msg.ID, err)
			res = relay.SendResult{Error: err.Error()}
		}
		resp["relay"] = res
	}
	writeJSON(w, http.StatusCreated, resp)
}

// UpdateStatus moves the caller's received messages forward and tells each
// sender.
func (h *ChatHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}

	bySender := make(map[string][]string)
	var ids []string
	for _, id := range req.IDs {
		msg, err := h.Store.GetMessage(r.Context(), id)
		if err != nil || msg.ReceiverID != user.ID {
			continue
		}
		// Senders only hear about messages this request moves forward.
		if msg.Status.Rank() >= req.Status.Rank() {
			continue
		}
		ids = append(ids, id)
		bySender[msg.SenderID] = append(bySender[msg.SenderID], id)
	}

	n, err := h.Store.UpdateMessageStatus(r.Context(), ids, req.Status)
	if err != nil {
		storeError(w, err)
		return
	}
	if n > 0 {
		for sender, senderIDs := range bySender {
			h.Hub.SendNotification(sender, map[string]any{
				"type":   "message-status",
				"ids":    senderIDs,
				"status": req.Status,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
