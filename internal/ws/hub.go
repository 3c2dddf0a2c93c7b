package ws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/pliu/chatbridge/internal/events"
)

// notification is a direct push to one user's connections.
type notification struct {
	userID  string
	payload []byte
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Events to fan out.
	events <-chan events.Event

	// Direct pushes to a single user.
	notify chan notification

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}
}

// NewHub fans out message-persisted and presence-changed events from sub.
func NewHub(sub *events.Subscription) *Hub {
	return &Hub{
		events:     sub.C,
		notify:     make(chan notification, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case n := <-h.notify:
			for client := range h.clients {
				if client.userID == n.userID {
					h.deliver(client, n.payload)
				}
			}
		case e, ok := <-h.events:
			if !ok {
				h.events = nil
				continue
			}
			h.dispatch(e)
		}
	}
}

func (h *Hub) dispatch(e events.Event) {
	msgBytes, err := json.Marshal(e)
	if err != nil {
		log.Printf("Error encoding %s event: %v", e.Kind, err)
		return
	}

	switch p := e.Payload.(type) {
	case events.MessagePayload:
		// Private chats: the participants are the two parties.
		for client := range h.clients {
			if client.userID == p.Message.SenderID || client.userID == p.Message.ReceiverID {
				h.deliver(client, msgBytes)
			}
		}
	case events.PresencePayload:
		for client := range h.clients {
			h.deliver(client, msgBytes)
		}
	}
}

func (h *Hub) deliver(client *Client, msg []byte) {
	select {
	case client.send <- msg:
	default:
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	close(client.send)
	delete(h.clients, client)
}

// SendNotification pushes message to every connection of userID.
func (h *Hub) SendNotification(userID string, message interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error encoding notification: %v", err)
		return
	}
	select {
	case h.notify <- notification{userID: userID, payload: msgBytes}:
	default:
		log.Printf("Notification queue full, dropped message for %s", userID)
	}
}
