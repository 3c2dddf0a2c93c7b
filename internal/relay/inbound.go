package relay

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

// handleInbound persists a message from a known user, or records an unknown
// sender as a contact and answers with the onboarding reply.
func (a *Adapter) handleInbound(ctx context.Context, in *InboundMessage) error {
	addr, err := NormalizeAddress(in.From)
	if err != nil {
		return fmt.Errorf("sender address: %w", err)
	}

	user, err := a.store.GetUserByPhone(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return a.handleUnknown(ctx, addr, in)
	}
	if err != nil {
		return err
	}

	if _, seen := a.linked.LoadOrStore(addr, struct{}{}); !seen {
		if err := a.store.LinkContact(ctx, addr, user.ID); err != nil {
			log.Printf("relay: link contact %s: %v", addr, err)
		}
	}

	params := store.SaveMessageParams{
		SenderID:    user.ID,
		ReceiverID:  a.CounterpartID(),
		ContentType: models.ContentText,
		ContentText: in.Text,
		ExternalID:  in.ExternalID,
		Metadata: models.MessageMetadata{
			Source:          models.SourceExternal,
			ExternalAddress: addr,
			PushName:        in.PushName,
		},
	}
	if in.Media != nil {
		media, err := a.saveMedia(ctx, user.ID, in.Media)
		if err != nil {
			// Keep the text part rather than losing the message.
			log.Printf("relay: media %s from %s: %v", in.Media.ID, addr, err)
		} else {
			params.MediaID = media.ID
			params.ContentType = models.ContentTypeFor(media.MimeType)
			params.Metadata.Caption = in.Text
		}
	}

	msg, err := a.store.SaveMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	a.events.Publish(events.Event{
		Kind:    events.MessagePersisted,
		Payload: events.MessagePayload{Message: *msg},
	})
	return nil
}

func (a *Adapter) saveMedia(ctx context.Context, ownerID string, ref *MediaRef) (*models.MediaFile, error) {
	data, err := a.client.Download(ctx, *ref)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	name := ref.FileName
	if name == "" {
		name = ref.ID
	}
	return a.store.SaveMediaFile(ctx, ownerID, data, models.MediaMeta{OriginalName: name, MimeType: ref.MimeType})
}

func (a *Adapter) handleUnknown(ctx context.Context, addr string, in *InboundMessage) error {
	contact, err := a.store.UpsertContact(ctx, a.cfg.ContactOwner, addr, in.PushName)
	if err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	log.Printf("relay: message from unregistered %s archived as contact %s", addr, contact.ID)

	if a.cfg.OnboardingReply != "" {
		if _, err := a.Send(ctx, addr, OutboundContent{Text: a.cfg.OnboardingReply}, SendOptions{}); err != nil {
			log.Printf("relay: onboarding reply to %s: %v", addr, err)
		}
	}
	a.events.Publish(events.Event{
		Kind:    events.NewExternalContact,
		Payload: events.ContactPayload{Contact: *contact, PushName: in.PushName},
	})
	return nil
}

func (a *Adapter) handlePresence(ctx context.Context, address string, available bool) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return
	}
	p := events.PresencePayload{Address: addr, Available: available}
	if user, err := a.store.GetUserByPhone(ctx, addr); err == nil {
		p.UserID = user.ID
	}
	a.events.Publish(events.Event{Kind: events.PresenceChanged, Payload: p})
}
