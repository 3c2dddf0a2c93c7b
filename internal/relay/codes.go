package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/pliu/chatbridge/internal/events"
)

// DefaultCodeMessage is the text pairing codes are delivered with. It takes
// the code as its only argument.
const DefaultCodeMessage = "Your chatbridge pairing code is %s. It expires in a few minutes."

// DeliverCodes sends each pairing code from sub to its phone over the
// external network until ctx ends or the subscription closes. Codes are not
// queued: a code that cannot be sent now would expire before a drain.
func (a *Adapter) DeliverCodes(ctx context.Context, sub *events.Subscription, format string) {
	if format == "" {
		format = DefaultCodeMessage
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			p, ok := e.Payload.(events.PairingPayload)
			if !ok {
				continue
			}
			res, err := a.Send(ctx, p.Phone, OutboundContent{Text: fmt.Sprintf(format, p.Code)}, SendOptions{NoQueue: true})
			switch {
			case err != nil:
				log.Printf("relay: pairing code for %s: %v", p.Phone, err)
			case !res.Success:
				log.Printf("relay: pairing code for %s not delivered: %s", p.Phone, res.Error)
			}
		}
	}
}
