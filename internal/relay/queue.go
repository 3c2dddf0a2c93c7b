package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pliu/chatbridge/internal/phone"
)

var validate = validator.New()

type queued struct {
	address  string
	content  OutboundContent
	attempts int
	queuedAt time.Time
}

type SendOptions struct {
	// NoQueue reports failure instead of queueing when the send cannot be
	// made now.
	NoQueue bool
}

type SendResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Queued     bool   `json:"queued"`
	Error      string `json:"error,omitempty"`
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Requeued  int `json:"requeued"`
}

type BulkResult struct {
	Total   int                   `json:"total"`
	Sent    int                   `json:"sent"`
	Queued  int                   `json:"queued"`
	Failed  int                   `json:"failed"`
	Results map[string]SendResult `json:"results"`
}

// NormalizeAddress turns an external address (possibly carrying a network
// domain or device suffix) into a phone in E.164 form.
func NormalizeAddress(address string) (string, error) {
	return phone.Normalize(address)
}

// Send delivers content to address now if connected. Otherwise, or when the
// immediate attempt fails, the message is queued for the next drain.
func (a *Adapter) Send(ctx context.Context, address string, content OutboundContent, opts SendOptions) (SendResult, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return SendResult{}, err
	}
	if err := validate.Struct(content); err != nil {
		return SendResult{}, err
	}

	if a.currentStatus() == StatusConnected {
		id, err := a.client.Send(ctx, addr, content)
		if err == nil {
			return SendResult{Success: true, ExternalID: id}, nil
		}
		log.Printf("relay: send to %s failed: %v", addr, err)
		if opts.NoQueue {
			return SendResult{Error: err.Error()}, nil
		}
	} else if opts.NoQueue {
		return SendResult{Error: "relay not connected"}, nil
	}

	a.enqueue(queued{address: addr, content: content, queuedAt: time.Now()})
	return SendResult{Queued: true}, nil
}

func (a *Adapter) enqueue(q ...queued) {
	a.mu.Lock()
	a.queue = append(a.queue, q...)
	n := len(a.queue)
	a.mu.Unlock()
	log.Printf("relay: %d message(s) queued, queue length %d", len(q), n)
}

func (a *Adapter) QueueLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Adapter) goDrain() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Drain(a.ctx)
	}()
}

// Drain sends everything queued at the time of the call, in order. Entries
// that fail go back on the queue. Only one drain runs at a time; a second
// caller returns an empty result.
func (a *Adapter) Drain(ctx context.Context) DrainResult {
	var res DrainResult
	if !a.draining.CompareAndSwap(false, true) {
		return res
	}
	defer a.draining.Store(false)

	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return res
	}
	log.Printf("relay: draining %d queued message(s)", len(batch))

	var failed []queued
	for i, q := range batch {
		if ctx.Err() != nil || a.currentStatus() != StatusConnected {
			failed = append(failed, batch[i:]...)
			break
		}
		if i > 0 {
			if err := sleep(ctx, a.cfg.DrainDelay); err != nil {
				failed = append(failed, batch[i:]...)
				break
			}
		}
		res.Attempted++
		if _, err := a.client.Send(ctx, q.address, q.content); err != nil {
			log.Printf("relay: queued send to %s failed (attempt %d): %v", q.address, q.attempts+1, err)
			q.attempts++
			failed = append(failed, q)
			continue
		}
		res.Sent++
	}

	if len(failed) > 0 {
		res.Requeued = len(failed)
		a.enqueue(failed...)
	}
	log.Printf("relay: drain sent %d, requeued %d", res.Sent, res.Requeued)
	return res
}

// SendBulk sends the same content to many addresses in batches. Sends
// within a batch run concurrently; batches are separated by BulkDelay.
func (a *Adapter) SendBulk(ctx context.Context, addresses []string, content OutboundContent) (BulkResult, error) {
	if err := validate.Struct(content); err != nil {
		return BulkResult{}, err
	}
	res := BulkResult{Total: len(addresses), Results: make(map[string]SendResult, len(addresses))}

	var mu sync.Mutex
	size := a.cfg.BulkBatchSize
	for start := 0; start < len(addresses); start += size {
		if start > 0 {
			if err := sleep(ctx, a.cfg.BulkDelay); err != nil {
				return res, err
			}
		}
		end := min(start+size, len(addresses))

		var wg sync.WaitGroup
		for _, addr := range addresses[start:end] {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				r, err := a.Send(ctx, addr, content, SendOptions{})
				if err != nil {
					r = SendResult{Error: err.Error()}
				}
				mu.Lock()
				defer mu.Unlock()
				res.Results[addr] = r
				switch {
				case r.Success:
					res.Sent++
				case r.Queued:
					res.Queued++
				default:
					res.Failed++
				}
			}(addr)
		}
		wg.Wait()
	}
	log.Printf("relay: bulk send to %d address(es): %d sent, %d queued, %d failed",
		res.Total, res.Sent, res.Queued, res.Failed)
	return res, nil
}
