package relay

import (
	"context"
	"log"
	"time"
)

// RunHealthCheck checks the connection every HealthInterval until ctx ends.
func (a *Adapter) RunHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.check()
		}
	}
}

// check reports whether it started a reconnect. A live connection with
// entries still queued, such as failures put back by an earlier drain, gets
// another drain.
func (a *Adapter) check() bool {
	switch a.currentStatus() {
	case StatusConnected:
		if a.client.IsConnected() {
			if a.QueueLength() > 0 && !a.draining.Load() {
				a.goDrain()
			}
			return false
		}
		log.Printf("relay: health check found a dead connection")
		a.setStatus(StatusReconnecting)
		return a.triggerReconnect()
	case StatusReconnecting:
		return a.triggerReconnect()
	}
	return false
}
