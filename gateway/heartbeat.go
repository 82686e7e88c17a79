package gateway

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// heartbeat calls beat once immediately and then on every tick until stopped.
type heartbeat struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// startHeartbeat registers the ticker before returning, so a clock advanced
// after this call is guaranteed to reach it.
func startHeartbeat(clock clockwork.Clock, interval time.Duration, beat func()) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := clock.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		beat()
		for {
			select {
			case <-ticker.Chan():
				beat()
			case <-ctx.Done():
				return
			}
		}
	}()

	return &heartbeat{interval: interval, cancel: cancel}
}

func (h *heartbeat) stop() {
	h.cancel()
}
