package broker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const ticklerFailureThreshold = 3

// StartTickler launches the keep-alive loop (§4.2.4): a single
// background goroutine issuing GET /tickle at interval until ctx is
// canceled. Three consecutive failures invalidate the held LST so the
// next authenticated call re-derives it; tickler failures never bring
// the process down.
func (c *Client) StartTickler(ctx context.Context, interval time.Duration) {
	c.ticklerMu.Lock()
	c.ticklerState = TicklerRunning
	c.ticklerFails = 0
	c.ticklerMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer func() {
			c.ticklerMu.Lock()
			c.ticklerState = TicklerStopped
			c.ticklerMu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tickleOnce(ctx)
			}
		}
	}()
}

func (c *Client) tickleOnce(ctx context.Context) {
	err := c.do(ctx, authedRequest{method: http.MethodGet, path: "/tickle"}, nil)

	c.ticklerMu.Lock()
	defer c.ticklerMu.Unlock()

	if err != nil {
		c.ticklerFails++
		if c.log != nil {
			c.log.Warn("tickle_failed", zap.Error(err), zap.Int("consecutive_failures", c.ticklerFails))
		}
		if c.ticklerFails >= ticklerFailureThreshold {
			c.invalidateSession()
			c.ticklerFails = 0
		}
		return
	}
	c.ticklerFails = 0
}

// TicklerState reports the current keep-alive loop state.
func (c *Client) TicklerState() TicklerState {
	c.ticklerMu.Lock()
	defer c.ticklerMu.Unlock()
	return c.ticklerState
}
