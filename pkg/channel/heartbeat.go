package channel

import (
	"context"
	"time"

	"Relay/pkg/types"
)

func (c *Channel) heartbeatDelay(cycle int) time.Duration {
	interval := c.HeartbeatInterval()
	if cycle < c.cfg.WarmupCycles && c.cfg.HeartbeatWarmup < interval {
		return c.cfg.HeartbeatWarmup
	}
	return interval
}

// heartbeatLoop beats until ctx is done. Beats that fall while the channel
// is down are skipped, not queued.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	for cycle := 0; ; cycle++ {
		timer := time.NewTimer(c.heartbeatDelay(cycle))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !c.Ready() {
			c.log.Debug().Int("cycle", cycle).Msg("Heartbeat skipped, not connected")
			continue
		}
		c.beat()
	}
}

func (c *Channel) beat() {
	msg := types.Message{}
	if c.cfg.Metadata != nil {
		for k, v := range c.cfg.Metadata() {
			msg[k] = v
		}
	}
	msg["type"] = types.TypeHeartbeat
	msg["counter"] = c.beats.Add(1)
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if err := c.Send(msg); err != nil {
		c.log.Debug().Err(err).Msg("Heartbeat not delivered")
	}
}
