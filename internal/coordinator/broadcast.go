package coordinator

import (
	"context"
	"time"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/frame"
	"github.com/dokzlo13/ledsyncd/internal/groups"
)

// notifyLightStateChanged is called for every external light state change.
// Bursts collapse into a single publish: if a debounce task is already
// pending the call is a no-op, otherwise one is scheduled that waits out the
// remainder of the sync interval since the last actual publish.
func (c *Coordinator) notifyLightStateChanged() {
	c.mu.Lock()
	if c.broadcastPending || c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.broadcastPending = true
	ctx := c.ctx
	c.mu.Unlock()

	go c.debouncedBroadcast(ctx)
}

func (c *Coordinator) debouncedBroadcast(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.broadcastPending = false
		c.mu.Unlock()
	}()

	if interval := c.cfg.SyncInterval; interval > 0 {
		c.mu.Lock()
		delay := interval - time.Since(c.lastBroadcast)
		c.mu.Unlock()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				// Shutdown during the debounce window: never publish a
				// partial frame.
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	c.publishBroadcastFrame(ctx)
}

func (c *Coordinator) publishBroadcastFrame(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if c.cfg.Mode != ModeBroadcast || len(c.cfg.Groups) == 0 || c.cfg.LEDOutTopic == "" {
		return
	}

	c.refreshGroupStates()

	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.dispatchGroupsSignalLocked(time.Now(), false)
	payload := c.buildFrameLocked()
	c.mu.Unlock()

	if len(payload) == 0 {
		return
	}
	if err := c.pub.Publish(c.cfg.LEDOutTopic, payload); err != nil {
		c.log.Warn().Err(err).Str("topic", c.cfg.LEDOutTopic).Msg("Broadcast publish failed")
		return
	}

	c.mu.Lock()
	c.lastBroadcast = time.Now()
	c.mu.Unlock()
}

// buildFrameLocked rebuilds the synthetic frame from current group
// aggregates. Untouched positions stay black; one_to_one writes each
// member's color at its paired index, other strategies write the aggregate
// into every index the group claims.
func (c *Coordinator) buildFrameLocked() []byte {
	colors := make([]color.RGB, c.cfg.LEDCount)

	for gi := range c.cfg.Groups {
		g := &c.cfg.Groups[gi]

		if g.Strategy == groups.StrategyOneToOne {
			n := g.PairCount(g.LEDIndices)
			for j := 0; j < n; j++ {
				idx := g.LEDIndices[j]
				if idx >= len(colors) {
					continue
				}
				if col, ok := c.lights.GetColor(g.Entities[j]); ok {
					colors[idx] = col
				}
			}
			continue
		}

		member := make([]color.RGB, 0, len(g.Entities))
		for _, entity := range g.Entities {
			if col, ok := c.lights.GetColor(entity); ok {
				member = append(member, col)
			}
		}
		agg, ok := groups.Aggregate(member, g.Strategy)
		if !ok {
			continue
		}
		for _, idx := range g.LEDIndices {
			if idx < len(colors) {
				colors[idx] = agg
			}
		}
	}

	return frame.New(colors).Encode()
}

// refreshGroupStates re-reads every member light and updates the per-group
// output state. A group whose members all report no resolvable color is
// marked unknown rather than black.
func (c *Coordinator) refreshGroupStates() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lights == nil {
		return
	}

	for i := range c.cfg.Groups {
		g := &c.cfg.Groups[i]

		member := make([]color.RGB, 0, len(g.Entities))
		for _, entity := range g.Entities {
			if col, ok := c.lights.GetColor(entity); ok {
				member = append(member, col)
			}
		}

		strategy := g.Strategy
		if strategy == groups.StrategyOneToOne {
			// A single representative color is needed here, so pairing
			// falls back to averaging.
			strategy = groups.StrategyAverage
		}
		agg, ok := groups.Aggregate(member, strategy)
		if !ok {
			c.setGroupOutputLocked(i, color.Black, 0, false)
			continue
		}
		c.setGroupOutputLocked(i, agg, agg.Brightness(), true)
	}
}
