package coordinator

import (
	"time"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/dispatch"
	"github.com/dokzlo13/ledsyncd/internal/frame"
	"github.com/dokzlo13/ledsyncd/internal/groups"
	"github.com/dokzlo13/ledsyncd/internal/notify"
)

// HandleFrame ingests one raw frame payload. Malformed payloads (length not
// a multiple of 3) are dropped silently - expected noise on an external
// channel. Frames are processed synchronously to completion, so arrival
// order is processing order.
func (c *Coordinator) HandleFrame(raw []byte) {
	f := frame.Decode(raw)
	if f == nil {
		return
	}

	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.frame = f
	c.mu.Unlock()

	c.bus.Publish(notify.SignalFrameUpdated)

	if c.cfg.Mode == ModeListen {
		c.processListenGroups(f)
	}
}

// processListenGroups runs one listen-mode pass: for every group, resolve
// its LED colors from the frame, aggregate, calibrate and enqueue light
// commands, throttled per group to the sync interval.
//
// Ordering is deliberate and load-bearing: one_to_one calibrates each LED
// color independently and commands each paired entity with its own result,
// reporting the average of the calibrated colors as the group color; every
// other strategy aggregates first and calibrates the single aggregate once.
func (c *Coordinator) processListenGroups(f *frame.Frame) {
	now := time.Now()
	interval := c.cfg.SyncInterval

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return
	}

	for i := range c.cfg.Groups {
		g := &c.cfg.Groups[i]

		indices := usableIndices(g.LEDIndices, f.LEDCount())
		if len(indices) == 0 {
			// Nothing in range: the group's value is unknown, not black.
			c.setGroupOutputLocked(i, color.Black, 0, false)
			continue
		}

		due := interval <= 0 || now.Sub(c.lastListen[i]) >= interval

		if g.Strategy == groups.StrategyOneToOne {
			n := g.PairCount(indices)
			calibrated := make([]color.RGB, 0, n)
			for j := 0; j < n; j++ {
				led, _ := f.Color(indices[j])
				cal := c.cfg.Calibration.Apply(led)
				calibrated = append(calibrated, cal)
				if due {
					c.enqueueOnLocked(g.Entities[j], cal)
				}
			}
			if avg, ok := color.Average(calibrated); ok {
				c.setGroupOutputLocked(i, avg, avg.Brightness(), true)
			}
			if due {
				c.lastListen[i] = now
			}
			continue
		}

		subset := make([]color.RGB, 0, len(indices))
		for _, idx := range indices {
			led, _ := f.Color(idx)
			subset = append(subset, led)
		}
		agg, ok := groups.Aggregate(subset, g.Strategy)
		if !ok {
			c.setGroupOutputLocked(i, color.Black, 0, false)
			continue
		}
		cal := c.cfg.Calibration.Apply(agg)
		c.setGroupOutputLocked(i, cal, cal.Brightness(), true)

		if due {
			c.lastListen[i] = now
			for _, entity := range g.Entities {
				c.enqueueOnLocked(entity, cal)
			}
		}
	}

	c.dispatchGroupsSignalLocked(now, false)
}

func (c *Coordinator) enqueueOnLocked(entity string, col color.RGB) {
	if c.disp == nil {
		return
	}
	c.disp.Enqueue(entity, dispatch.Command{
		On:         true,
		Color:      col,
		Brightness: col.Brightness(),
		Transition: c.cfg.Transition,
	})
}

// usableIndices intersects configured LED indices with the frame's valid
// range. Indices arrive sorted from group validation, so the result stays
// sorted.
func usableIndices(indices []int, ledCount int) []int {
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < ledCount {
			out = append(out, idx)
		}
	}
	return out
}
