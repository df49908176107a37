package coordinator

import (
	"encoding/json"
	"math"
	"time"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/dispatch"
	"github.com/dokzlo13/ledsyncd/internal/notify"
)

// zenCommand is the JSON form of a single-zone command when a discrete
// brightness level is attached.
type zenCommand struct {
	Colour     string `json:"colour"`
	Brightness int    `json:"brightness"`
}

// PublishColor publishes a single-zone color command to the command topic:
// a bare 6-hex-digit lowercase string, or a JSON object when a brightness is
// attached, with the 0-255 host brightness scaled into the configured number
// of discrete levels. The last command is recorded and the command-issued
// signal fired.
func (c *Coordinator) PublishColor(rgb color.RGB, brightness *uint8) error {
	hex := rgb.Hex()

	level := 0
	var payload []byte
	if brightness != nil {
		level = c.brightnessLevel(*brightness)
		var err error
		payload, err = json.Marshal(zenCommand{Colour: "#" + hex, Brightness: level})
		if err != nil {
			return err
		}
	} else {
		payload = []byte(hex)
	}

	if err := c.pub.Publish(c.cfg.CommandTopic, payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastCmdColor = rgb
	c.lastCmdLevel = level
	c.hasLastCmd = true
	c.persistLocked()
	c.mu.Unlock()

	c.bus.Publish(notify.SignalCommandIssued)
	return nil
}

// TurnOff publishes a black command, effectively switching the LEDs off.
func (c *Coordinator) TurnOff() error {
	return c.PublishColor(color.Black, nil)
}

// LastCommand returns the last published zen command: color, discrete
// brightness level (0 when none was attached) and whether one exists.
func (c *Coordinator) LastCommand() (color.RGB, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmdColor, c.lastCmdLevel, c.hasLastCmd
}

// HostBrightness maps the last command's discrete level back into the 0-255
// host range for state reporting.
func (c *Coordinator) HostBrightness() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasLastCmd || c.lastCmdLevel <= 0 {
		return 0, false
	}
	v := math.Round(float64(c.lastCmdLevel) / float64(c.cfg.BrightnessLevels) * 255)
	if v < 1 {
		v = 1
	}
	if v > 255 {
		v = 255
	}
	return uint8(v), true
}

// brightnessLevel scales a 0-255 host brightness into 1..BrightnessLevels.
func (c *Coordinator) brightnessLevel(b uint8) int {
	bf := float64(b)
	if bf < 1 {
		bf = 1
	}
	levels := c.cfg.BrightnessLevels
	scaled := int(math.Round(bf / 255 * float64(levels)))
	if scaled < 1 {
		scaled = 1
	}
	if scaled > levels {
		scaled = levels
	}
	return scaled
}

// SetGroupColor commands every member of a group to the given color through
// the dispatcher and updates the group's displayed state, signalling
// immediately.
func (c *Coordinator) SetGroupColor(i int, rgb color.RGB, brightness *uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning || i < 0 || i >= len(c.cfg.Groups) || c.disp == nil {
		return
	}

	bri := rgb.Brightness()
	if brightness != nil {
		bri = *brightness
	}
	for _, entity := range c.cfg.Groups[i].Entities {
		c.disp.Enqueue(entity, dispatch.Command{
			On:         true,
			Color:      rgb,
			Brightness: bri,
			Transition: c.cfg.Transition,
		})
	}
	c.setGroupOutputLocked(i, rgb, bri, true)
	c.dispatchGroupsSignalLocked(time.Now(), true)
}

// TurnOffGroup turns every member of a group off and records a commanded
// black (distinct from "unknown").
func (c *Coordinator) TurnOffGroup(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning || i < 0 || i >= len(c.cfg.Groups) || c.disp == nil {
		return
	}

	for _, entity := range c.cfg.Groups[i].Entities {
		c.disp.Enqueue(entity, dispatch.Command{Transition: c.cfg.Transition})
	}
	c.setGroupOutputLocked(i, color.Black, 0, true)
	c.dispatchGroupsSignalLocked(time.Now(), true)
}
