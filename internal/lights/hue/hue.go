// Package hue implements the light capability interface against a Philips
// Hue bridge. Bridge calls are rate limited so a burst of dispatches cannot
// flood the bridge API.
package hue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/ledsyncd/internal/color"
)

const (
	defaultRateLimitRPS = 10.0
	defaultPollInterval = time.Second
)

// Controller talks to one Hue bridge. Lights are addressed by their Hue name.
type Controller struct {
	bridge  *huego.Bridge
	limiter *rate.Limiter
	poll    time.Duration
	log     zerolog.Logger

	mu     sync.RWMutex
	lights map[string]huego.Light
}

// New creates a controller for the bridge at host using the given API token.
func New(host, token string, rps float64, poll time.Duration, logger zerolog.Logger) *Controller {
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Controller{
		bridge:  huego.New(host, token),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		poll:    poll,
		log:     logger,
	}
}

// Connect verifies bridge reachability and primes the light index.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("failed to connect to Hue bridge: %w", err)
	}
	c.mu.RLock()
	n := len(c.lights)
	c.mu.RUnlock()
	c.log.Info().Int("lights", n).Msg("Connected to Hue bridge")
	return nil
}

func (c *Controller) refresh(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ll, err := c.bridge.GetLightsContext(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]huego.Light, len(ll))
	for _, l := range ll {
		byName[l.Name] = l
	}
	c.mu.Lock()
	c.lights = byName
	c.mu.Unlock()
	return nil
}

// GetColor reports the cached displayed color of a light, brightness folded
// in. Off or unreachable lights report no color.
func (c *Controller) GetColor(id string) (color.RGB, bool) {
	c.mu.RLock()
	l, ok := c.lights[id]
	c.mu.RUnlock()
	if !ok || l.State == nil || !l.State.On || !l.State.Reachable {
		return color.Black, false
	}

	h := float64(l.State.Hue) / 65535 * 360
	s := float64(l.State.Sat) / 254 * 100
	full := color.FromHSV(h, s, 100)
	return full.Scale(float64(l.State.Bri) / 254), true
}

// TurnOn commands a light to the given color and brightness.
func (c *Controller) TurnOn(ctx context.Context, id string, col color.RGB, brightness uint8, transition time.Duration) error {
	l, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	dir, _ := col.Normalize()
	h, s, _ := dir.ToHSV()
	state := huego.State{
		On:             true,
		Hue:            uint16(math.Round(h / 360 * 65535)),
		Sat:            uint8(math.Round(s / 100 * 254)),
		Bri:            hueBrightness(brightness),
		TransitionTime: transitionTime(transition),
	}
	_, err = c.bridge.SetLightStateContext(ctx, l.ID, state)
	return err
}

// TurnOff switches a light off.
func (c *Controller) TurnOff(ctx context.Context, id string, transition time.Duration) error {
	l, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = c.bridge.SetLightStateContext(ctx, l.ID, huego.State{TransitionTime: transitionTime(transition)})
	return err
}

// Watch polls the bridge and invokes fn whenever any of the named lights
// changes its visible state. The bridge has no push channel on the v1 API,
// so polling at the configured interval is the state-change source here.
func (c *Controller) Watch(ids []string, fn func()) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	watched := make([]string, len(ids))
	copy(watched, ids)
	sort.Strings(watched)

	go func() {
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()

		prev := c.fingerprint(watched)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := c.refresh(ctx); err != nil {
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("Hue state poll failed")
				}
				continue
			}
			cur := c.fingerprint(watched)
			if cur != prev {
				prev = cur
				fn()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// fingerprint summarizes the visible state of the watched lights; watched
// must be sorted so equal states compare equal.
func (c *Controller) fingerprint(watched []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := ""
	for _, name := range watched {
		l, ok := c.lights[name]
		if !ok || l.State == nil {
			continue
		}
		out += fmt.Sprintf("%s=%t/%d/%d/%d/%t;", name, l.State.On, l.State.Bri, l.State.Hue, l.State.Sat, l.State.Reachable)
	}
	return out
}

func (c *Controller) lookup(id string) (huego.Light, error) {
	c.mu.RLock()
	l, ok := c.lights[id]
	c.mu.RUnlock()
	if !ok {
		return huego.Light{}, fmt.Errorf("unknown hue light %q", id)
	}
	return l, nil
}

// hueBrightness maps host brightness 0-255 onto the bridge's 1-254 range.
func hueBrightness(b uint8) uint8 {
	v := math.Round(float64(b) / 255 * 254)
	if v < 1 {
		v = 1
	}
	return uint8(v)
}

// transitionTime converts a duration to the bridge's 100ms units.
func transitionTime(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	return uint16(d / (100 * time.Millisecond))
}
