// Package coordinator owns the two-way sync between one multi-zone LED
// device and its mapped smart lights: frame ingestion, group aggregation,
// calibration, throttled command dispatch and debounced broadcast
// publication.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/dispatch"
	"github.com/dokzlo13/ledsyncd/internal/frame"
	"github.com/dokzlo13/ledsyncd/internal/groups"
	"github.com/dokzlo13/ledsyncd/internal/lights"
	"github.com/dokzlo13/ledsyncd/internal/notify"
	"github.com/dokzlo13/ledsyncd/internal/storage"
)

// Mode selects the sync direction, fixed for the coordinator's lifetime.
type Mode string

const (
	// ModeListen ingests LED frames and drives the lights.
	ModeListen Mode = "listen"
	// ModeBroadcast watches the lights and republishes a synthetic frame.
	ModeBroadcast Mode = "broadcast"
)

// ParseMode maps a raw config value to a Mode, defaulting to listen.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeBroadcast {
		return ModeBroadcast
	}
	return ModeListen
}

// Publisher sends payloads to the outbound topics.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber delivers inbound frame payloads. The returned unsubscribe
// function must be idempotent.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) (func(), error)
}

// Config is the immutable snapshot a coordinator runs on. A configuration
// change means stopping the coordinator and constructing a new one.
type Config struct {
	Name             string
	Mode             Mode
	CommandTopic     string
	LEDInTopic       string
	LEDOutTopic      string
	LEDCount         int
	BrightnessLevels int
	SyncInterval     time.Duration
	CommandSpacing   time.Duration
	Transition       time.Duration
	FrameReadout     bool
	Calibration      color.Settings
	Groups           []groups.Group
}

func (cfg *Config) normalize() {
	if cfg.LEDCount < 1 {
		cfg.LEDCount = 1
	}
	if cfg.BrightnessLevels < 1 {
		cfg.BrightnessLevels = 1
	}
	if cfg.SyncInterval < 0 {
		cfg.SyncInterval = 0
	}
	if cfg.CommandSpacing < 0 {
		cfg.CommandSpacing = 0
	}
	if cfg.Transition < 0 {
		cfg.Transition = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeListen
	}
}

// Deps are the external collaborators a coordinator is wired to. Lights is
// required only when groups are configured; Watcher and Store are optional.
type Deps struct {
	Lights     lights.Controller
	Watcher    lights.Watcher
	Publisher  Publisher
	Subscriber Subscriber
	Store      *storage.Store
	Bus        *notify.Bus
	Logger     zerolog.Logger
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// groupOutput is a group's last aggregated+calibrated color. ok=false means
// the group currently has no resolvable input, which is distinct from a
// commanded black.
type groupOutput struct {
	color      color.RGB
	brightness uint8
	ok         bool
}

// Coordinator orchestrates one device. All exported methods are safe for
// concurrent use.
type Coordinator struct {
	cfg Config
	id  string
	log zerolog.Logger

	lights  lights.Controller
	watcher lights.Watcher
	pub     Publisher
	sub     Subscriber
	store   *storage.Store
	bus     *notify.Bus
	disp    *dispatch.Dispatcher

	mu               sync.Mutex
	state            lifecycle
	frame            *frame.Frame
	groupOut         []groupOutput
	lastListen       []time.Time
	lastBroadcast    time.Time
	lastGroupsSignal time.Time
	broadcastPending bool

	lastCmdColor color.RGB
	lastCmdLevel int
	hasLastCmd   bool

	unsubFrame func()
	unsubWatch func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// New builds a coordinator from a validated config snapshot. Call Start to
// begin processing.
func New(cfg Config, deps Deps) *Coordinator {
	cfg.normalize()
	bus := deps.Bus
	if bus == nil {
		bus = notify.New()
	}
	id := uuid.NewString()
	return &Coordinator{
		cfg:     cfg,
		id:      id,
		log:     deps.Logger.With().Str("device", cfg.Name).Str("coordinator", id).Logger(),
		lights:  deps.Lights,
		watcher: deps.Watcher,
		pub:     deps.Publisher,
		sub:     deps.Subscriber,
		store:   deps.Store,
		bus:     bus,
	}
}

// Start subscribes to the inbound topic and, in broadcast mode, to light
// state changes. A coordinator runs at most once; after Stop it cannot be
// restarted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		return fmt.Errorf("coordinator %q already running", c.cfg.Name)
	case stateStopped:
		c.mu.Unlock()
		return fmt.Errorf("coordinator %q is stopped; construct a new one", c.cfg.Name)
	}
	if len(c.cfg.Groups) > 0 && c.lights == nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator %q has light groups but no light controller", c.cfg.Name)
	}
	if c.pub == nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator %q has no publisher", c.cfg.Name)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.groupOut = make([]groupOutput, len(c.cfg.Groups))
	c.lastListen = make([]time.Time, len(c.cfg.Groups))
	// Anchor the debounce window at startup so the first external state
	// change cannot trigger an instant publish.
	c.lastBroadcast = time.Now()
	if c.lights != nil {
		c.disp = dispatch.New(c.lights, c.cfg.CommandSpacing, c.log)
	}
	c.restoreLocked()

	if topic := c.frameTopic(); topic != "" && c.sub != nil {
		unsub, err := c.sub.Subscribe(topic, func(_ string, payload []byte) {
			c.HandleFrame(payload)
		})
		if err != nil {
			c.teardownLocked()
			c.mu.Unlock()
			return err
		}
		c.unsubFrame = unsub
	}

	broadcastActive := c.cfg.Mode == ModeBroadcast && len(c.cfg.Groups) > 0
	if broadcastActive && c.watcher != nil {
		unsub, err := c.watcher.Watch(c.memberIDs(), c.notifyLightStateChanged)
		if err != nil {
			if c.unsubFrame != nil {
				c.unsubFrame()
				c.unsubFrame = nil
			}
			c.teardownLocked()
			c.mu.Unlock()
			return err
		}
		c.unsubWatch = unsub
	}

	c.state = stateRunning
	c.mu.Unlock()

	if broadcastActive {
		// One immediate state sync so listeners see real colors right away.
		c.refreshGroupStates()
		c.mu.Lock()
		c.dispatchGroupsSignalLocked(time.Now(), true)
		c.mu.Unlock()
	}

	c.log.Info().
		Str("mode", string(c.cfg.Mode)).
		Int("led_count", c.cfg.LEDCount).
		Int("groups", len(c.cfg.Groups)).
		Msg("Coordinator started")
	return nil
}

// Stop unsubscribes, cancels the debounce task and the dispatch worker
// (pending commands are discarded, not sent) and drops frame and group
// state. Stopped is terminal.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.state = stateStopped
	unsubFrame, unsubWatch := c.unsubFrame, c.unsubWatch
	c.unsubFrame, c.unsubWatch = nil, nil
	cancel := c.cancel
	disp := c.disp
	c.frame = nil
	c.groupOut = nil
	c.lastListen = nil
	c.mu.Unlock()

	if unsubFrame != nil {
		unsubFrame()
	}
	if unsubWatch != nil {
		unsubWatch()
	}
	if cancel != nil {
		cancel()
	}
	if disp != nil {
		disp.Close()
	}
	c.log.Info().Msg("Coordinator stopped")
}

func (c *Coordinator) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.disp != nil {
		c.disp.Close()
		c.disp = nil
	}
}

// frameTopic is the inbound topic when frame handling is relevant: always in
// listen mode, and for the frame readout when enabled.
func (c *Coordinator) frameTopic() string {
	if c.cfg.Mode == ModeListen || c.cfg.FrameReadout {
		return c.cfg.LEDInTopic
	}
	return ""
}

// memberIDs is the deduplicated set of every group member light.
func (c *Coordinator) memberIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range c.cfg.Groups {
		for _, e := range g.Entities {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

// Bus exposes the notification surface for entity adapters and preview
// renderers.
func (c *Coordinator) Bus() *notify.Bus { return c.bus }

// Name returns the device name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// ID returns the unique instance identifier, fresh for every construction.
func (c *Coordinator) ID() string { return c.id }

// Mode returns the sync direction.
func (c *Coordinator) Mode() Mode { return c.cfg.Mode }

// Config returns a copy of the running configuration snapshot.
func (c *Coordinator) Config() Config { return c.cfg }

// Groups returns the validated group list.
func (c *Coordinator) Groups() []groups.Group { return c.cfg.Groups }

// Frame returns the latest frame, or nil when none has been received.
func (c *Coordinator) Frame() *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// GroupColor returns a group's last known color. ok=false means the group
// has no resolvable value right now.
func (c *Coordinator) GroupColor(i int) (color.RGB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.groupOut) || !c.groupOut[i].ok {
		return color.Black, false
	}
	return c.groupOut[i].color, true
}

// GroupBrightness returns a group's last known derived brightness.
func (c *Coordinator) GroupBrightness(i int) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.groupOut) || !c.groupOut[i].ok {
		return 0, false
	}
	return c.groupOut[i].brightness, true
}

func (c *Coordinator) setGroupOutputLocked(i int, col color.RGB, brightness uint8, ok bool) {
	if i < 0 || i >= len(c.groupOut) {
		return
	}
	if !ok {
		c.groupOut[i] = groupOutput{}
		return
	}
	c.groupOut[i] = groupOutput{color: col, brightness: brightness, ok: true}
}

// dispatchGroupsSignalLocked fires the groups-updated signal, throttled to
// once per sync interval unless forced, and persists the snapshot alongside.
func (c *Coordinator) dispatchGroupsSignalLocked(now time.Time, force bool) {
	if !force && c.cfg.SyncInterval > 0 && now.Sub(c.lastGroupsSignal) < c.cfg.SyncInterval {
		return
	}
	c.lastGroupsSignal = now
	c.bus.Publish(notify.SignalGroupsUpdated)
	c.persistLocked()
}

// restoreLocked loads the persisted snapshot so an assumed-state restart
// presents the previous command and group colors.
func (c *Coordinator) restoreLocked() {
	if c.store == nil {
		return
	}
	st, err := c.store.Load(c.cfg.Name)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to load persisted state")
		return
	}
	if st == nil {
		return
	}
	if st.Command != nil {
		if rgb, ok := color.ParseHex(st.Command.Color); ok {
			c.lastCmdColor = rgb
			c.lastCmdLevel = st.Command.Level
			c.hasLastCmd = true
		}
	}
	if len(st.Groups) == len(c.groupOut) {
		for i, g := range st.Groups {
			if g == nil {
				continue
			}
			if rgb, ok := color.ParseHex(g.Color); ok {
				bri := g.Brightness
				if bri < 0 {
					bri = 0
				}
				if bri > 255 {
					bri = 255
				}
				c.groupOut[i] = groupOutput{color: rgb, brightness: uint8(bri), ok: true}
			}
		}
	}
}

func (c *Coordinator) persistLocked() {
	if c.store == nil {
		return
	}
	st := &storage.DeviceState{}
	if c.hasLastCmd {
		st.Command = &storage.CommandState{Color: c.lastCmdColor.Hex(), Level: c.lastCmdLevel}
	}
	if len(c.groupOut) > 0 {
		st.Groups = make([]*storage.GroupState, len(c.groupOut))
		for i, g := range c.groupOut {
			if !g.ok {
				continue
			}
			st.Groups[i] = &storage.GroupState{Color: g.color.Hex(), Brightness: int(g.brightness)}
		}
	}
	if err := c.store.Save(c.cfg.Name, st); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist state")
	}
}
