package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/groups"
)

type lightCall struct {
	id         string
	on         bool
	color      color.RGB
	brightness uint8
}

type fakeLights struct {
	mu     sync.Mutex
	colors map[string]color.RGB
	called chan lightCall
}

func newFakeLights() *fakeLights {
	return &fakeLights{
		colors: make(map[string]color.RGB),
		called: make(chan lightCall, 64),
	}
}

func (f *fakeLights) setColor(id string, c color.RGB) {
	f.mu.Lock()
	f.colors[id] = c
	f.mu.Unlock()
}

func (f *fakeLights) GetColor(id string) (color.RGB, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.colors[id]
	return c, ok
}

func (f *fakeLights) TurnOn(_ context.Context, id string, c color.RGB, brightness uint8, _ time.Duration) error {
	f.called <- lightCall{id: id, on: true, color: c, brightness: brightness}
	return nil
}

func (f *fakeLights) TurnOff(_ context.Context, id string, _ time.Duration) error {
	f.called <- lightCall{id: id}
	return nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePub struct {
	out chan published
}

func newFakePub() *fakePub {
	return &fakePub{out: make(chan published, 64)}
}

func (f *fakePub) Publish(topic string, payload []byte) error {
	f.out <- published{topic: topic, payload: payload}
	return nil
}

type fakeSub struct {
	mu      sync.Mutex
	topic   string
	handler func(topic string, payload []byte)
}

func (f *fakeSub) Subscribe(topic string, handler func(topic string, payload []byte)) (func(), error) {
	f.mu.Lock()
	f.topic = topic
	f.handler = handler
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeSub) deliver(t *testing.T, payload []byte) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	require.NotNil(t, h, "no frame subscription registered")
	h(f.topic, payload)
}

type fakeWatcher struct {
	mu  sync.Mutex
	ids []string
	fn  func()
}

func (f *fakeWatcher) Watch(ids []string, fn func()) (func(), error) {
	f.mu.Lock()
	f.ids = ids
	f.fn = fn
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeWatcher) trigger() {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func waitLightCall(t *testing.T, f *fakeLights) lightCall {
	t.Helper()
	select {
	case c := <-f.called:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a light command")
		return lightCall{}
	}
}

func assertNoLightCall(t *testing.T, f *fakeLights) {
	t.Helper()
	select {
	case c := <-f.called:
		t.Fatalf("unexpected light command for %q", c.id)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitPublish(t *testing.T, f *fakePub) published {
	t.Helper()
	select {
	case p := <-f.out:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a publish")
		return published{}
	}
}

func listenConfig(gs ...groups.Group) Config {
	return Config{
		Name:             "test-device",
		Mode:             ModeListen,
		CommandTopic:     "monitor/zen/colour",
		LEDInTopic:       "monitor/led/frame",
		LEDOutTopic:      "monitor/led/frame",
		LEDCount:         4,
		BrightnessLevels: 12,
		SyncInterval:     0,
		Calibration:      color.DefaultSettings(),
		Groups:           gs,
	}
}

func startCoordinator(t *testing.T, cfg Config, deps Deps) *Coordinator {
	t.Helper()
	deps.Logger = zerolog.Nop()
	c := New(cfg, deps)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func TestListen_AggregatesAndCommandsGroup(t *testing.T) {
	fl := newFakeLights()
	fp := newFakePub()
	sub := &fakeSub{}
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a", "light.b"},
		LEDIndices: []int{0, 1},
		Strategy:   groups.StrategyAverage,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: fp, Subscriber: sub})

	assert.Equal(t, "monitor/led/frame", sub.topic)
	assert.NotEmpty(t, c.ID())

	// LED0 red, LED1 green, the rest untouched.
	sub.deliver(t, []byte{255, 0, 0, 0, 255, 0, 0, 0, 0, 0, 0, 0})

	want := color.RGB{R: 128, G: 128, B: 0}
	got := map[string]lightCall{}
	for i := 0; i < 2; i++ {
		call := waitLightCall(t, fl)
		got[call.id] = call
	}
	require.Len(t, got, 2)
	for _, id := range []string{"light.a", "light.b"} {
		call, ok := got[id]
		require.True(t, ok, "no command for %q", id)
		assert.True(t, call.on)
		assert.Equal(t, want, call.color)
		assert.Equal(t, uint8(128), call.brightness)
	}

	gc, ok := c.GroupColor(0)
	require.True(t, ok)
	assert.Equal(t, want, gc)
	gb, ok := c.GroupBrightness(0)
	require.True(t, ok)
	assert.Equal(t, uint8(128), gb)

	f := c.Frame()
	require.NotNil(t, f)
	assert.Equal(t, 4, f.LEDCount())
}

func TestListen_CalibrationAppliedAfterAggregation(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0, 1},
		Strategy:   groups.StrategyAverage,
	})
	cfg.Calibration.TemperatureShift = 1.0
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	// Average of (100,100,100) and (100,100,100) warmed fully: red doubles,
	// blue drops to zero.
	c.HandleFrame([]byte{100, 100, 100, 100, 100, 100, 0, 0, 0, 0, 0, 0})

	call := waitLightCall(t, fl)
	assert.Equal(t, color.RGB{R: 200, G: 100, B: 0}, call.color)
}

func TestListen_MalformedFrameDropped(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.HandleFrame([]byte{1, 2})
	c.HandleFrame(nil)

	assert.Nil(t, c.Frame())
	assertNoLightCall(t, fl)
	_, ok := c.GroupColor(0)
	assert.False(t, ok)
}

func TestListen_OutOfRangeIndicesMeanUnknown(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "offscreen",
		Entities:   []string{"light.a"},
		LEDIndices: []int{10, 11},
		Strategy:   groups.StrategyAverage,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.HandleFrame([]byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 10, 10, 10})

	assertNoLightCall(t, fl)
	_, ok := c.GroupColor(0)
	assert.False(t, ok)
}

func TestListen_OneToOnePairsPositionally(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "strip",
		Entities:   []string{"light.a", "light.b", "light.c"},
		LEDIndices: []int{0, 1},
		Strategy:   groups.StrategyOneToOne,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.HandleFrame([]byte{255, 0, 0, 0, 0, 255, 9, 9, 9, 9, 9, 9})

	got := map[string]lightCall{}
	for i := 0; i < 2; i++ {
		call := waitLightCall(t, fl)
		got[call.id] = call
	}
	assert.Equal(t, color.RGB{R: 255}, got["light.a"].color)
	assert.Equal(t, color.RGB{B: 255}, got["light.b"].color)
	// The third entity has no paired LED and is never commanded.
	_, commanded := got["light.c"]
	assert.False(t, commanded)
	assertNoLightCall(t, fl)

	// Displayed group color is the average of the paired colors.
	gc, ok := c.GroupColor(0)
	require.True(t, ok)
	assert.Equal(t, color.RGB{R: 128, G: 0, B: 128}, gc)
}

func TestListen_PerGroupThrottle(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	cfg.SyncInterval = time.Hour
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.HandleFrame([]byte{255, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	call := waitLightCall(t, fl)
	assert.Equal(t, color.RGB{R: 255}, call.color)

	// A second frame inside the interval updates the displayed state but
	// issues no further commands.
	c.HandleFrame([]byte{0, 255, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assertNoLightCall(t, fl)

	gc, ok := c.GroupColor(0)
	require.True(t, ok)
	assert.Equal(t, color.RGB{G: 255}, gc)
}

func TestBroadcast_DebouncesBursts(t *testing.T) {
	fl := newFakeLights()
	fl.setColor("light.a", color.RGB{R: 255})
	fl.setColor("light.b", color.RGB{B: 255})
	fp := newFakePub()
	watcher := &fakeWatcher{}

	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a", "light.b"},
		LEDIndices: []int{0, 1},
		Strategy:   groups.StrategyAverage,
	})
	cfg.Mode = ModeBroadcast
	cfg.LEDCount = 3
	cfg.LEDOutTopic = "monitor/led/out"
	cfg.SyncInterval = 60 * time.Millisecond
	startCoordinator(t, cfg, Deps{Lights: fl, Publisher: fp, Watcher: watcher})

	assert.ElementsMatch(t, []string{"light.a", "light.b"}, watcher.ids)

	for i := 0; i < 10; i++ {
		watcher.trigger()
	}

	p := waitPublish(t, fp)
	assert.Equal(t, "monitor/led/out", p.topic)
	// Average of red and blue written to both claimed positions, third
	// position untouched.
	assert.Equal(t, []byte{128, 0, 128, 128, 0, 128, 0, 0, 0}, p.payload)

	// The burst collapses into exactly one publish.
	select {
	case <-fp.out:
		t.Fatal("burst produced more than one publish")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBroadcast_StopInsideDebounceWindowSuppressesPublish(t *testing.T) {
	fl := newFakeLights()
	fl.setColor("light.a", color.RGB{R: 255})
	fp := newFakePub()
	watcher := &fakeWatcher{}

	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	cfg.Mode = ModeBroadcast
	cfg.LEDCount = 1
	cfg.LEDOutTopic = "monitor/led/out"
	cfg.SyncInterval = 200 * time.Millisecond
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: fp, Watcher: watcher})

	// Stop lands inside the debounce window opened by the trigger.
	watcher.trigger()
	c.Stop()

	select {
	case p := <-fp.out:
		t.Fatalf("published to %q after stop", p.topic)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestBroadcast_OneToOneFramePlacement(t *testing.T) {
	fl := newFakeLights()
	fl.setColor("light.a", color.RGB{R: 200})
	fl.setColor("light.b", color.RGB{G: 150})
	fp := newFakePub()
	watcher := &fakeWatcher{}

	cfg := listenConfig(groups.Group{
		Name:       "strip",
		Entities:   []string{"light.a", "light.b"},
		LEDIndices: []int{0, 2},
		Strategy:   groups.StrategyOneToOne,
	})
	cfg.Mode = ModeBroadcast
	cfg.LEDCount = 4
	cfg.LEDOutTopic = "monitor/led/out"
	cfg.SyncInterval = 20 * time.Millisecond
	startCoordinator(t, cfg, Deps{Lights: fl, Publisher: fp, Watcher: watcher, Subscriber: &fakeSub{}})

	watcher.trigger()

	p := waitPublish(t, fp)
	assert.Equal(t, []byte{200, 0, 0, 0, 0, 0, 0, 150, 0, 0, 0, 0}, p.payload)
}

func TestBroadcast_UnreachableMembersSkipped(t *testing.T) {
	fl := newFakeLights()
	fl.setColor("light.a", color.RGB{R: 100, G: 100, B: 100})
	fp := newFakePub()
	watcher := &fakeWatcher{}

	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a", "light.gone"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	cfg.Mode = ModeBroadcast
	cfg.LEDCount = 1
	cfg.LEDOutTopic = "monitor/led/out"
	cfg.SyncInterval = 20 * time.Millisecond
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: fp, Watcher: watcher, Subscriber: &fakeSub{}})

	watcher.trigger()

	// Only the reachable member contributes to the aggregate.
	p := waitPublish(t, fp)
	assert.Equal(t, []byte{100, 100, 100}, p.payload)

	gc, ok := c.GroupColor(0)
	require.True(t, ok)
	assert.Equal(t, color.RGB{R: 100, G: 100, B: 100}, gc)
}

func TestPublishColor_BareHex(t *testing.T) {
	fp := newFakePub()
	c := startCoordinator(t, listenConfig(), Deps{Publisher: fp, Subscriber: &fakeSub{}})

	require.NoError(t, c.PublishColor(color.RGB{R: 255, G: 136, B: 0}, nil))

	p := waitPublish(t, fp)
	assert.Equal(t, "monitor/zen/colour", p.topic)
	assert.Equal(t, "ff8800", string(p.payload))

	rgb, level, ok := c.LastCommand()
	require.True(t, ok)
	assert.Equal(t, color.RGB{R: 255, G: 136, B: 0}, rgb)
	assert.Equal(t, 0, level)

	_, ok = c.HostBrightness()
	assert.False(t, ok)
}

func TestPublishColor_WithBrightnessLevel(t *testing.T) {
	fp := newFakePub()
	c := startCoordinator(t, listenConfig(), Deps{Publisher: fp, Subscriber: &fakeSub{}})

	bri := uint8(128)
	require.NoError(t, c.PublishColor(color.RGB{R: 255, G: 136, B: 0}, &bri))

	p := waitPublish(t, fp)
	assert.JSONEq(t, `{"colour":"#ff8800","brightness":6}`, string(p.payload))

	_, level, ok := c.LastCommand()
	require.True(t, ok)
	assert.Equal(t, 6, level)

	host, ok := c.HostBrightness()
	require.True(t, ok)
	assert.Equal(t, uint8(128), host)
}

func TestPublishColor_BrightnessLevelBounds(t *testing.T) {
	fp := newFakePub()
	c := startCoordinator(t, listenConfig(), Deps{Publisher: fp, Subscriber: &fakeSub{}})

	full := uint8(255)
	require.NoError(t, c.PublishColor(color.RGB{R: 1}, &full))
	waitPublish(t, fp)
	_, level, _ := c.LastCommand()
	assert.Equal(t, 12, level)

	zero := uint8(0)
	require.NoError(t, c.PublishColor(color.RGB{R: 1}, &zero))
	waitPublish(t, fp)
	_, level, _ = c.LastCommand()
	assert.Equal(t, 1, level, "brightness floors at the lowest level, never 0")
}

func TestTurnOff_PublishesBlack(t *testing.T) {
	fp := newFakePub()
	c := startCoordinator(t, listenConfig(), Deps{Publisher: fp, Subscriber: &fakeSub{}})

	require.NoError(t, c.TurnOff())
	p := waitPublish(t, fp)
	assert.Equal(t, "000000", string(p.payload))
}

func TestSetGroupColorAndTurnOffGroup(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.SetGroupColor(0, color.RGB{R: 10, G: 20, B: 30}, nil)
	call := waitLightCall(t, fl)
	assert.True(t, call.on)
	assert.Equal(t, color.RGB{R: 10, G: 20, B: 30}, call.color)
	assert.Equal(t, uint8(30), call.brightness)

	c.TurnOffGroup(0)
	call = waitLightCall(t, fl)
	assert.False(t, call.on)

	// Commanded off is a known black, not unknown.
	gc, ok := c.GroupColor(0)
	require.True(t, ok)
	assert.Equal(t, color.Black, gc)
	gb, ok := c.GroupBrightness(0)
	require.True(t, ok)
	assert.Equal(t, uint8(0), gb)
}

func TestStop_IsTerminal(t *testing.T) {
	fl := newFakeLights()
	cfg := listenConfig(groups.Group{
		Name:       "desk",
		Entities:   []string{"light.a"},
		LEDIndices: []int{0},
		Strategy:   groups.StrategyAverage,
	})
	c := startCoordinator(t, cfg, Deps{Lights: fl, Publisher: newFakePub(), Subscriber: &fakeSub{}})

	c.Stop()
	c.Stop()

	c.HandleFrame([]byte{255, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Nil(t, c.Frame())
	assertNoLightCall(t, fl)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

func TestStart_Validation(t *testing.T) {
	g := groups.Group{Name: "desk", Entities: []string{"light.a"}, LEDIndices: []int{0}, Strategy: groups.StrategyAverage}

	noLights := New(listenConfig(g), Deps{Publisher: newFakePub(), Logger: zerolog.Nop()})
	require.Error(t, noLights.Start(context.Background()))

	noPub := New(listenConfig(), Deps{Logger: zerolog.Nop()})
	require.Error(t, noPub.Start(context.Background()))

	running := New(listenConfig(), Deps{Publisher: newFakePub(), Logger: zerolog.Nop()})
	require.NoError(t, running.Start(context.Background()))
	defer running.Stop()
	require.Error(t, running.Start(context.Background()))
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeListen, ParseMode("listen"))
	assert.Equal(t, ModeBroadcast, ParseMode("broadcast"))
	assert.Equal(t, ModeBroadcast, ParseMode(" Broadcast "))
	assert.Equal(t, ModeListen, ParseMode(""))
	assert.Equal(t, ModeListen, ParseMode("anything"))
}
