package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/ledsyncd/internal/color"
	"github.com/dokzlo13/ledsyncd/internal/config"
	"github.com/dokzlo13/ledsyncd/internal/coordinator"
	"github.com/dokzlo13/ledsyncd/internal/db"
	"github.com/dokzlo13/ledsyncd/internal/groups"
	"github.com/dokzlo13/ledsyncd/internal/lights"
	hue "github.com/dokzlo13/ledsyncd/internal/lights/hue"
	"github.com/dokzlo13/ledsyncd/internal/mqtt"
	"github.com/dokzlo13/ledsyncd/internal/notify"
	"github.com/dokzlo13/ledsyncd/internal/storage"
)

// Services is a container for all application services. It manages
// initialization order and dependencies.
type Services struct {
	cfg *config.Config

	DB    *db.DB
	Store *storage.Store
	MQTT  *mqtt.Client
	Hue   *hue.Controller

	Coordinators []*coordinator.Coordinator
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Store = storage.NewStore(database.DB)
	}

	s.MQTT = mqtt.NewClient(cfg.MQTT, log.With().Str("component", "mqtt").Logger())

	if cfg.Hue.Bridge != "" {
		s.Hue = hue.New(
			cfg.Hue.Bridge,
			cfg.Hue.Token,
			cfg.Hue.RateLimitRPS,
			cfg.Hue.PollInterval.Duration(),
			log.With().Str("component", "hue").Logger(),
		)
	}

	for _, dev := range cfg.Devices {
		coordCfg, err := buildCoordinatorConfig(dev)
		if err != nil {
			s.Close()
			return nil, err
		}

		var ctrl lights.Controller
		var watcher lights.Watcher
		if s.Hue != nil {
			ctrl = s.Hue
			watcher = s.Hue
		}
		if len(coordCfg.Groups) > 0 && ctrl == nil {
			s.Close()
			return nil, fmt.Errorf("device %q has light groups but no hue bridge is configured", coordCfg.Name)
		}

		deps := coordinator.Deps{
			Lights:     ctrl,
			Watcher:    watcher,
			Publisher:  s.MQTT,
			Subscriber: s.MQTT,
			Store:      s.Store,
			Bus:        notify.NewWithConfig(cfg.Notify.Workers, cfg.Notify.QueueSize),
			Logger:     log.Logger,
		}
		s.Coordinators = append(s.Coordinators, coordinator.New(coordCfg, deps))
	}

	return s, nil
}

// Start starts all services in dependency order: transport first, then the
// light integration, then every coordinator.
func (s *Services) Start(ctx context.Context) error {
	if err := s.MQTT.Connect(); err != nil {
		return err
	}
	if s.Hue != nil {
		if err := s.Hue.Connect(ctx); err != nil {
			return err
		}
	}
	for _, c := range s.Coordinators {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts everything down in reverse order.
func (s *Services) Stop() error {
	for _, c := range s.Coordinators {
		c.Stop()
	}

	timeout := s.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, c := range s.Coordinators {
		c.Bus().Close(ctx)
	}

	if s.MQTT != nil {
		s.MQTT.Disconnect(uint(250))
	}
	return s.Close()
}

// Close releases resources; safe to call on a partially constructed
// container.
func (s *Services) Close() error {
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			return err
		}
		s.DB = nil
	}
	return nil
}

// buildCoordinatorConfig turns a raw device entry into the coordinator's
// validated immutable snapshot.
func buildCoordinatorConfig(dev config.DeviceConfig) (coordinator.Config, error) {
	validated := groups.Normalize(dev.Groups)
	if dropped := len(dev.Groups) - len(validated); dropped > 0 {
		log.Warn().
			Str("device", dev.Name).
			Int("dropped", dropped).
			Msg("Dropped invalid light groups (missing entities or LED indices)")
	}

	frameReadout := true
	if dev.FrameReadout != nil {
		frameReadout = *dev.FrameReadout
	}

	var syncInterval time.Duration
	if dev.SyncInterval != nil {
		syncInterval = dev.SyncInterval.Duration()
	}

	return coordinator.Config{
		Name:             dev.Name,
		Mode:             coordinator.ParseMode(dev.Mode),
		CommandTopic:     dev.CommandTopic,
		LEDInTopic:       dev.LEDInTopic,
		LEDOutTopic:      dev.LEDOutTopic,
		LEDCount:         dev.LEDCount,
		BrightnessLevels: dev.BrightnessLevels,
		SyncInterval:     syncInterval,
		CommandSpacing:   dev.CommandSpacing.Duration(),
		Transition:       dev.Transition.Duration(),
		FrameReadout:     frameReadout,
		Calibration:      buildCalibration(dev.Calibration),
		Groups:           validated,
	}, nil
}

func buildCalibration(raw config.CalibrationConfig) color.Settings {
	s := color.DefaultSettings()
	s.BrightnessCutoff = clampChannelInt(raw.BrightnessCutoff)
	s.CutoffRed = clampChannelInt(raw.CutoffRed)
	s.CutoffGreen = clampChannelInt(raw.CutoffGreen)
	s.CutoffBlue = clampChannelInt(raw.CutoffBlue)
	if raw.BrightnessGain != nil && *raw.BrightnessGain >= 0 {
		s.BrightnessGain = *raw.BrightnessGain
	}
	if raw.SaturationGain != nil && *raw.SaturationGain >= 0 {
		s.SaturationGain = *raw.SaturationGain
	}
	s.TemperatureShift = color.ClampFloat(raw.TemperatureShift, -1, 1)
	return s
}

func clampChannelInt(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
