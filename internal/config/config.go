// Package config loads and validates the ledsyncd configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/ledsyncd/internal/groups"
	"github.com/dokzlo13/ledsyncd/internal/mqtt"
)

// Defaults for per-device settings.
const (
	DefaultCommandTopic     = "monitor/zen/colour"
	DefaultLEDTopic         = "monitor/led/frame"
	DefaultLEDCount         = 48
	DefaultBrightnessLevels = 12
	DefaultSyncInterval     = 100 * time.Millisecond
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig      `yaml:"log"`
	MQTT            mqtt.Config    `yaml:"mqtt"`
	Hue             HueConfig      `yaml:"hue"`
	Database        DatabaseConfig `yaml:"database"`
	Notify          NotifyConfig   `yaml:"notify"`
	Devices         []DeviceConfig `yaml:"devices"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// HueConfig contains Hue bridge connection settings for the shipped light
// integration. Optional: without a bridge only zen/frame topics work.
type HueConfig struct {
	Bridge       string   `yaml:"bridge"`
	Token        string   `yaml:"token"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
	PollInterval Duration `yaml:"poll_interval"`
}

// DatabaseConfig contains state persistence settings. An empty path disables
// persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig sizes the signal delivery worker pool
type NotifyConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// DeviceConfig describes one synchronized LED device and its light groups.
type DeviceConfig struct {
	Name             string              `yaml:"name"`
	Mode             string              `yaml:"mode"` // listen or broadcast
	CommandTopic     string              `yaml:"command_topic"`
	LEDInTopic       string              `yaml:"led_in_topic"`
	LEDOutTopic      string              `yaml:"led_out_topic"`
	LEDCount         int                 `yaml:"led_count"`
	BrightnessLevels int                 `yaml:"brightness_levels"`
	SyncInterval     *Duration           `yaml:"sync_interval"`
	CommandSpacing   Duration            `yaml:"command_spacing"`
	Transition       Duration            `yaml:"transition"`
	FrameReadout     *bool               `yaml:"frame_readout"`
	Calibration      CalibrationConfig   `yaml:"calibration"`
	Groups           []groups.Definition `yaml:"groups"`
}

// CalibrationConfig holds the raw calibration knobs. Gains are pointers so
// "unset" defaults to 1.0 while an explicit 0 stays 0.
type CalibrationConfig struct {
	BrightnessCutoff int      `yaml:"brightness_cutoff"`
	CutoffRed        int      `yaml:"cutoff_red"`
	CutoffGreen      int      `yaml:"cutoff_green"`
	CutoffBlue       int      `yaml:"cutoff_blue"`
	BrightnessGain   *float64 `yaml:"brightness_gain"`
	SaturationGain   *float64 `yaml:"saturation_gain"`
	TemperatureShift float64  `yaml:"temperature_shift"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(10 * time.Second)
	}
	for i := range c.Devices {
		c.Devices[i].applyDefaults(i)
	}
}

func (d *DeviceConfig) applyDefaults(index int) {
	if d.Name == "" {
		d.Name = fmt.Sprintf("device-%d", index+1)
	}
	if d.CommandTopic == "" {
		d.CommandTopic = DefaultCommandTopic
	}
	if d.LEDInTopic == "" {
		d.LEDInTopic = DefaultLEDTopic
	}
	if d.LEDOutTopic == "" {
		d.LEDOutTopic = DefaultLEDTopic
	}
	if d.LEDCount <= 0 {
		d.LEDCount = DefaultLEDCount
	}
	if d.BrightnessLevels <= 0 {
		d.BrightnessLevels = DefaultBrightnessLevels
	}
	if d.SyncInterval == nil {
		v := Duration(DefaultSyncInterval)
		d.SyncInterval = &v
	}
}

// envVarPattern matches ${VAR_NAME} style references
var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars replaces ${VAR} references with environment values, leaving
// unset variables untouched so errors surface close to their cause.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
