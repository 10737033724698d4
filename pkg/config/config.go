package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/matrix-org/duet/pkg/call"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/telemetry"
	"github.com/matrix-org/duet/pkg/ui"
	"github.com/matrix-org/duet/pkg/watcher"
	"github.com/matrix-org/duet/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Client configuration.
type Config struct {
	// Who we are.
	Identity Identity `yaml:"identity"`
	// Signaling transport and the bus behind it.
	Signaling signaling.Config `yaml:"signaling"`
	// Where the call records are kept.
	Store store.Config `yaml:"store"`
	// Peer connection configuration (STUN servers, ICE timeouts).
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// Call session configuration.
	Call call.Config `yaml:"call"`
	// Local camera and microphone.
	Media Media `yaml:"media"`
	// Incoming call configuration.
	Watcher watcher.Config `yaml:"watcher"`
	// Display names of the companies, by id.
	Directory watcher.StaticDirectory `yaml:"directory"`
	// The UI surface.
	HTTP ui.Config `yaml:"http"`
	// Tracing is disabled unless an exporter is configured.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

type Identity struct {
	CompanyID string `yaml:"companyId"`
}

type Media struct {
	// Either `synthetic` (silence and filler frames) or `capture` (needs the mediadevices build tag).
	Device string `yaml:"device"`
	// Defaults to audio and 720p video.
	Constraints *media.Constraints `yaml:"constraints"`
}

const (
	DeviceSynthetic = "synthetic"
	DeviceCapture   = "capture"
)

var (
	// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
	ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")
	ErrInvalidConfig  = errors.New("invalid config values")
)

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML or if the values are invalid.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Media.Device == "" {
		c.Media.Device = DeviceSynthetic
	}

	if c.Media.Constraints == nil {
		constraints := media.DefaultConstraints()
		c.Media.Constraints = &constraints
	}

	if c.Store.DSN == "" && (c.Store.Driver == "" || c.Store.Driver == "sqlite") {
		c.Store.DSN = "duet.db"
	}

	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = webrtc_ext.DefaultSTUNServers
	}

	if c.Directory == nil {
		c.Directory = watcher.StaticDirectory{}
	}
}

func (c *Config) validate() error {
	switch {
	case c.Identity.CompanyID == "":
		return fmt.Errorf("%w: identity.companyId is required", ErrInvalidConfig)
	case c.Media.Device != DeviceSynthetic && c.Media.Device != DeviceCapture:
		return fmt.Errorf("%w: unknown media device %q", ErrInvalidConfig, c.Media.Device)
	case !c.Media.Constraints.Audio && !c.Media.Constraints.Video:
		return fmt.Errorf("%w: at least one of audio and video must be requested", ErrInvalidConfig)
	case c.Call.StoreRetryTimeout < 0 || c.Watcher.RingTimeout < 0 || c.Watcher.DirectoryTimeout < 0:
		return fmt.Errorf("%w: timeouts can't be negative", ErrInvalidConfig)
	case c.Store.Driver == "postgres" && c.Store.DSN == "":
		return fmt.Errorf("%w: the postgres store needs a dsn", ErrInvalidConfig)
	}

	return nil
}

// The level to log at, `info` if unset or unknown.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return level
}
