package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir = "/etc/depassivation"
	FileName         = "depassivation"
	FileType         = "toml"
	EnvPrefix        = "DEPASS"
)

type Serial struct {
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read-timeout"`
}

type Database struct {
	Path string `mapstructure:"path"`
}

// Test holds the operator's test settings. Durations are whole seconds.
type Test struct {
	PassFailVoltage       float64 `mapstructure:"pass-fail-voltage"`
	BaselineDuration      int     `mapstructure:"baseline-duration"`
	DepassivationDuration int     `mapstructure:"depassivation-duration"`
	RestDuration          int     `mapstructure:"rest-duration"`
	LastBattery           string  `mapstructure:"last-battery"`
}

// Profile is a named duration and threshold used to pre-fill a test.
type Profile struct {
	Duration int     `mapstructure:"duration"`
	Voltage  float64 `mapstructure:"voltage"`
}

type Config struct {
	Serial   Serial             `mapstructure:"serial"`
	Database Database           `mapstructure:"database"`
	Test     Test               `mapstructure:"test"`
	Profiles map[string]Profile `mapstructure:"profiles"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.read-timeout", time.Second)
	v.SetDefault("database.path", "depassivation_history.db")
	v.SetDefault("test.pass-fail-voltage", 3.2)
	v.SetDefault("test.baseline-duration", 10)
	v.SetDefault("test.depassivation-duration", 60)
	v.SetDefault("test.rest-duration", 300)
	v.SetDefault("test.last-battery", "")
}

// Path is the config file inside configDir.
func Path(configDir string) string {
	return filepath.Join(configDir, FileName+"."+FileType)
}

// Load reads depassivation.toml from configDir. A missing file gives the
// defaults; environment variables such as DEPASS_SERIAL_PORT override both.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(Path(configDir))
	v.SetConfigType(FileType)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}
	if c.Serial.Baud <= 0 {
		return errors.New("serial.baud must be positive")
	}
	if c.Test.BaselineDuration <= 0 || c.Test.DepassivationDuration <= 0 {
		return errors.New("test durations must be positive")
	}
	if c.Test.RestDuration < 0 {
		return errors.New("test.rest-duration cannot be negative")
	}
	if math.IsNaN(c.Test.PassFailVoltage) || math.IsInf(c.Test.PassFailVoltage, 0) {
		return errors.New("test.pass-fail-voltage must be a number")
	}
	for name, p := range c.Profiles {
		if p.Duration <= 0 {
			return fmt.Errorf("profile '%s' needs a positive duration", name)
		}
	}
	return nil
}

// DurationFor is the configured duration of a phase in seconds. The check
// runs for as long as the baseline.
func (c *Config) DurationFor(p history.Phase) int {
	if p == history.PhaseDepassivation {
		return c.Test.DepassivationDuration
	}
	return c.Test.BaselineDuration
}

func (c *Config) Rest() time.Duration {
	return time.Duration(c.Test.RestDuration) * time.Second
}

func (c *Config) Profile(name string) (Profile, bool) {
	p, ok := c.Profiles[strings.ToLower(name)]
	return p, ok
}

// ProfileNames in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) SetProfile(name string, p Profile) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("profile name cannot be empty")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("profile '%s' needs a positive duration", name)
	}
	c.Profiles[name] = p
	return nil
}

func (c *Config) DeleteProfile(name string) bool {
	name = strings.ToLower(name)
	_, ok := c.Profiles[name]
	delete(c.Profiles, name)
	return ok
}

// Save writes the current values back to depassivation.toml in configDir.
// Environment overrides are written out as they were applied.
func (c *Config) Save(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}
	v := viper.New()
	v.Set("serial.port", c.Serial.Port)
	v.Set("serial.baud", c.Serial.Baud)
	v.Set("serial.read-timeout", c.Serial.ReadTimeout.String())
	v.Set("database.path", c.Database.Path)
	v.Set("test.pass-fail-voltage", c.Test.PassFailVoltage)
	v.Set("test.baseline-duration", c.Test.BaselineDuration)
	v.Set("test.depassivation-duration", c.Test.DepassivationDuration)
	v.Set("test.rest-duration", c.Test.RestDuration)
	v.Set("test.last-battery", c.Test.LastBattery)
	profiles := map[string]any{}
	for name, p := range c.Profiles {
		profiles[name] = map[string]any{"duration": p.Duration, "voltage": p.Voltage}
	}
	v.Set("profiles", profiles)
	return v.WriteConfigAs(Path(configDir))
}
