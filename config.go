// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes the environment variables read by ApplyEnv.
const DefaultEnvPrefix = "STREAMHTTP_"

// Config holds the settings of a Server.
type Config struct {
	// Name is the local owner name; inbound channels live below it.
	Name string `yaml:"name" mapstructure:"name"`
	// StreamsCapacity is the size in bytes of every streams ring, a power of two.
	StreamsCapacity int `yaml:"streams_capacity" mapstructure:"streams_capacity"`
	// ThrottleCapacity is the size in bytes of every throttle ring, a power of two.
	ThrottleCapacity int `yaml:"throttle_capacity" mapstructure:"throttle_capacity"`
	// Workers is the number of polling goroutines.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// NetLog enables per-frame debug logging.
	NetLog bool `yaml:"net_log" mapstructure:"net_log"`
	// RelayInitialWindow relays the first Window after Begin upstream and
	// skips the second, instead of skipping the first.
	RelayInitialWindow bool `yaml:"relay_initial_window" mapstructure:"relay_initial_window"`

	IdleMaxSpins  int           `yaml:"idle_max_spins" mapstructure:"idle_max_spins"`
	IdleMaxYields int           `yaml:"idle_max_yields" mapstructure:"idle_max_yields"`
	IdleMinPark   time.Duration `yaml:"idle_min_park" mapstructure:"idle_min_park"`
	IdleMaxPark   time.Duration `yaml:"idle_max_park" mapstructure:"idle_max_park"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Name:             DefaultName,
		StreamsCapacity:  DefaultStreamsCapacity,
		ThrottleCapacity: DefaultThrottleCapacity,
		Workers:          1,
		IdleMaxSpins:     100,
		IdleMaxYields:    10,
		IdleMinPark:      time.Microsecond,
		IdleMaxPark:      time.Millisecond,
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks that the settings are usable.
func (cfg Config) Validate() error {
	switch {
	case cfg.Name == "":
		return errors.New("config: empty name")
	case strings.ContainsAny(cfg.Name, "/"+SourceSeparator):
		return errors.Errorf("config: name %q may not contain '/' or %q", cfg.Name, SourceSeparator)
	case cfg.StreamsCapacity < MinStreamsCapacity || !isPowerOfTwo(cfg.StreamsCapacity):
		return errors.Errorf("config: streams_capacity %d must be a power of two >= %d", cfg.StreamsCapacity, MinStreamsCapacity)
	case cfg.ThrottleCapacity < MinThrottleCapacity || !isPowerOfTwo(cfg.ThrottleCapacity):
		return errors.Errorf("config: throttle_capacity %d must be a power of two >= %d", cfg.ThrottleCapacity, MinThrottleCapacity)
	case cfg.Workers < 1:
		return errors.Errorf("config: workers %d < 1", cfg.Workers)
	case cfg.IdleMaxSpins < 0 || cfg.IdleMaxYields < 0:
		return errors.New("config: negative idle spins or yields")
	case cfg.IdleMinPark <= 0 || cfg.IdleMaxPark < cfg.IdleMinPark:
		return errors.Errorf("config: idle park range %v..%v", cfg.IdleMinPark, cfg.IdleMaxPark)
	}
	return nil
}

// MaxMessageLength returns the largest frame the streams rings accept.
func (cfg Config) MaxMessageLength() int {
	return MaxMessageLength(cfg.StreamsCapacity)
}

// MaxThrottleMessageLength returns the largest frame the throttle rings accept.
func (cfg Config) MaxThrottleMessageLength() int {
	return MaxMessageLength(cfg.ThrottleCapacity)
}

// LoadConfig reads a YAML file over the default settings.
func LoadConfig(path string) (cfg Config, err error) {
	cfg = DefaultConfig()
	var b []byte
	if b, err = os.ReadFile(path); err == nil {
		if err = yaml.Unmarshal(b, &cfg); err == nil {
			err = cfg.Validate()
		}
	}
	err = errors.Wrap(err, path)
	return
}

// ApplyEnv overrides settings from environment entries of the form
// PREFIX_FIELD_NAME=value, for example STREAMHTTP_WORKERS=4.
func (cfg *Config) ApplyEnv(environ []string, prefix string) error {
	values := make(map[string]interface{})
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		if k, v, ok := strings.Cut(kv[len(prefix):], "="); ok && k != "" {
			values[strings.ToLower(k)] = v
		}
	}
	if len(values) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err == nil {
		err = dec.Decode(values)
	}
	return errors.Wrap(err, "config: environment")
}
