package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"
)

// Config is read from an optional YAML file, then overridden by the
// environment.
type Config struct {
	LogLevel string        `yaml:"log_level" env:"MEDIAPLANE_LOG_LEVEL" env-default:"info" env-description:"logrus level"`
	Label    string        `yaml:"label" env:"MEDIAPLANE_LABEL" env-default:"echo" env-description:"data channel label"`
	Messages int           `yaml:"messages" env:"MEDIAPLANE_MESSAGES" env-default:"5" env-description:"messages to echo"`
	Media    bool          `yaml:"media" env:"MEDIAPLANE_MEDIA" env-default:"true" env-description:"also send RTP and RTCP"`
	Timeout  time.Duration `yaml:"timeout" env:"MEDIAPLANE_TIMEOUT" env-default:"30s" env-description:"connect and echo deadline"`

	ICEPortMin uint16 `yaml:"ice_port_min" env:"MEDIAPLANE_ICE_PORT_MIN" env-description:"lowest host candidate port"`
	ICEPortMax uint16 `yaml:"ice_port_max" env:"MEDIAPLANE_ICE_PORT_MAX" env-description:"highest host candidate port"`

	// MetricsAddr serves /metrics while the run lasts when set.
	MetricsAddr string `yaml:"metrics_addr" env:"MEDIAPLANE_METRICS_ADDR" env-description:"prometheus listen address"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Messages < 1 {
		return fmt.Errorf("messages must be positive, got %d", c.Messages)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.ICEPortMax != 0 && c.ICEPortMin > c.ICEPortMax {
		return fmt.Errorf("ice_port_min %d above ice_port_max %d", c.ICEPortMin, c.ICEPortMax)
	}
	return nil
}
