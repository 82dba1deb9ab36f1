package server

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Listen      string  `yaml:"listen"`
	Root        string  `yaml:"root"`
	AuthRealm   string  `yaml:"auth_realm"`
	Language    string  `yaml:"language"`
	MaxSourceMB int     `yaml:"max_source_mb"`
	EventsDB    string  `yaml:"events_db"` // empty disables event recording
	TLSCert     string  `yaml:"tls_cert"`
	TLSKey      string  `yaml:"tls_key"`
	RateRPS     float64 `yaml:"rate_rps"`
	RateBurst   int     `yaml:"rate_burst"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8181"
	}
	if c.Root == "" {
		c.Root = "content"
	}
	if c.AuthRealm == "" {
		c.AuthRealm = "Litepub"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.MaxSourceMB <= 0 {
		c.MaxSourceMB = 32
	}
	if c.RateRPS <= 0 {
		c.RateRPS = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
