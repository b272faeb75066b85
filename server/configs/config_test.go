package configs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func validConfig() *Config {
	cfg := &Config{}
	setDefaultValues(cfg)
	cfg.Terminal.Token = strings.Repeat("a", TokenLength)
	cfg.UI.Token = strings.Repeat("b", TokenLength)
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"PortZero", func(c *Config) { c.Client.Port = 0 }},
		{"PortTooLarge", func(c *Config) { c.Terminal.Port = 70000 }},
		{"ShortToken", func(c *Config) { c.Terminal.Token = "short" }},
		{"NonASCIIToken", func(c *Config) { c.Terminal.Token = strings.Repeat("é", 16) }},
		{"UITokenWhenEnabled", func(c *Config) { c.UI.Enable = true; c.UI.Token = "" }},
		{"UIIntervalZero", func(c *Config) { c.OutputHandler.SendToUI = true; c.OutputHandler.TimeInterval = 0 }},
		{"FilePathMissing", func(c *Config) { c.OutputHandler.SendToFile = true; c.OutputHandler.FilePath = "" }},
		{"BufferTooLarge", func(c *Config) {
			c.OutputHandler.SendToFile = true
			c.OutputHandler.FilePath = "out.log"
			c.OutputHandler.BufferSize = QueueDefaultSize + 1
		}},
		{"RedisWithoutAddress", func(c *Config) { c.OutputHandler.SendToRedis = true }},
		{"WindowZero", func(c *Config) { c.TurnTimeout.ClientResponseTime = 0 }},
		{"CadenceZero", func(c *Config) { c.TurnTimeout.TurnTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"terminal": {"token": "` + strings.Repeat("a", TokenLength) + `", "port": 9001},
		"turnTimeout": {"clientResponseTime": 150}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Terminal.Port != 9001 {
		t.Errorf("terminal port = %d", cfg.Terminal.Port)
	}
	if cfg.TurnTimeout.ClientResponseTime != 150 {
		t.Errorf("clientResponseTime = %d", cfg.TurnTimeout.ClientResponseTime)
	}
	// Untouched keys keep their defaults.
	if cfg.TurnTimeout.TurnTimeout != 1000 {
		t.Errorf("turnTimeout default = %d", cfg.TurnTimeout.TurnTimeout)
	}
}
