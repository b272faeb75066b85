package configs

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// QueueDefaultSize is the output pipeline queue cap.
const QueueDefaultSize = 100000

// TokenLength is the required length of admission tokens.
const TokenLength = 32

// ErrConfig reports a rejected configuration: bad port, bad token shape,
// missing file or malformed JSON. Fatal at supervisor construction.
var ErrConfig = errors.New("config error")

// OutputHandlerConfig configures the output pipeline sinks.
type OutputHandlerConfig struct {
	SendToUI     bool   `json:"sendToUI"`
	TimeInterval int    `json:"timeInterval"` // UI ticker period (ms)
	SendToFile   bool   `json:"sendToFile"`
	FilePath     string `json:"filePath"`
	BufferSize   int    `json:"bufferSize"` // file hand-off threshold
	SendToRedis  bool   `json:"sendToRedis"`
	RedisAddress string `json:"redisAddress"`
	RedisChannel string `json:"redisChannel"`
}

// TurnTimeoutConfig configures the turn loop clocks, all in milliseconds.
type TurnTimeoutConfig struct {
	ClientResponseTime int `json:"clientResponseTime"` // receive window
	SimulateTimeout    int `json:"simulateTimeout"`    // advisory
	TurnTimeout        int `json:"turnTimeout"`        // turn cadence
}

// Config holds the whole server configuration, loaded from one JSON file.
type Config struct {
	Server struct {
		LogLevel string `json:"logLevel"`
	} `json:"server"`
	OutputHandler OutputHandlerConfig `json:"outputHandler"`
	TurnTimeout   TurnTimeoutConfig   `json:"turnTimeout"`
	Client        struct {
		Port int `json:"port"`
	} `json:"client"`
	Terminal struct {
		Token string `json:"token"`
		Port  int    `json:"port"`
	} `json:"terminal"`
	UI struct {
		Enable bool   `json:"enable"`
		Token  string `json:"token"`
		Port   int    `json:"port"`
	} `json:"ui"`
	Database struct {
		PostgresURL string `json:"postgresUrl"`
	} `json:"database"`
}

// Load reads, unmarshals and validates the configuration file.
func Load(filePath string) (*Config, error) {
	utils.LogInfof("Loading configuration from %s", filePath)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "reading %s: %v", filePath, err)
	}

	cfg := &Config{}
	setDefaultValues(cfg)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfig, "unmarshalling %s: %v", filePath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	utils.LogInfo("Configuration loaded successfully.")
	return cfg, nil
}

// Validate enforces the shape rules: ports in (0, 65535], 32-character
// ASCII tokens, sink parameters consistent with their enable flags.
func (c *Config) Validate() error {
	if err := validPort("terminal.port", c.Terminal.Port); err != nil {
		return err
	}
	if err := validPort("client.port", c.Client.Port); err != nil {
		return err
	}
	if err := validToken("terminal.token", c.Terminal.Token); err != nil {
		return err
	}
	if c.UI.Enable {
		if err := validPort("ui.port", c.UI.Port); err != nil {
			return err
		}
		if err := validToken("ui.token", c.UI.Token); err != nil {
			return err
		}
	}
	if c.OutputHandler.SendToUI && c.OutputHandler.TimeInterval <= 0 {
		return errors.Wrap(ErrConfig, "outputHandler.timeInterval must be > 0 when sendToUI is set")
	}
	if c.OutputHandler.SendToFile {
		if c.OutputHandler.FilePath == "" {
			return errors.Wrap(ErrConfig, "outputHandler.filePath required when sendToFile is set")
		}
		if c.OutputHandler.BufferSize <= 0 || c.OutputHandler.BufferSize > QueueDefaultSize {
			return errors.Wrapf(ErrConfig, "outputHandler.bufferSize must be in (0, %d]", QueueDefaultSize)
		}
	}
	if c.OutputHandler.SendToRedis {
		if c.OutputHandler.RedisAddress == "" || c.OutputHandler.RedisChannel == "" {
			return errors.Wrap(ErrConfig, "outputHandler.redisAddress and redisChannel required when sendToRedis is set")
		}
	}
	if c.TurnTimeout.ClientResponseTime <= 0 {
		return errors.Wrap(ErrConfig, "turnTimeout.clientResponseTime must be > 0")
	}
	if c.TurnTimeout.TurnTimeout <= 0 {
		return errors.Wrap(ErrConfig, "turnTimeout.turnTimeout must be > 0")
	}
	return nil
}

func validPort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return errors.Wrapf(ErrConfig, "%s %d outside (0, 65535]", key, port)
	}
	return nil
}

func validToken(key, token string) error {
	if len(token) != TokenLength {
		return errors.Wrapf(ErrConfig, "%s must be exactly %d characters", key, TokenLength)
	}
	for i := 0; i < len(token); i++ {
		if token[i] < 0x20 || token[i] > 0x7e {
			return errors.Wrapf(ErrConfig, "%s contains non-ASCII characters", key)
		}
	}
	return nil
}

func setDefaultValues(cfg *Config) {
	cfg.Server.LogLevel = "INFO"
	cfg.OutputHandler.TimeInterval = 500
	cfg.OutputHandler.BufferSize = 256
	cfg.TurnTimeout.ClientResponseTime = 200
	cfg.TurnTimeout.SimulateTimeout = 300
	cfg.TurnTimeout.TurnTimeout = 1000
	cfg.Client.Port = 7099
	cfg.Terminal.Port = 7097
	cfg.UI.Port = 7098
}

// WriteExample creates a starter config file at filePath if none exists.
func WriteExample(filePath string) {
	if _, statErr := os.Stat(filePath); !os.IsNotExist(statErr) {
		utils.LogInfof("Config file %s already exists. Skipping creation of example.", filePath)
		return
	}
	utils.LogInfof("Creating example config file at %s", filePath)
	cfg := &Config{}
	setDefaultValues(cfg)
	cfg.Terminal.Token = "00000000000000000000000000000000"
	cfg.UI.Token = "11111111111111111111111111111111"
	cfg.OutputHandler.FilePath = "output.log"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		utils.LogErrorf("Error marshalling example config: %v", err)
		return
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		utils.LogErrorf("Error writing example config file %s: %v", filePath, err)
		return
	}
	utils.LogInfof("Example config file created: %s. Please review and update it.", filePath)
}
