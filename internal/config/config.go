package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/playforge/arena/internal/constants"
)

// ErrConfig marks any configuration failure: an unreadable file, a
// malformed document, or a value outside its allowed range.
var ErrConfig = errors.New("invalid configuration")

// Server holds all configuration for the arena server.
type Server struct {
	// Logging
	LogLevel string `json:"logLevel" yaml:"logLevel"`

	// Turn pipeline timing
	TurnTimeout TurnTimeout `json:"turnTimeout" yaml:"turnTimeout"`

	// Output fan-out
	OutputHandler OutputHandler `json:"outputHandler" yaml:"outputHandler"`

	// Player connections
	Client Client `json:"client" yaml:"client"`

	// Operator terminal
	Terminal Terminal `json:"terminal" yaml:"terminal"`

	// Spectator UI
	UI UI `json:"ui" yaml:"ui"`

	// Match history persistence
	Database Database `json:"database" yaml:"database"`
}

// TurnTimeout defines the timing windows of the turn pipeline, all in
// milliseconds.
type TurnTimeout struct {
	ClientResponseTime int64 `json:"clientResponseTime" yaml:"clientResponseTime"`
	SimulateTimeout    int64 `json:"simulateTimeout" yaml:"simulateTimeout"`
	TurnTimeout        int64 `json:"turnTimeout" yaml:"turnTimeout"`
}

// ResponseWindow is how long clients may submit messages each turn.
func (t TurnTimeout) ResponseWindow() time.Duration {
	return time.Duration(t.ClientResponseTime) * time.Millisecond
}

// SimulateBudget is the advisory time budget for one simulation step.
func (t TurnTimeout) SimulateBudget() time.Duration {
	return time.Duration(t.SimulateTimeout) * time.Millisecond
}

// Cadence is the minimum wall-clock duration of one full turn.
func (t TurnTimeout) Cadence() time.Duration {
	return time.Duration(t.TurnTimeout) * time.Millisecond
}

// OutputHandler controls where simulation output messages go.
type OutputHandler struct {
	SendToUI     bool   `json:"sendToUI" yaml:"sendToUI"`
	TimeInterval int64  `json:"timeInterval" yaml:"timeInterval"` // ms between UI deliveries
	SendToFile   bool   `json:"sendToFile" yaml:"sendToFile"`
	FilePath     string `json:"filePath" yaml:"filePath"`
	BufferSize   int    `json:"bufferSize" yaml:"bufferSize"` // messages held before a file flush
}

// Interval is the delay between consecutive UI deliveries.
func (o OutputHandler) Interval() time.Duration {
	return time.Duration(o.TimeInterval) * time.Millisecond
}

// Client configures the player connection pool listener.
type Client struct {
	Port          int `json:"port" yaml:"port"`
	SendQueueSize int `json:"sendQueueSize" yaml:"sendQueueSize"` // per-slot outbox capacity
}

// Terminal configures the operator terminal listener.
type Terminal struct {
	Token string `json:"token" yaml:"token"`
	Port  int    `json:"port" yaml:"port"`
}

// UI configures the spectator UI listener.
type UI struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Token  string `json:"token" yaml:"token"`
	Port   int    `json:"port" yaml:"port"`
}

// Database configures optional match history persistence.
type Database struct {
	Enable         bool `json:"enable" yaml:"enable"`
	DatabaseConfig `yaml:",inline"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Default returns server config with sensible defaults. The default
// terminal token is all zeros, which is what terminal clients derive
// from an empty password.
func Default() Server {
	return Server{
		LogLevel: "info",
		TurnTimeout: TurnTimeout{
			ClientResponseTime: 500,
			SimulateTimeout:    500,
			TurnTimeout:        1000,
		},
		OutputHandler: OutputHandler{
			SendToUI:     false,
			TimeInterval: 1000,
			SendToFile:   false,
			FilePath:     "arena-output.log",
			BufferSize:   256,
		},
		Client: Client{
			Port:          7777,
			SendQueueSize: 256,
		},
		Terminal: Terminal{
			Token: zeroToken(),
			Port:  9013,
		},
		UI: UI{
			Enable: false,
			Token:  zeroToken(),
			Port:   9014,
		},
		Database: Database{
			Enable: false,
			DatabaseConfig: DatabaseConfig{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "arena",
				Password: "arena",
				DBName:   "arena",
				SSLMode:  "disable",
			},
		},
	}
}

func zeroToken() string {
	return strings.Repeat("0", constants.TokenLength)
}

// Load reads server config from a JSON file; files ending in .yaml or
// .yml are parsed as YAML. A missing or malformed file is an error,
// not a silent fallback to defaults. Fields absent from the file keep
// their default values.
func Load(path string) (Server, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every configured value against its allowed range.
func (c Server) Validate() error {
	if err := validPort("client.port", c.Client.Port); err != nil {
		return err
	}
	if err := validPort("terminal.port", c.Terminal.Port); err != nil {
		return err
	}
	if err := validPort("ui.port", c.UI.Port); err != nil {
		return err
	}
	if err := validToken("terminal.token", c.Terminal.Token); err != nil {
		return err
	}
	if err := validToken("ui.token", c.UI.Token); err != nil {
		return err
	}
	if c.Client.SendQueueSize <= 0 {
		return fmt.Errorf("%w: client.sendQueueSize must be positive, got %d",
			ErrConfig, c.Client.SendQueueSize)
	}
	if c.OutputHandler.SendToUI && c.OutputHandler.TimeInterval <= 0 {
		return fmt.Errorf("%w: outputHandler.timeInterval must be positive when sendToUI is enabled, got %d",
			ErrConfig, c.OutputHandler.TimeInterval)
	}
	if c.OutputHandler.SendToFile {
		if c.OutputHandler.FilePath == "" {
			return fmt.Errorf("%w: outputHandler.filePath must be set when sendToFile is enabled", ErrConfig)
		}
		if c.OutputHandler.BufferSize <= 0 || c.OutputHandler.BufferSize > constants.QueueDefaultSize {
			return fmt.Errorf("%w: outputHandler.bufferSize must be in (0, %d], got %d",
				ErrConfig, constants.QueueDefaultSize, c.OutputHandler.BufferSize)
		}
	}
	if c.Database.Enable {
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("%w: database.host and database.dbname must be set when database is enabled", ErrConfig)
		}
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s must be in (0, 65535], got %d", ErrConfig, name, port)
	}
	return nil
}

func validToken(name, token string) error {
	if len(token) != constants.TokenLength {
		return fmt.Errorf("%w: %s must be exactly %d characters, got %d characters",
			ErrConfig, name, constants.TokenLength, len(token))
	}
	return nil
}
