package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config represents the devirtualizer's configuration.
type Config struct {
	// Worklist settings
	Worklist struct {
		MaxReseedIterations int    `toml:"max_reseed_iterations"`
		AbortOnFatal        bool   `toml:"abort_on_fatal"`
		AgendaOrder         string `toml:"agenda_order"` // lifo, fifo
	} `toml:"worklist"`

	// Emulator settings
	Emulator struct {
		MaxDependencyDepth int  `toml:"max_dependency_depth"`
		StrictRegisters    bool `toml:"strict_registers"`
	} `toml:"emulator"`

	// Report settings
	Report struct {
		OutputFile        string `toml:"output_file"`
		Format            string `toml:"format"` // text, json
		IncludeBlockMap   bool   `toml:"include_block_map"`
		IncludeUnresolved bool   `toml:"include_unresolved"`
	} `toml:"report"`

	// Explorer (TUI) settings
	Explorer struct {
		ColorOutput bool `toml:"color_output"`
	} `toml:"explorer"`

	// Logging settings
	Logging struct {
		Verbose bool   `toml:"verbose"`
		LogFile string `toml:"log_file"`
	} `toml:"logging"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Worklist.MaxReseedIterations = 64
	cfg.Worklist.AbortOnFatal = true
	cfg.Worklist.AgendaOrder = "lifo"

	cfg.Emulator.MaxDependencyDepth = 4096
	cfg.Emulator.StrictRegisters = true

	cfg.Report.OutputFile = "devirt-report.json"
	cfg.Report.Format = "json"
	cfg.Report.IncludeBlockMap = true
	cfg.Report.IncludeUnresolved = true

	cfg.Explorer.ColorOutput = true

	cfg.Logging.Verbose = false
	cfg.Logging.LogFile = "vmdevirt.log"

	return cfg
}

// GetConfigPath returns the platform-specific config file path.
func GetConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		configDir = filepath.Join(configDir, "vmdevirt")

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		configDir = filepath.Join(homeDir, ".config", "vmdevirt")

	default:
		return "config.toml"
	}

	if err := os.MkdirAll(configDir, 0750); err != nil {
		return "config.toml"
	}

	return filepath.Join(configDir, "config.toml")
}

// GetLogPath returns the platform-specific log directory path.
func GetLogPath() string {
	var logDir string

	switch runtime.GOOS {
	case "windows":
		logDir = os.Getenv("APPDATA")
		if logDir == "" {
			logDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		logDir = filepath.Join(logDir, "vmdevirt", "logs")

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "logs"
		}
		logDir = filepath.Join(homeDir, ".local", "share", "vmdevirt", "logs")

	default:
		return "logs"
	}

	if err := os.MkdirAll(logDir, 0750); err != nil {
		return "logs"
	}

	return logDir
}

// Validate checks the enumerated and numeric fields.
func (c *Config) Validate() error {
	switch c.Worklist.AgendaOrder {
	case "lifo", "fifo":
	default:
		return fmt.Errorf("worklist.agenda_order must be \"lifo\" or \"fifo\", got %q", c.Worklist.AgendaOrder)
	}
	if c.Worklist.MaxReseedIterations < 0 {
		return fmt.Errorf("worklist.max_reseed_iterations must not be negative")
	}
	if c.Emulator.MaxDependencyDepth < 0 {
		return fmt.Errorf("emulator.max_dependency_depth must not be negative")
	}
	switch c.Report.Format {
	case "text", "json":
	default:
		return fmt.Errorf("report.format must be \"text\" or \"json\", got %q", c.Report.Format)
	}
	return nil
}

// Load loads configuration from the default config file.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom loads configuration from the specified file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo saves configuration to the specified file.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path) // #nosec G304 -- user config file path
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close config file: %w", closeErr)
		}
	}()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
