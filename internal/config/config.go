package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched for upward from the working directory
const LocalConfigName = ".crewwatch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	LogFile      string `toml:"log_file"`
	DatabasePath string `toml:"database_path"`
	Topology     string `toml:"topology"`
	TopologyFile string `toml:"topology_file"`
}

// PipelineConfig describes how the crew subprocess is launched
type PipelineConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	Dir       string   `toml:"dir"`
	CleanDirs []string `toml:"clean_dirs"` // unset: the topology's stage output paths

	DesignPath        string `toml:"design_path"`
	OutputFolder      string `toml:"output_folder"`
	AEMProjectPath    string `toml:"aem_project_path"`
	AEMAppID          string `toml:"aem_app_id"`
	AEMNamespace      string `toml:"aem_namespace"`
	AEMComponentGroup string `toml:"aem_component_group"`
}

// MonitorConfig holds polling settings
type MonitorConfig struct {
	PollInterval    Duration `toml:"poll_interval"`
	MaxWait         Duration `toml:"max_wait"`
	WatchFS         bool     `toml:"watch_fs"`
	MaxDisplayLines int      `toml:"max_display_lines"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig holds diagnostic logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ScheduleConfig is one cron-triggered pipeline run
type ScheduleConfig struct {
	Name        string   `toml:"name"`
	Cron        string   `toml:"cron"`
	MaxDuration Duration `toml:"max_duration"`
}

// Duration is a time.Duration that reads and writes strings like "500ms" or "10m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			LogFile:      "crew_execution.log",
			DatabasePath: filepath.Join(home, ".crewwatch", "runs.db"),
			Topology:     "aem",
		},
		Pipeline: PipelineConfig{
			Command:           "python",
			Args:              []string{"-m", "crew"},
			OutputFolder:      "output",
			AEMAppID:          "mysite",
			AEMNamespace:      "mysite",
			AEMComponentGroup: "MySite - Content",
		},
		Monitor: MonitorConfig{
			PollInterval:    Duration{500 * time.Millisecond},
			MaxWait:         Duration{10 * time.Minute},
			WatchFS:         true,
			MaxDisplayLines: 500,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.TopologyFile = ExpandPath(cfg.General.TopologyFile)
	cfg.Pipeline.Dir = ExpandPath(cfg.Pipeline.Dir)
	cfg.Pipeline.DesignPath = ExpandPath(cfg.Pipeline.DesignPath)
	cfg.Pipeline.AEMProjectPath = ExpandPath(cfg.Pipeline.AEMProjectPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads an explicit config path if given, otherwise the
// nearest .crewwatch.toml, otherwise the user config
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if c.Monitor.PollInterval.Duration <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.MaxWait.Duration < 0 {
		return fmt.Errorf("monitor.max_wait must not be negative")
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule[%d]: name is required", i)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %q: cron is required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("schedule %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Save writes the config as TOML, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "crewwatch", "config.toml")
}
