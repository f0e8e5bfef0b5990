package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Social    SocialConfig
	Discovery DiscoveryConfig
	Publish   PublishConfig
	Render    RenderConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// MediaDir holds downloaded and rendered videos. Defaults to
	// <DataDir>/media when empty.
	MediaDir string
}

type SocialConfig struct {
	BaseURL  string
	Username string
	Password string
}

type DiscoveryConfig struct {
	Hashtags      []string
	Locations     []string
	MinFollowers  int
	MinEngagement float64
	MaxPerTag     int
	ScanInterval  time.Duration
	DelayMin      time.Duration
	DelayMax      time.Duration
	RunTimeout    time.Duration
}

type PublishConfig struct {
	DailyLimit  int
	AutoApprove bool
	Render      bool
}

type RenderConfig struct {
	FFmpegPath string
	FontFile   string
}

type LogConfig struct {
	Level  string
	Format string
}

// DownloadDir is where fetched source videos are written.
func (c StorageConfig) DownloadDir() string {
	return filepath.Join(c.mediaRoot(), "downloads")
}

// ProcessedDir is where rendered story videos are written.
func (c StorageConfig) ProcessedDir() string {
	return filepath.Join(c.mediaRoot(), "processed")
}

func (c StorageConfig) mediaRoot() string {
	if c.MediaDir != "" {
		return c.MediaDir
	}
	return filepath.Join(c.DataDir, "media")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Social: SocialConfig{
			BaseURL: "http://localhost:8000",
		},
		Discovery: DiscoveryConfig{
			Hashtags: []string{
				"lasvegasfood", "vegaseats", "lasvegasdining", "lasvegasrestaurants", "vegasfoodie",
				"vegasfood", "lasvegaseats", "vegasrestaurants", "lasvegasfoodie", "vegasdining",
			},
			MinFollowers:  1000,
			MinEngagement: 2.0,
			MaxPerTag:     20,
			ScanInterval:  6 * time.Hour,
			DelayMin:      2 * time.Second,
			DelayMax:      5 * time.Second,
			RunTimeout:    time.Hour,
		},
		Publish: PublishConfig{
			DailyLimit: 50,
			Render:     true,
		},
		Render: RenderConfig{
			FFmpegPath: "ffmpeg",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.curator.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/curator/config.json
// and secrets fall back to $XDG_DATA_HOME/curator/secrets.json.
//
// Environment variables (CURATOR_*) override backend values on all platforms.
// Variables already set in the process environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Social.Password == "" && cfg.Social.Username != "" {
		if pw, err := kc.Get(keychainService, passwordAccount(cfg.Social.Username)); err == nil && pw != "" {
			cfg.Social.Password = pw
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var problems []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Storage.DataDir == "" {
		problems = append(problems, "storage.data_dir is empty")
	}
	if cfg.Discovery.MinFollowers < 0 {
		problems = append(problems, "discovery.min_followers must not be negative")
	}
	if cfg.Discovery.MinEngagement < 0 {
		problems = append(problems, "discovery.min_engagement must not be negative")
	}
	if cfg.Discovery.MaxPerTag <= 0 {
		problems = append(problems, "discovery.max_per_tag must be positive")
	}
	if cfg.Discovery.DelayMin < 0 || cfg.Discovery.DelayMax < cfg.Discovery.DelayMin {
		problems = append(problems, fmt.Sprintf("discovery delay window [%s, %s] is invalid", cfg.Discovery.DelayMin, cfg.Discovery.DelayMax))
	}
	if cfg.Publish.DailyLimit < 0 {
		problems = append(problems, "publish.daily_limit must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

const (
	keychainService = "curator"
	apiTokenAccount = "api_token"
)

func passwordAccount(username string) string {
	return "social:" + username
}
