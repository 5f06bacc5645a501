package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// Config struct for environment variables.
type Config struct {
	// Platforms is the priority order used for free-text queries.
	Platforms []string `envconfig:"PLATFORMS" default:"soundcloud,youtube,deezer,spotify"`

	Workers         int           `envconfig:"WORKERS" default:"4"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE" default:"500ms"`
	BackoffCap      time.Duration `envconfig:"BACKOFF_CAP" default:"30s"`
	CompletedTTL    time.Duration `envconfig:"COMPLETED_TTL" default:"1m"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5m"`
	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"2m"`
	ConvertTimeout  time.Duration `envconfig:"CONVERT_TIMEOUT" default:"5m"`
	MaxResults      int           `envconfig:"MAX_RESULTS" default:"10"`
	DefaultFormat   string        `envconfig:"DEFAULT_FORMAT" default:"mp3@192"`
	MaxConversionSz int64         `envconfig:"MAX_CONVERSION_SIZE" default:"200000000"`

	CacheCapacity      int           `envconfig:"CACHE_CAPACITY" default:"256"`
	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"24h"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"5m"`
	CacheDir           string        `envconfig:"CACHE_DIR"`
	DBPath             string        `envconfig:"DB_PATH"`

	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	YtdlpPath  string `envconfig:"YTDLP_PATH"`

	SpotifyClientID     string `envconfig:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `envconfig:"SPOTIFY_CLIENT_SECRET"`
	PutioToken          string `envconfig:"PUTIO_TOKEN"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	// RateLimit holds per platform budgets in requests per second, zero meaning unlimited.
	RateLimit struct {
		SoundCloud float64 `envconfig:"SOUNDCLOUD" default:"2"`
		YouTube    float64 `envconfig:"YOUTUBE" default:"2"`
		Deezer     float64 `envconfig:"DEEZER" default:"5"`
		Spotify    float64 `envconfig:"SPOTIFY" default:"5"`
		Putio      float64 `envconfig:"PUTIO" default:"0"`
	} `envconfig:"RATE_LIMIT"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers))
	}

	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries))
	}

	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("BACKOFF_CAP (%s) must be >= BACKOFF_BASE (%s) > 0", c.BackoffCap, c.BackoffBase))
	}

	if c.CacheCapacity < 1 {
		errs = append(errs, fmt.Errorf("CACHE_CAPACITY must be at least 1, got %d", c.CacheCapacity))
	}

	if c.CacheSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be positive, got %s", c.CacheSweepInterval))
	}

	if (c.DBPath == "") != (c.CacheDir == "") {
		errs = append(errs, errors.New("DB_PATH and CACHE_DIR must be set together"))
	}

	if _, err := c.Priority(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.Format(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Priority returns the configured platforms in order.
func (c *Config) Priority() ([]media.Platform, error) {
	platforms := make([]media.Platform, 0, len(c.Platforms))

	for _, s := range c.Platforms {
		p, err := media.ParsePlatform(s)
		if err != nil {
			return nil, fmt.Errorf("PLATFORMS: %w", err)
		}

		platforms = append(platforms, p)
	}

	if len(platforms) == 0 {
		return nil, errors.New("PLATFORMS must name at least one platform")
	}

	return platforms, nil
}

// Format returns the parsed DEFAULT_FORMAT.
func (c *Config) Format() (media.Format, error) {
	f, err := media.ParseFormat(c.DefaultFormat)
	if err != nil {
		return media.Format{}, fmt.Errorf("DEFAULT_FORMAT: %w", err)
	}

	return f, nil
}

// Persistent reports whether artifacts are written through to disk.
func (c *Config) Persistent() bool {
	return c.DBPath != "" && c.CacheDir != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
