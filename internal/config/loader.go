package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings of the attendance engine process.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Remote   RemoteConfig   `yaml:"remote"`
	Matching MatchingConfig `yaml:"matching"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Queue    QueueConfig    `yaml:"queue"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
	// APIKeyHash is an argon2id hash; when set every request except /healthz
	// must carry the matching X-API-Key.
	APIKeyHash string `yaml:"api_key_hash"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	BaseURL       string   `yaml:"base_url"`
	Token         string   `yaml:"token"`
	Timeout       Duration `yaml:"timeout"`
	RatePerSecond float64  `yaml:"rate_per_second"`
}

type MatchingConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type IngestConfig struct {
	DedupWindow  Duration `yaml:"dedup_window"`
	BatchDelay   Duration `yaml:"batch_delay"`
	MaxBatchSize int      `yaml:"max_batch_size"`
}

type QueueConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	TickInterval  Duration `yaml:"tick_interval"`
	DrainGrace    Duration `yaml:"drain_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads Go duration strings such as "1.5s" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Defaults returns the configuration used when nothing overrides a field.
func Defaults() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080},
		SQLite:   SQLiteConfig{Path: "attendance.db"},
		Remote:   RemoteConfig{Timeout: Duration(10 * time.Second), RatePerSecond: 10},
		Matching: MatchingConfig{Threshold: 0.7},
		Ingest: IngestConfig{
			DedupWindow:  Duration(5 * time.Second),
			BatchDelay:   Duration(500 * time.Millisecond),
			MaxBatchSize: 50,
		},
		Queue: QueueConfig{
			MaxAttempts:   5,
			InitialDelay:  Duration(time.Second),
			MaxDelay:      Duration(60 * time.Second),
			BackoffFactor: 2,
			TickInterval:  Duration(5 * time.Minute),
			DrainGrace:    Duration(1500 * time.Millisecond),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load parses configuration values from the current process environment.
func Load() (Config, error) {
	cfg := Defaults()
	return finish(&cfg)
}

// LoadFile reads a YAML file over the defaults and then applies environment
// overrides, so ATTENDANCE_* variables always win.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("設定ファイルを読み込めません: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("設定ファイルの形式が不正です: %s: %w", path, err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (Config, error) {
	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 4)

	env := envReader{invalid: &invalid}
	env.setInt("ATTENDANCE_HTTP_PORT", &cfg.HTTP.Port, 1)
	env.setString("ATTENDANCE_API_KEY_HASH", &cfg.HTTP.APIKeyHash)
	env.setString("ATTENDANCE_SQLITE_PATH", &cfg.SQLite.Path)
	env.setString("ATTENDANCE_REMOTE_URL", &cfg.Remote.BaseURL)
	env.setString("ATTENDANCE_REMOTE_TOKEN", &cfg.Remote.Token)
	env.setDuration("ATTENDANCE_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	env.setFloat("ATTENDANCE_REMOTE_RATE", &cfg.Remote.RatePerSecond)
	env.setFloat("ATTENDANCE_MATCH_THRESHOLD", &cfg.Matching.Threshold)
	env.setDuration("ATTENDANCE_DEDUP_WINDOW", &cfg.Ingest.DedupWindow)
	env.setDuration("ATTENDANCE_BATCH_DELAY", &cfg.Ingest.BatchDelay)
	env.setInt("ATTENDANCE_MAX_BATCH_SIZE", &cfg.Ingest.MaxBatchSize, 1)
	env.setInt("ATTENDANCE_QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts, 1)
	env.setDuration("ATTENDANCE_QUEUE_INITIAL_DELAY", &cfg.Queue.InitialDelay)
	env.setDuration("ATTENDANCE_QUEUE_MAX_DELAY", &cfg.Queue.MaxDelay)
	env.setFloat("ATTENDANCE_QUEUE_BACKOFF_FACTOR", &cfg.Queue.BackoffFactor)
	env.setDuration("ATTENDANCE_QUEUE_TICK_INTERVAL", &cfg.Queue.TickInterval)
	env.setDuration("ATTENDANCE_DRAIN_GRACE", &cfg.Queue.DrainGrace)
	env.setString("ATTENDANCE_LOG_LEVEL", &cfg.Log.Level)
	env.setString("ATTENDANCE_LOG_FORMAT", &cfg.Log.Format)

	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		missing = append(missing, "ATTENDANCE_REMOTE_URL")
	}
	if cfg.Matching.Threshold <= 0 || cfg.Matching.Threshold > 1 {
		invalid = appendOnce(invalid, "ATTENDANCE_MATCH_THRESHOLD")
	}
	if cfg.Queue.BackoffFactor < 1 {
		invalid = appendOnce(invalid, "ATTENDANCE_QUEUE_BACKOFF_FACTOR")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		invalid = appendOnce(invalid, "ATTENDANCE_LOG_LEVEL")
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		invalid = appendOnce(invalid, "ATTENDANCE_LOG_FORMAT")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(invalid, ", "))
	}
	return *cfg, nil
}

type envReader struct {
	invalid *[]string
}

func (e envReader) lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

func (e envReader) setString(key string, dst *string) {
	if value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e envReader) setInt(key string, dst *int, minimum int) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < minimum {
		*e.invalid = appendOnce(*e.invalid, key)
		return
	}
	*dst = n
}

func (e envReader) setFloat(key string, dst *float64) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*e.invalid = appendOnce(*e.invalid, key)
		return
	}
	*dst = f
}

func (e envReader) setDuration(key string, dst *Duration) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*e.invalid = appendOnce(*e.invalid, key)
		return
	}
	*dst = Duration(d)
}

func appendOnce(list []string, key string) []string {
	for _, existing := range list {
		if existing == key {
			return list
		}
	}
	return append(list, key)
}

// ErrUnknownLevel is returned by ParseLevel for unsupported names.
var ErrUnknownLevel = errors.New("config: unknown log level")

// ParseLevel maps debug, info, warn or error onto a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}
