package app

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/workq/internal/queue"
	"github.com/nuetzliches/workq/internal/secrets"
)

const (
	backendSQLite    = "sqlite"
	backendPostgres  = "postgres"
	backendSQLServer = "sqlserver"
	backendRedis     = "redis"
	backendPebble    = "pebble"
)

// duration reads Go duration strings ("90s", "24h") from JSON.
type duration time.Duration

func (d duration) std() time.Duration { return time.Duration(d) }

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type Config struct {
	Queue   string `json:"queue"`
	Backend string `json:"backend"`
	// DSN is a database path, connection string or redis address. Secret
	// references (env:, file:, raw:) are resolved when the store opens.
	DSN               string         `json:"dsn"`
	MaxOpenConns      int            `json:"max_open_conns,omitempty"`
	ServerTimeRefresh duration       `json:"server_time_refresh,omitempty"`
	NoSync            bool           `json:"no_sync,omitempty"`
	Options           *queue.Options `json:"options,omitempty"`

	Monitor MonitorConfig `json:"monitor"`
	Codec   CodecConfig   `json:"codec"`
	Log     LogConfig     `json:"log"`
	Tracing TracingConfig `json:"tracing"`
	Ops     OpsConfig     `json:"ops"`
}

type MonitorConfig struct {
	ResetInterval   duration `json:"reset_interval"`
	HeartBeatWindow duration `json:"heartbeat_window"`
	ExpireInterval  duration `json:"expire_interval"`
	ErrorInterval   duration `json:"error_interval"`
	ErrorRetention  duration `json:"error_retention"`
}

func (m MonitorConfig) queueConfig() queue.MonitorConfig {
	return queue.MonitorConfig{
		ResetInterval:   m.ResetInterval.std(),
		HeartBeatWindow: m.HeartBeatWindow.std(),
		ExpireInterval:  m.ExpireInterval.std(),
		ErrorInterval:   m.ErrorInterval.std(),
		ErrorRetention:  m.ErrorRetention.std(),
	}
}

type CodecConfig struct {
	Gzip      bool `json:"gzip"`
	GzipLevel *int `json:"gzip_level,omitempty"`
	// AESKey is a secret reference to a hex encoded 16, 24 or 32 byte key.
	AESKey string `json:"aes_key,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
	Path   string `json:"path,omitempty"`
}

type OpsConfig struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
	// StatsTTL caches queue statistics between metric scrapes.
	StatsTTL duration `json:"stats_ttl"`
}

func defaultConfig() Config {
	m := queue.DefaultMonitorConfig()
	return Config{
		Backend: backendSQLite,
		DSN:     "workq.db",
		Monitor: MonitorConfig{
			ResetInterval:   duration(m.ResetInterval),
			HeartBeatWindow: duration(m.HeartBeatWindow),
			ExpireInterval:  duration(m.ExpireInterval),
			ErrorInterval:   duration(m.ErrorInterval),
			ErrorRetention:  duration(m.ErrorRetention),
		},
		Log: LogConfig{Level: "info", Output: "stderr"},
		Tracing: TracingConfig{
			Compression: "gzip",
			SampleRatio: 1,
		},
		Ops: OpsConfig{
			HTTPAddr: "127.0.0.1:9464",
			StatsTTL: duration(5 * time.Second),
		},
	}
}

// loadConfig reads path (optional), overlays WORKQ_* environment variables
// and validates the result.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		parsed, err := parseConfig(data)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg = parsed
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Queue, "WORKQ_QUEUE")
	setString(&cfg.Backend, "WORKQ_BACKEND")
	setString(&cfg.DSN, "WORKQ_DSN")
	setString(&cfg.Log.Level, "WORKQ_LOG_LEVEL")
	setString(&cfg.Log.Output, "WORKQ_LOG_OUTPUT")
	setString(&cfg.Log.Path, "WORKQ_LOG_PATH")
	setString(&cfg.Ops.HTTPAddr, "WORKQ_HTTP_ADDR")
	setString(&cfg.Ops.GRPCAddr, "WORKQ_GRPC_ADDR")
	setString(&cfg.Codec.AESKey, "WORKQ_AES_KEY")
	setString(&cfg.Tracing.Endpoint, "WORKQ_OTLP_ENDPOINT")

	if v := strings.TrimSpace(os.Getenv("WORKQ_MAX_OPEN_CONNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKQ_MAX_OPEN_CONNS: %w", err)
		}
		cfg.MaxOpenConns = n
	}
	if v := strings.TrimSpace(os.Getenv("WORKQ_TRACING")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WORKQ_TRACING: %w", err)
		}
		cfg.Tracing.Enabled = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("config: queue is required")
	}
	if _, err := queue.NewTableNames(c.Queue); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Backend {
	case backendSQLite, backendPostgres, backendSQLServer, backendRedis, backendPebble:
	default:
		return fmt.Errorf("config: unknown backend %q (use: sqlite|postgres|sqlserver|redis|pebble)", c.Backend)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("config: dsn is required")
	}
	if secrets.IsRef(c.DSN) {
		if err := secrets.ValidateRef(c.DSN); err != nil {
			return fmt.Errorf("config: dsn: %w", err)
		}
	}
	if c.Codec.AESKey != "" {
		if err := secrets.ValidateRef(c.Codec.AESKey); err != nil {
			return fmt.Errorf("config: codec.aes_key: %w", err)
		}
	}
	if l := c.Codec.GzipLevel; l != nil && (*l < gzip.HuffmanOnly || *l > gzip.BestCompression) {
		return fmt.Errorf("config: codec.gzip_level %d out of range", *l)
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Monitor.ResetInterval > 0 && c.Monitor.HeartBeatWindow <= 0 {
		return errors.New("config: monitor.heartbeat_window must be positive when reset_interval is set")
	}
	if c.Monitor.ErrorInterval > 0 && c.Monitor.ErrorRetention <= 0 {
		return errors.New("config: monitor.error_retention must be positive when error_interval is set")
	}
	return c.Tracing.validate()
}

func (c Config) queueOptions() queue.Options {
	if c.Options != nil {
		return *c.Options
	}
	return queue.DefaultOptions()
}

// openStore builds the backend named by the config. The caller owns the
// returned store.
func openStore(ctx context.Context, c Config) (queue.Store, error) {
	dsn, err := secrets.Resolve(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("resolve dsn: %w", err)
	}
	opts := c.queueOptions()
	refresh := c.ServerTimeRefresh.std()

	switch c.Backend {
	case backendSQLite:
		return queue.NewSQLiteStore(dsn, c.Queue, opts)
	case backendPostgres:
		var po []queue.PostgresOption
		if c.MaxOpenConns > 0 {
			po = append(po, queue.WithPostgresMaxOpenConns(c.MaxOpenConns))
		}
		if refresh > 0 {
			po = append(po, queue.WithPostgresServerTime(refresh))
		}
		return queue.NewPostgresStore(dsn, c.Queue, opts, po...)
	case backendSQLServer:
		var so []queue.SQLServerOption
		if c.MaxOpenConns > 0 {
			so = append(so, queue.WithSQLServerMaxOpenConns(c.MaxOpenConns))
		}
		if refresh > 0 {
			so = append(so, queue.WithSQLServerServerTime(refresh))
		}
		return queue.NewSQLServerStore(dsn, c.Queue, opts, so...)
	case backendRedis:
		return queue.OpenRedisStore(ctx, dsn, c.Queue, opts)
	case backendPebble:
		var po []queue.PebbleOption
		if c.NoSync {
			po = append(po, queue.WithPebbleNoSync())
		}
		return queue.NewPebbleStore(dsn, c.Queue, opts, po...)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// buildCodec always decodes gzip so consumers can read bodies from
// producers configured with compression.
func buildCodec(c CodecConfig) (*queue.Codec, error) {
	var chain []queue.Interceptor
	if c.Gzip {
		chain = append(chain, queue.GzipInterceptor{Level: c.GzipLevel})
	}
	if c.AESKey != "" {
		raw, err := secrets.LoadRef(c.AESKey)
		if err != nil {
			return nil, fmt.Errorf("codec.aes_key: %w", err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("codec.aes_key: not hex: %w", err)
		}
		aes, err := queue.NewAESGCMInterceptor(key)
		if err != nil {
			return nil, err
		}
		chain = append(chain, aes)
	}
	codec := queue.NewCodec(chain...)
	codec.Register(queue.GzipInterceptor{})
	return codec, nil
}
