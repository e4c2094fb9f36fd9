// Package config loads relay settings from the environment, an optional YAML
// file and command-line flags.
package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zhouzirui/codap-relay/backend/internal/store"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

// EnvPrefix prefixes every environment key, e.g. RELAY_SESSION_TTL.
const EnvPrefix = "RELAY"

// Config aggregates every setting of the service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Client  ClientConfig  `mapstructure:"client"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	RedisURL   string `mapstructure:"redis_url"`
	SQLitePath string `mapstructure:"sqlite_path"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	// SweepInterval drives expiry of in-process and sqlite entries.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SessionConfig struct {
	TTL                 time.Duration `mapstructure:"ttl"`
	MaxCodeAttempts     int           `mapstructure:"max_code_attempts"`
	CreateRatePerMinute int           `mapstructure:"create_rate_per_minute"`
	CreateBurst         int           `mapstructure:"create_burst"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
}

type MailboxConfig struct {
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	AwaitPollInterval time.Duration `mapstructure:"await_poll_interval"`
	DrainBatch        int           `mapstructure:"drain_batch"`
}

type GatewayConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
}

// ClientConfig configures the session creation helper.
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LogConfig struct {
	Dev   bool `mapstructure:"dev"`
	Level int  `mapstructure:"level"`
}

var defaults = map[string]any{
	"server.addr":                    ":8080",
	"server.cors_origins":            []string{},
	"store.backend":                  store.BackendMemory,
	"store.redis_url":                "",
	"store.sqlite_path":              "codap-relay.db",
	"store.key_prefix":               "codap:",
	"store.sweep_interval":           time.Minute,
	"session.ttl":                    time.Hour,
	"session.max_code_attempts":      5,
	"session.create_rate_per_minute": 30,
	"session.create_burst":           10,
	"stream.heartbeat_interval":      30 * time.Second,
	"stream.poll_interval":           time.Second,
	"stream.max_lifetime":            10 * time.Minute,
	"mailbox.response_timeout":       30 * time.Second,
	"mailbox.await_poll_interval":    250 * time.Millisecond,
	"mailbox.drain_batch":            50,
	"gateway.name":                   "codap-relay",
	"gateway.version":                "1.0.0",
	"gateway.invoke_timeout":         30 * time.Second,
	"client.base_url":                "http://localhost:8080/api",
	"client.max_attempts":            3,
	"client.base_delay":              time.Second,
	"client.request_timeout":         10 * time.Second,
	"log.dev":                        false,
	"log.level":                      0,
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// BindFlags binds the flags the CLI exposes onto their config keys. Flag
// names use dashes, e.g. --store-backend maps to store.backend.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var result error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.Replace(f.Name, "-", ".", 1)
		key = strings.ReplaceAll(key, "-", "_")
		if _, known := defaults[key]; !known {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.New(apperr.KindConfiguration, "read config file "+file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "decode config", err)
	}

	addr, err := resolveAddr(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveAddr lets the conventional PORT variable override the listen address.
func resolveAddr(addr string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return addr, nil
	}
	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as is.
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", apperr.Newf(apperr.KindConfiguration, "invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once as a CONFIGURATION_ERROR.
func (c *Config) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		fail("server.addr is required")
	}

	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendRedis:
		if c.Store.RedisURL == "" {
			fail("store.redis_url is required for the redis backend")
		}
	case store.BackendSQLite:
		if c.Store.SQLitePath == "" {
			fail("store.sqlite_path is required for the sqlite backend")
		}
	default:
		fail("unknown store.backend %q", c.Store.Backend)
	}

	positive := map[string]time.Duration{
		"store.sweep_interval":        c.Store.SweepInterval,
		"session.ttl":                 c.Session.TTL,
		"stream.heartbeat_interval":   c.Stream.HeartbeatInterval,
		"stream.poll_interval":        c.Stream.PollInterval,
		"stream.max_lifetime":         c.Stream.MaxLifetime,
		"mailbox.response_timeout":    c.Mailbox.ResponseTimeout,
		"mailbox.await_poll_interval": c.Mailbox.AwaitPollInterval,
		"gateway.invoke_timeout":      c.Gateway.InvokeTimeout,
		"client.base_delay":           c.Client.BaseDelay,
		"client.request_timeout":      c.Client.RequestTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			fail("%s must be positive, got %s", key, positive[key])
		}
	}

	if c.Session.MaxCodeAttempts < 1 {
		fail("session.max_code_attempts must be at least 1")
	}
	if c.Session.CreateRatePerMinute < 1 || c.Session.CreateBurst < 1 {
		fail("session create rate and burst must be positive")
	}
	if c.Mailbox.DrainBatch < 1 {
		fail("mailbox.drain_batch must be at least 1")
	}
	if c.Client.MaxAttempts < 1 {
		fail("client.max_attempts must be at least 1")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return apperr.New(apperr.KindConfiguration, "invalid configuration", err)
	}
	return nil
}
