package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults
	defaults := Defaults()
	if err := k.Load(defaultsProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Load from config file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	} else {
		// Try default config paths
		for _, path := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("loading config file: %w", err)
				}
				break
			}
		}
	}

	// 3. Load from environment variables (ECHO_ prefix, __ separates levels)
	if err := k.Load(env.Provider("ECHO_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ECHO_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// 4. Load from CLI flags
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	// 5. Unmarshal into struct
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// 6. Validate
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

type defaultsProviderStruct struct {
	defaults *Config
}

func defaultsProvider(defaults *Config) *defaultsProviderStruct {
	return &defaultsProviderStruct{defaults: defaults}
}

func (d *defaultsProviderStruct) ReadBytes() ([]byte, error) {
	return nil, nil
}

func (d *defaultsProviderStruct) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":            d.defaults.Server.Host,
			"port":            d.defaults.Server.Port,
			"public_url":      d.defaults.Server.PublicURL,
			"allowed_origins": d.defaults.Server.AllowedOrigins,
			"tls": map[string]interface{}{
				"mode":      d.defaults.Server.TLS.Mode,
				"cert_file": d.defaults.Server.TLS.CertFile,
				"key_file":  d.defaults.Server.TLS.KeyFile,
				"auto": map[string]interface{}{
					"domain":    d.defaults.Server.TLS.Auto.Domain,
					"email":     d.defaults.Server.TLS.Auto.Email,
					"cache_dir": d.defaults.Server.TLS.Auto.CacheDir,
				},
			},
		},
		"database": map[string]interface{}{
			"path":           d.defaults.Database.Path,
			"max_open_conns": d.defaults.Database.MaxOpenConns,
			"busy_timeout":   d.defaults.Database.BusyTimeout.String(),
			"cache_size":     d.defaults.Database.CacheSize,
			"mmap_size":      d.defaults.Database.MmapSize,
		},
		"auth": map[string]interface{}{
			"token_secret": d.defaults.Auth.TokenSecret,
			"token_ttl":    d.defaults.Auth.TokenTTL.String(),
			"bcrypt_cost":  d.defaults.Auth.BcryptCost,
			"dev_mode":     d.defaults.Auth.DevMode,
		},
		"bus": map[string]interface{}{
			"driver": d.defaults.Bus.Driver,
			"nats": map[string]interface{}{
				"url":            d.defaults.Bus.NATS.URL,
				"subject_prefix": d.defaults.Bus.NATS.SubjectPrefix,
				"max_reconnects": d.defaults.Bus.NATS.MaxReconnects,
				"reconnect_wait": d.defaults.Bus.NATS.ReconnectWait.String(),
				"ping_interval":  d.defaults.Bus.NATS.PingInterval.String(),
			},
		},
		"gateway": map[string]interface{}{
			"heartbeat_interval":       d.defaults.Gateway.HeartbeatInterval.String(),
			"heartbeat_miss_threshold": d.defaults.Gateway.HeartbeatMissThreshold,
			"drain_timeout":            d.defaults.Gateway.DrainTimeout.String(),
			"shutdown_grace":           d.defaults.Gateway.ShutdownGrace.String(),
			"outbound_queue_capacity":  d.defaults.Gateway.OutboundQueueCapacity,
			"reorder_window":           d.defaults.Gateway.ReorderWindow.String(),
			"upgrades_per_minute":      d.defaults.Gateway.UpgradesPerMinute,
		},
		"membership": map[string]interface{}{
			"cache_ttl": d.defaults.Membership.CacheTTL.String(),
		},
		"message": map[string]interface{}{
			"allocator_max_retries": d.defaults.Message.AllocatorMaxRetries,
			"history_max_limit":     d.defaults.Message.HistoryMaxLimit,
			"content_max_length":    d.defaults.Message.ContentMaxLength,
			"dedupe_window":         d.defaults.Message.DedupeWindow.String(),
		},
		"store": map[string]interface{}{
			"query_timeout": d.defaults.Store.QueryTimeout.String(),
		},
		"rate_limit": map[string]interface{}{
			"enabled": d.defaults.RateLimit.Enabled,
			"login": map[string]interface{}{
				"limit":  d.defaults.RateLimit.Login.Limit,
				"window": d.defaults.RateLimit.Login.Window.String(),
			},
			"register": map[string]interface{}{
				"limit":  d.defaults.RateLimit.Register.Limit,
				"window": d.defaults.RateLimit.Register.Window.String(),
			},
		},
		"presence": map[string]interface{}{
			"ttl":            d.defaults.Presence.TTL.String(),
			"sweep_interval": d.defaults.Presence.SweepInterval.String(),
		},
		"link_preview": map[string]interface{}{
			"enabled": d.defaults.LinkPreview.Enabled,
		},
		"log": map[string]interface{}{
			"level":  d.defaults.Log.Level,
			"format": d.defaults.Log.Format,
		},
		"telemetry": map[string]interface{}{
			"otlp_endpoint": d.defaults.Telemetry.OTLPEndpoint,
			"insecure":      d.defaults.Telemetry.Insecure,
			"service_name":  d.defaults.Telemetry.ServiceName,
		},
	}, nil
}

func SetupFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("echod", pflag.ContinueOnError)
	flags.String("config", "", "Path to config file")
	flags.String("server.host", "", "Server host")
	flags.Int("server.port", 0, "Server port")
	flags.String("server.public_url", "", "Public URL")
	flags.StringSlice("server.allowed_origins", nil, "Allowed CORS origins")
	flags.String("server.tls.mode", "", "TLS mode: off, auto, or manual")
	flags.String("server.tls.cert_file", "", "TLS certificate file (manual mode)")
	flags.String("server.tls.key_file", "", "TLS key file (manual mode)")
	flags.String("server.tls.auto.domain", "", "Domain for automatic TLS (auto mode)")
	flags.String("server.tls.auto.email", "", "Contact email for Let's Encrypt (auto mode)")
	flags.String("server.tls.auto.cache_dir", "", "Certificate cache directory (auto mode)")
	flags.String("database.path", "", "Database path")
	flags.String("auth.token_secret", "", "Access token signing secret")
	flags.Duration("auth.token_ttl", 0, "Access token lifetime")
	flags.Bool("auth.dev_mode", false, "Generate a throwaway token secret at startup")
	flags.String("bus.driver", "", "Event bus driver: memory or nats")
	flags.String("bus.nats.url", "", "NATS server URL")
	flags.Duration("gateway.heartbeat_interval", 0, "Socket heartbeat interval")
	flags.Duration("gateway.shutdown_grace", 0, "Drain window before sockets are closed on shutdown")
	flags.String("log.level", "", "Log level: debug, info, warn, or error")
	flags.String("log.format", "", "Log format: text or json")
	flags.String("telemetry.otlp_endpoint", "", "OTLP gRPC endpoint (empty disables export)")
	return flags
}
