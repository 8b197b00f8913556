package config

import "time"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Auth        AuthConfig        `koanf:"auth"`
	Bus         BusConfig         `koanf:"bus"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Membership  MembershipConfig  `koanf:"membership"`
	Message     MessageConfig     `koanf:"message"`
	Store       StoreConfig       `koanf:"store"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Presence    PresenceConfig    `koanf:"presence"`
	LinkPreview LinkPreviewConfig `koanf:"link_preview"`
	Log         LogConfig         `koanf:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Host           string    `koanf:"host"`
	Port           int       `koanf:"port"`
	PublicURL      string    `koanf:"public_url"`
	AllowedOrigins []string  `koanf:"allowed_origins"`
	TLS            TLSConfig `koanf:"tls"`
}

type TLSConfig struct {
	Mode     string        `koanf:"mode"` // off, auto, manual
	CertFile string        `koanf:"cert_file"`
	KeyFile  string        `koanf:"key_file"`
	Auto     TLSAutoConfig `koanf:"auto"`
}

type TLSAutoConfig struct {
	Domain   string `koanf:"domain"`
	Email    string `koanf:"email"`
	CacheDir string `koanf:"cache_dir"`
}

type DatabaseConfig struct {
	Path         string        `koanf:"path"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	BusyTimeout  time.Duration `koanf:"busy_timeout"`
	CacheSize    int           `koanf:"cache_size"`
	MmapSize     int64         `koanf:"mmap_size"`
}

type AuthConfig struct {
	// TokenSecret signs access tokens. Required unless DevMode generates one.
	TokenSecret string        `koanf:"token_secret"`
	TokenTTL    time.Duration `koanf:"token_ttl"`
	BcryptCost  int           `koanf:"bcrypt_cost"`
	DevMode     bool          `koanf:"dev_mode"`
}

type BusConfig struct {
	Driver string     `koanf:"driver"` // memory, nats
	NATS   NATSConfig `koanf:"nats"`
}

type NATSConfig struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	PingInterval  time.Duration `koanf:"ping_interval"`
}

type GatewayConfig struct {
	HeartbeatInterval      time.Duration `koanf:"heartbeat_interval"`
	HeartbeatMissThreshold int           `koanf:"heartbeat_miss_threshold"`
	DrainTimeout           time.Duration `koanf:"drain_timeout"`
	ShutdownGrace          time.Duration `koanf:"shutdown_grace"`
	OutboundQueueCapacity  int           `koanf:"outbound_queue_capacity"`
	ReorderWindow          time.Duration `koanf:"reorder_window"`
	UpgradesPerMinute      int           `koanf:"upgrades_per_minute"`
}

type MembershipConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type MessageConfig struct {
	AllocatorMaxRetries int           `koanf:"allocator_max_retries"`
	HistoryMaxLimit     int           `koanf:"history_max_limit"`
	ContentMaxLength    int           `koanf:"content_max_length"`
	DedupeWindow        time.Duration `koanf:"dedupe_window"`
}

type StoreConfig struct {
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

type RateLimitConfig struct {
	Enabled  bool              `koanf:"enabled"`
	Login    RateLimitEndpoint `koanf:"login"`
	Register RateLimitEndpoint `koanf:"register"`
}

type RateLimitEndpoint struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

type PresenceConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type LinkPreviewConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
	ServiceName  string `koanf:"service_name"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8084,
			PublicURL: "http://localhost:8084",
			TLS: TLSConfig{
				Mode: "off",
				Auto: TLSAutoConfig{
					CacheDir: "./data/certs",
				},
			},
		},
		Database: DatabaseConfig{
			Path:         "./data/echo.db",
			MaxOpenConns: 4,
			BusyTimeout:  5 * time.Second,
			CacheSize:    -20000, // 20MB page cache
			MmapSize:     256 << 20,
		},
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Bus: BusConfig{
			Driver: "memory",
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "echo",
				MaxReconnects: -1,
				ReconnectWait: 500 * time.Millisecond,
				PingInterval:  30 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			HeartbeatInterval:      25 * time.Second,
			HeartbeatMissThreshold: 2,
			DrainTimeout:           2 * time.Second,
			ShutdownGrace:          20 * time.Second,
			OutboundQueueCapacity:  1024,
			ReorderWindow:          250 * time.Millisecond,
			UpgradesPerMinute:      60,
		},
		Membership: MembershipConfig{
			CacheTTL: 5 * time.Second,
		},
		Message: MessageConfig{
			AllocatorMaxRetries: 5,
			HistoryMaxLimit:     100,
			ContentMaxLength:    8000,
			DedupeWindow:        60 * time.Second,
		},
		Store: StoreConfig{
			QueryTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Login:    RateLimitEndpoint{Limit: 10, Window: time.Minute},
			Register: RateLimitEndpoint{Limit: 5, Window: time.Minute},
		},
		Presence: PresenceConfig{
			TTL:           60 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		LinkPreview: LinkPreviewConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Insecure:    true,
			ServiceName: "echo-api",
		},
	}
}
