package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

func Validate(cfg *Config) error {
	var errs []error

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	if cfg.Server.PublicURL != "" {
		if _, err := url.Parse(cfg.Server.PublicURL); err != nil {
			errs = append(errs, fmt.Errorf("server.public_url is not a valid URL: %w", err))
		}
	}
	for i, origin := range cfg.Server.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q is not a valid URL with scheme", i, origin))
		}
	}

	// TLS validation
	switch cfg.Server.TLS.Mode {
	case "", "off":
		// no additional validation needed
	case "auto":
		if cfg.Server.TLS.Auto.Domain == "" {
			errs = append(errs, fmt.Errorf("server.tls.auto.domain is required when tls mode is auto"))
		}
		if cfg.Server.TLS.Auto.CacheDir == "" {
			errs = append(errs, fmt.Errorf("server.tls.auto.cache_dir is required when tls mode is auto"))
		}
	case "manual":
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, fmt.Errorf("server.tls.cert_file is required when tls mode is manual"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls.key_file is required when tls mode is manual"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.tls.mode must be off, auto, or manual"))
	}

	// Database validation
	if cfg.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	// Auth validation
	if cfg.Auth.TokenSecret == "" && !cfg.Auth.DevMode {
		errs = append(errs, fmt.Errorf("auth.token_secret is required (or set auth.dev_mode)"))
	}
	if cfg.Auth.TokenTTL < time.Minute {
		errs = append(errs, fmt.Errorf("auth.token_ttl must be at least 1 minute"))
	}
	if cfg.Auth.BcryptCost < 10 || cfg.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be between 10 and 31"))
	}

	// Bus validation
	switch cfg.Bus.Driver {
	case "memory":
	case "nats":
		if cfg.Bus.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("bus.nats.url is required when bus driver is nats"))
		}
		if cfg.Bus.NATS.SubjectPrefix == "" {
			errs = append(errs, fmt.Errorf("bus.nats.subject_prefix is required when bus driver is nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver must be memory or nats"))
	}

	// Gateway validation
	if cfg.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("gateway.heartbeat_interval must be positive"))
	}
	if cfg.Gateway.HeartbeatMissThreshold < 1 {
		errs = append(errs, fmt.Errorf("gateway.heartbeat_miss_threshold must be at least 1"))
	}
	if cfg.Gateway.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.drain_timeout must be positive"))
	}
	if cfg.Gateway.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("gateway.shutdown_grace must be positive"))
	}
	if cfg.Gateway.OutboundQueueCapacity < 16 {
		errs = append(errs, fmt.Errorf("gateway.outbound_queue_capacity must be at least 16"))
	}
	if cfg.Gateway.ReorderWindow < 0 {
		errs = append(errs, fmt.Errorf("gateway.reorder_window must not be negative"))
	}

	// Membership validation
	if cfg.Membership.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("membership.cache_ttl must be positive"))
	}

	// Message validation
	if cfg.Message.AllocatorMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("message.allocator_max_retries must be at least 1"))
	}
	if cfg.Message.HistoryMaxLimit < 1 {
		errs = append(errs, fmt.Errorf("message.history_max_limit must be at least 1"))
	}
	if cfg.Message.ContentMaxLength < 1 {
		errs = append(errs, fmt.Errorf("message.content_max_length must be at least 1"))
	}
	if cfg.Message.DedupeWindow <= 0 {
		errs = append(errs, fmt.Errorf("message.dedupe_window must be positive"))
	}

	// Store validation
	if cfg.Store.QueryTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("store.query_timeout must be at least 100ms"))
	}

	// Rate limit validation (only when enabled)
	if cfg.RateLimit.Enabled {
		for _, ep := range []struct {
			name string
			cfg  RateLimitEndpoint
		}{
			{"rate_limit.login", cfg.RateLimit.Login},
			{"rate_limit.register", cfg.RateLimit.Register},
		} {
			if ep.cfg.Limit < 1 {
				errs = append(errs, fmt.Errorf("%s.limit must be at least 1", ep.name))
			}
			if ep.cfg.Window < time.Second {
				errs = append(errs, fmt.Errorf("%s.window must be at least 1s", ep.name))
			}
		}
	}

	// Presence validation
	if cfg.Presence.TTL <= 0 {
		errs = append(errs, fmt.Errorf("presence.ttl must be positive"))
	}
	if cfg.Presence.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("presence.sweep_interval must be positive"))
	}

	// Log validation
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error"))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
