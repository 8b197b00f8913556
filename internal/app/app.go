// Package app builds the whole process out of configuration: storage, bus,
// membership oracle, gateway, HTTP surface, and the background loops that
// keep them healthy.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/bus"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/config"
	"github.com/echochat/api/internal/database"
	"github.com/echochat/api/internal/event"
	"github.com/echochat/api/internal/gateway"
	"github.com/echochat/api/internal/handler"
	"github.com/echochat/api/internal/linkpreview"
	"github.com/echochat/api/internal/membership"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/presence"
	"github.com/echochat/api/internal/ratelimit"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/room"
	"github.com/echochat/api/internal/server"
	"github.com/echochat/api/internal/thread"
	"github.com/echochat/api/internal/user"
	"github.com/echochat/api/internal/workspace"
)

type App struct {
	Config      *config.Config
	DB          *database.DB
	Bus         bus.Bus
	Rooms       *room.Manager
	Gateway     *gateway.Gateway
	Presence    *presence.Manager
	Server      *server.Server
	RateLimiter *ratelimit.Limiter
	Previews    *linkpreview.Repository

	oracleSub bus.Subscription
}

func New(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database.Path, database.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
		CacheSize:    cfg.Database.CacheSize,
		MmapSize:     cfg.Database.MmapSize,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	secret, err := tokenSecret(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b, err := newBus(cfg.Bus)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	users := user.NewRepository(db.DB)
	workspaces := workspace.NewRepository(db.DB)
	channels := channel.NewRepository(db.DB)
	messages := message.NewRepository(db.DB, message.Options{
		AllocatorMaxRetries: cfg.Message.AllocatorMaxRetries,
		HistoryMaxLimit:     cfg.Message.HistoryMaxLimit,
		ContentMaxLength:    cfg.Message.ContentMaxLength,
		DedupeWindow:        cfg.Message.DedupeWindow,
	})
	receipts := receipt.NewRepository(db.DB)
	threads := thread.NewRepository(db.DB)
	previews := linkpreview.NewRepository(db.DB)

	verifier := auth.NewVerifier([]byte(secret), cfg.Auth.TokenTTL)
	authService := auth.NewService(users, verifier, cfg.Auth.BcryptCost)
	events := event.NewRouter(b)

	// The oracle invalidates through the same bus the gateway consumes, so
	// revocation works identically with one node or many.
	oracle := membership.NewOracle(workspaces, channels, cfg.Membership.CacheTTL)
	oracleSub, err := oracle.AttachInvalidator(b)
	if err != nil {
		b.Close()
		_ = db.Close()
		return nil, fmt.Errorf("attaching membership invalidator: %w", err)
	}

	rooms := room.NewManager(b, room.Options{})
	presenceManager := presence.NewManager(events, presence.Options{
		TTL:           cfg.Presence.TTL,
		SweepInterval: cfg.Presence.SweepInterval,
	})

	gw := gateway.New(gateway.Dependencies{
		Verifier:    verifier,
		Memberships: oracle,
		Heads:       messages,
		Rooms:       rooms,
		Presence:    presenceManager,
	}, gateway.Options{
		HeartbeatInterval:      cfg.Gateway.HeartbeatInterval,
		HeartbeatMissThreshold: cfg.Gateway.HeartbeatMissThreshold,
		DrainTimeout:           cfg.Gateway.DrainTimeout,
		ShutdownGrace:          cfg.Gateway.ShutdownGrace,
		OutboundQueueCapacity:  cfg.Gateway.OutboundQueueCapacity,
		ReorderWindow:          reorderWindowFor(cfg.Bus.Driver, cfg.Gateway.ReorderWindow),
		CommandTimeout:         cfg.Store.QueryTimeout,
		AllowedOrigins:         cfg.Server.AllowedOrigins,
		UpgradesPerMinute:      cfg.Gateway.UpgradesPerMinute,
	})

	h := handler.New(handler.Dependencies{
		AuthService:  authService,
		Users:        users,
		Workspaces:   workspaces,
		Channels:     channels,
		Messages:     messages,
		Receipts:     receipts,
		Threads:      threads,
		Previews:     previews,
		Fetcher:      linkpreview.NewFetcher(previews),
		Oracle:       oracle,
		Events:       events,
		Presence:     presenceManager,
		QueryTimeout: cfg.Store.QueryTimeout,
		LinkPreviews: cfg.LinkPreview.Enabled,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter([]ratelimit.Rule{
			{Method: "POST", Path: "/api/auth/login", Limit: cfg.RateLimit.Login.Limit, Window: cfg.RateLimit.Login.Window},
			{Method: "POST", Path: "/api/auth/register", Limit: cfg.RateLimit.Register.Limit, Window: cfg.RateLimit.Register.Window},
		})
	}

	router := server.NewRouter(h, gw, verifier, limiter, cfg.Server.AllowedOrigins)

	tlsOpts := server.TLSOptions{
		Mode:     cfg.Server.TLS.Mode,
		CertFile: cfg.Server.TLS.CertFile,
		KeyFile:  cfg.Server.TLS.KeyFile,
		Domain:   cfg.Server.TLS.Auto.Domain,
		Email:    cfg.Server.TLS.Auto.Email,
		CacheDir: cfg.Server.TLS.Auto.CacheDir,
	}
	if tlsOpts.Mode == "auto" {
		if err := os.MkdirAll(tlsOpts.CacheDir, 0o700); err != nil {
			b.Close()
			_ = db.Close()
			return nil, fmt.Errorf("creating TLS cache directory: %w", err)
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		otelhttp.NewHandler(router, "echo.http"), tlsOpts)

	return &App{
		Config:      cfg,
		DB:          db,
		Bus:         b,
		Rooms:       rooms,
		Gateway:     gw,
		Presence:    presenceManager,
		Server:      srv,
		RateLimiter: limiter,
		Previews:    previews,
		oracleSub:   oracleSub,
	}, nil
}

// reorderWindowFor disables the receive-side reorder stage on the
// in-process bus, which already hands frames over in publish order. Only a
// real broker can reorder deliveries enough to need the buffering.
func reorderWindowFor(driver string, window time.Duration) time.Duration {
	switch driver {
	case "", "memory":
		return 0
	}
	return window
}

// newBus picks the fan-out backend. Memory serves a single node; NATS keeps
// several nodes consistent.
func newBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return bus.NewMemory(), nil
	case "nats":
		return bus.NewNATS(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			PingInterval:  cfg.NATS.PingInterval,
		})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// tokenSecret resolves the HS256 signing secret. Production requires it in
// configuration; dev mode persists a generated one next to the database so
// tokens survive restarts.
func tokenSecret(cfg *config.Config) (string, error) {
	if s := strings.TrimSpace(cfg.Auth.TokenSecret); s != "" {
		return s, nil
	}
	if !cfg.Auth.DevMode {
		return "", errors.New("auth.token_secret is required (or enable auth.dev_mode)")
	}

	secretPath := filepath.Join(filepath.Dir(cfg.Database.Path), ".token_secret")
	if data, err := os.ReadFile(secretPath); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(secretPath), 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing token secret: %w", err)
	}
	slog.Info("generated dev token secret", "path", secretPath)
	return secret, nil
}

// Start runs the listener and the background loops until ctx is canceled
// or the listener fails. A clean Shutdown makes Start return nil.
func (a *App) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Presence.Run(ctx)
		return nil
	})

	if a.RateLimiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.RateLimiter.Cleanup()
				}
			}
		})
	}

	if a.Config.LinkPreview.Enabled {
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := a.Previews.CleanExpiredCache(ctx); err != nil {
						slog.Warn("link preview cache sweep", "error", err)
					}
				}
			}
		})
	}

	g.Go(func() error {
		err := a.Server.Start()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	slog.Info("echo backend up",
		"addr", a.Server.Addr(),
		"database", a.Config.Database.Path,
		"bus", busName(a.Config.Bus.Driver),
		"tls", a.Server.TLSMode(),
	)

	return g.Wait()
}

func busName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}

// Shutdown tears the process down in dependency order: notify and drain
// socket sessions first, then stop the listener, then the fan-out layer,
// and the database last.
func (a *App) Shutdown(ctx context.Context) error {
	a.Gateway.Shutdown(ctx)

	if err := a.Server.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	if a.oracleSub != nil {
		_ = a.oracleSub.Unsubscribe()
	}
	a.Rooms.Close()
	a.Bus.Close()

	return a.DB.Close()
}
