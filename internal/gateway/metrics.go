package gateway

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/echochat/api/internal/gateway"

var tracer = otel.Tracer(scopeName)

// instruments holds the gateway's meters. Registration failures are logged
// and leave the instrument nil; the record methods skip nil instruments.
type instruments struct {
	sessions metric.Int64UpDownCounter
	upgrades metric.Int64Counter
	commands metric.Int64Counter
	closes   metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(scopeName)
	ins := &instruments{}
	var err error

	if ins.sessions, err = meter.Int64UpDownCounter("echo.gateway.sessions",
		metric.WithDescription("Open websocket sessions")); err != nil {
		slog.Warn("registering gateway instrument", "instrument", "sessions", "error", err)
	}
	if ins.upgrades, err = meter.Int64Counter("echo.gateway.upgrades",
		metric.WithDescription("Accepted websocket upgrades")); err != nil {
		slog.Warn("registering gateway instrument", "instrument", "upgrades", "error", err)
	}
	if ins.commands, err = meter.Int64Counter("echo.gateway.commands",
		metric.WithDescription("Inbound socket commands by name")); err != nil {
		slog.Warn("registering gateway instrument", "instrument", "commands", "error", err)
	}
	if ins.closes, err = meter.Int64Counter("echo.gateway.closes",
		metric.WithDescription("Session closes by reason")); err != nil {
		slog.Warn("registering gateway instrument", "instrument", "closes", "error", err)
	}
	return ins
}

func (i *instruments) sessionOpened(ctx context.Context) {
	if i.sessions != nil {
		i.sessions.Add(ctx, 1)
	}
	if i.upgrades != nil {
		i.upgrades.Add(ctx, 1)
	}
}

func (i *instruments) sessionClosed(ctx context.Context, reason string) {
	if i.sessions != nil {
		i.sessions.Add(ctx, -1)
	}
	if i.closes != nil {
		i.closes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (i *instruments) command(ctx context.Context, name string) {
	if i.commands != nil {
		i.commands.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
	}
}

// commandSpan opens a span for one inbound command; the gateway sits past
// the HTTP middleware, so sessions trace their own work.
func commandSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "gateway.command",
		trace.WithAttributes(attribute.String("command", name)))
}

func closeReason(code int) string {
	switch code {
	case closeCodeAuthExpired:
		return "auth_expired"
	case closeCodeTimeout:
		return "heartbeat_timeout"
	case closeCodeSlowConsumer:
		return "slow_consumer"
	case websocket.CloseGoingAway:
		return "drain"
	case websocket.CloseNormalClosure:
		return "normal"
	}
	return "abnormal"
}
