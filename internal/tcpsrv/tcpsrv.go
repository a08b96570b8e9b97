// Package tcpsrv implements the listener harness shared by the notify,
// video, xwin, and executor ports: one client served at a time per port,
// with the next accept only issued once the current client's handler has
// returned.
package tcpsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/logging"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen = errors.New("listen")
	ErrAccept = errors.New("accept")
)

// mapErrToMetric maps a wrapped sentinel error to a metrics error label.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	default:
		return "other"
	}
}

// Handler serves one accepted connection to completion.
type Handler func(ctx context.Context, conn net.Conn) error

// Edge is the bus edge a listener raises once a served connection closes;
// e.g. bus.RaiseVideoClosed.
type Edge func()

// Listener owns one port's accept loop: bind once, then serially accept,
// run the handler to completion, close, and raise the port's edge.
type Listener struct {
	Name    string // "video", "xwin", "notify", "executor" — used in logs/metrics
	Addr    string
	Handler Handler
	Bus     *busstate.Bus
	Edge    Edge // optional; called after each served connection closes
	Logger  *slog.Logger
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return logging.L()
}

// ListenAndServe opens the listener with address reuse (the accept backlog
// is the operating system's default; net.ListenConfig does not expose it),
// then serially accepts connections until ctx is cancelled. A failure to
// listen is fatal and returned to the caller; a failure inside a served
// connection's handler ends that connection only — the loop continues.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", l.Addr)
	if err != nil {
		wrap := fmt.Errorf("%w %s: %v", ErrListen, l.Addr, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	defer ln.Close()

	go func() { <-ctx.Done(); _ = ln.Close() }()

	l.logger().Info("tcp_listen", "port", l.Name, "addr", l.Addr)
	for {
		if err := l.acceptOnce(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Listener) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		wrap := fmt.Errorf("%w on %s: %v", ErrAccept, l.Name, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}

	l.Bus.Connect()
	metrics.SetConnected(l.Name, true)
	connLogger := l.logger().With("port", l.Name, "remote", conn.RemoteAddr().String())
	connLogger.Info("client_connected")

	if err := l.Handler(ctx, conn); err != nil {
		connLogger.Warn("handler_ended", "error", err)
	}
	_ = conn.Close()

	l.Bus.Disconnect()
	metrics.SetConnected(l.Name, false)
	if l.Edge != nil {
		l.Edge()
	}
	connLogger.Info("client_disconnected")
	return nil
}
