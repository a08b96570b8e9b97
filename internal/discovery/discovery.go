// Package discovery implements the UDP broadcaster: once per second, while
// no TCP client is connected anywhere on the daemon, it broadcasts a fixed
// identity banner so idle devices can be found on the local network.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
)

const (
	// Banner is the fixed 32-byte ASCII identity broadcast while idle.
	bannerText  = "NX_REMOTE|1.0|NX500|"
	bannerSize  = 32
	broadcastTo = "255.255.255.255:5681"
	tickPeriod  = time.Second
)

// Banner returns the zero-padded 32-byte discovery banner.
func Banner() [bannerSize]byte {
	var b [bannerSize]byte
	copy(b[:], bannerText)
	return b
}

// PopupScript invokes the disconnect-announcement helper.
type PopupScript interface {
	Announce(message string) error
}

// ExecPopupScript runs popup_timeout.sh <secs> <message> via argv.
type ExecPopupScript struct {
	Path    string
	Seconds string // e.g. "5"
}

func (p ExecPopupScript) Announce(message string) error {
	secs := p.Seconds
	if secs == "" {
		secs = "5"
	}
	return exec.Command(p.Path, secs, message).Run()
}

// Sender is the one-packet-at-a-time transport; satisfied by a
// SO_BROADCAST-enabled *net.UDPConn in production and a fake in tests.
type Sender interface {
	Send(addr string, payload []byte) error
}

// UDPSender wraps a UDP socket already configured with SO_BROADCAST.
type UDPSender struct {
	Conn *net.UDPConn
}

func (s UDPSender) Send(addr string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve broadcast addr: %w", err)
	}
	_, err = s.Conn.WriteToUDP(payload, raddr)
	return err
}

// NewBroadcastSocket opens a UDP socket with SO_BROADCAST set, ready for
// UDPSender.
func NewBroadcastSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp: %w", err)
	}
	if err := setBroadcast(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("discovery: set broadcast: %w", err)
	}
	return conn, nil
}

// Broadcaster ticks once a second, broadcasting the banner while the bus
// reports zero connected clients and announcing the idle transition once
// through the popup script.
type Broadcaster struct {
	Sender Sender
	Popup  PopupScript
	Bus    *busstate.Bus
	Logger *slog.Logger

	// Dest is the broadcast destination address; defaults to broadcastTo
	// when empty.
	Dest string

	pendingDisconnect bool
}

func (b *Broadcaster) dest() string {
	if b.Dest != "" {
		return b.Dest
	}
	return broadcastTo
}

// Run broadcasts until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	if b.Bus.Connected() == 0 {
		if b.pendingDisconnect {
			if b.Popup != nil {
				if err := b.Popup.Announce("disconnected"); err != nil && b.Logger != nil {
					b.Logger.Warn("popup_script_failed", "error", err)
				}
			}
			b.pendingDisconnect = false
		}
		banner := Banner()
		if err := b.Sender.Send(b.dest(), banner[:]); err != nil {
			metrics.IncError(metrics.ErrDiscovery)
			if b.Logger != nil {
				b.Logger.Warn("discovery_send_failed", "error", err)
			}
			return
		}
		metrics.IncDiscoveryPacket()
		return
	}
	b.pendingDisconnect = true
}
