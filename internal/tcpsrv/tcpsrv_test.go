package tcpsrv

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
)

// TestListener_ServesOneClientAtATime verifies a second dial only gets
// served after the first connection's handler returns.
func TestListener_ServesOneClientAtATime(t *testing.T) {
	bus := busstate.New()
	release := make(chan struct{})
	var served int

	l := &Listener{
		Name: "test",
		Addr: "127.0.0.1:0",
		Bus:  bus,
		Handler: func(ctx context.Context, conn net.Conn) error {
			served++
			<-release
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	l.Addr = addr

	go func() { _ = l.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	c1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer c1.Close()
	time.Sleep(50 * time.Millisecond)

	dialed := make(chan error, 1)
	go func() {
		c2, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			c2.Close()
		}
		dialed <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if served != 1 {
		t.Fatalf("expected exactly 1 client served while first is in flight, got %d", served)
	}

	close(release)
	time.Sleep(150 * time.Millisecond)
	if served < 1 {
		t.Fatalf("expected the handler to have run")
	}
	<-dialed
}

// TestListener_BusAndEdgeUpdatedAroundEachConnection verifies the bus
// counter is incremented on accept, decremented after close, and the edge
// callback fires exactly once per served connection.
func TestListener_BusAndEdgeUpdatedAroundEachConnection(t *testing.T) {
	bus := busstate.New()
	edgeCalls := 0

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var observedConnected int32
	l := &Listener{
		Name: "test",
		Addr: addr,
		Bus:  bus,
		Edge: func() { edgeCalls++ },
		Handler: func(ctx context.Context, conn net.Conn) error {
			observedConnected = bus.Connected()
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()
	time.Sleep(100 * time.Millisecond)

	if observedConnected != 1 {
		t.Fatalf("bus connected during handler = %d, want 1", observedConnected)
	}
	if bus.Connected() != 0 {
		t.Fatalf("bus connected after close = %d, want 0", bus.Connected())
	}
	if edgeCalls != 1 {
		t.Fatalf("edge calls = %d, want 1", edgeCalls)
	}
}

// TestListener_ListenFailureIsFatal verifies an unusable address surfaces
// as an error from ListenAndServe rather than blocking.
func TestListener_ListenFailureIsFatal(t *testing.T) {
	l := &Listener{
		Name: "test",
		Addr: "bad-host-that-does-not-resolve:99999",
		Bus:  busstate.New(),
		Handler: func(ctx context.Context, conn net.Conn) error {
			return nil
		},
	}
	if err := l.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected a listen error")
	}
}

// TestListener_HandlerErrorDoesNotStopListener verifies the listener keeps
// serving subsequent connections after a handler returns an error.
func TestListener_HandlerErrorDoesNotStopListener(t *testing.T) {
	bus := busstate.New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var count int
	l := &Listener{
		Name: "test",
		Addr: addr,
		Bus:  bus,
		Handler: func(ctx context.Context, conn net.Conn) error {
			count++
			return fmt.Errorf("boom")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_ = bufio.NewReader(c)
		c.Close()
		time.Sleep(50 * time.Millisecond)
	}

	if count != 2 {
		t.Fatalf("handler invocations = %d, want 2", count)
	}
}
