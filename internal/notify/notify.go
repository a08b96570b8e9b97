// Package notify implements the event multiplexer: it reports HEVC
// power-state transitions, forwards lines from the external X-event probe,
// surfaces connection-state-bus edges, and emits a liveness ping every 10
// poll iterations.
package notify

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
	"github.com/vinnie112/nx-remote-daemon/internal/procutil"
)

const (
	pollInterval  = 100 * time.Millisecond
	pingEveryN    = 10
	hevcStatePath = "/sys/kernel/debug/pmu/hevc/state"
)

// Probe starts the external X-event probe and hands back its stdout plus a
// handle that closes the pipe and signals the process on exit. The probe's
// first output line is its PID — load-bearing protocol with that helper.
type Probe interface {
	Start() (io.Reader, *procutil.Handle, error)
}

// Multiplexer drains the probe, the HEVC state file, and the bus onto conn.
type Multiplexer struct {
	Probe  Probe
	Bus    *busstate.Bus
	Logger *slog.Logger

	// HEVCStatePath overrides hevcStatePath for tests.
	HEVCStatePath string
}

func (m *Multiplexer) hevcPath() string {
	if m.HEVCStatePath != "" {
		return m.HEVCStatePath
	}
	return hevcStatePath
}

// Run multiplexes onto conn until a write fails or the probe's pipe reports
// an unrecoverable read error.
func (m *Multiplexer) Run(conn net.Conn) error {
	hevc, err := os.Open(m.hevcPath())
	if err != nil {
		metrics.IncError(metrics.ErrNotifyProbe)
		return fmt.Errorf("open hevc state: %w", err)
	}
	defer hevc.Close()

	probeOut, handle, err := m.Probe.Start()
	if err != nil {
		metrics.IncError(metrics.ErrNotifyProbe)
		return fmt.Errorf("start event probe: %w", err)
	}
	defer handle.Close()

	reader := bufio.NewReader(probeOut)
	pid, err := reader.ReadString('\n')
	if err != nil {
		metrics.IncError(metrics.ErrNotifyProbe)
		return fmt.Errorf("read event probe pid: %w", err)
	}
	if m.Logger != nil {
		m.Logger.Debug("event_probe_started", "pid", strings.TrimSpace(pid))
	}

	lines := readLines(reader)
	hevcState := -1 // unknown
	count := 0

	for {
		if state, changed := pollHEVC(hevc, &hevcState); changed {
			msg := "hevc=off\n"
			if state == 1 {
				msg = "hevc=on\n"
			}
			if err := writeString(conn, msg); err != nil {
				return err
			}
		}

		select {
		case res := <-lines:
			if res.err != nil {
				metrics.IncError(metrics.ErrNotifyProbe)
				return fmt.Errorf("event probe ended: %w", res.err)
			}
			if err := writeString(conn, res.line); err != nil {
				return err
			}
		default:
			time.Sleep(pollInterval)
		}

		if m.Bus.TakeVideoClosed() {
			if err := writeString(conn, "socket_closed=video\n"); err != nil {
				return err
			}
		}
		if m.Bus.TakeXwinClosed() {
			if err := writeString(conn, "socket_closed=xwin\n"); err != nil {
				return err
			}
		}
		if m.Bus.TakeExecutorClosed() {
			if err := writeString(conn, "socket_closed=executor\n"); err != nil {
				return err
			}
		}

		if count%pingEveryN == 0 {
			if err := writeString(conn, "ping\n"); err != nil {
				return err
			}
			metrics.IncNotifyPing()
			count = 0
		}
		count++
	}
}

// pollHEVC rewinds and re-reads the HEVC state file, reporting whether the
// on/off state changed since the last call. state is updated in place:
// 0=off, 1=on, -1=unknown.
func pollHEVC(f *os.File, state *int) (newState int, changed bool) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return *state, false
	}
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	content := string(buf[:n])
	switch {
	case strings.HasPrefix(content, "on"):
		if *state != 1 {
			*state = 1
			return 1, true
		}
	case strings.HasPrefix(content, "off"):
		if *state != 0 {
			*state = 0
			return 0, true
		}
	}
	return *state, false
}

// lineResult is one outcome of a line read: either a complete line, or the
// error (including io.EOF once the probe process exits) that ended the
// stream for good.
type lineResult struct {
	line string
	err  error
}

// readLines drains r in its own goroutine and publishes each outcome on the
// returned channel, so Run's loop can poll it with a non-blocking select
// instead of blocking on the probe's pipe: a real subprocess pipe has no
// portable read-deadline the way a net.Conn does, so the timeout has to live
// on this side of the channel, not on the reader itself. The goroutine exits
// after its first error; a closed probe pipe surfaces here as io.EOF, which
// Run treats as an unrecoverable read error rather than a transient gap.
func readLines(r *bufio.Reader) <-chan lineResult {
	ch := make(chan lineResult, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- lineResult{err: err}
				return
			}
			ch <- lineResult{line: line}
		}
	}()
	return ch
}

func writeString(conn net.Conn, s string) error {
	if _, err := io.WriteString(conn, s); err != nil {
		metrics.IncError(metrics.ErrNotifyWrite)
		return fmt.Errorf("notify write: %w", err)
	}
	return nil
}
