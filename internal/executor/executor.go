// Package executor implements the command channel: one newline-terminated
// command per line, dispatched by prefix, with a zero-length terminator
// written after every handled command and a 5-second ping watchdog.
package executor

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
)

const (
	pingTimeout  = 5000 * time.Millisecond
	readRetry    = 50 * time.Millisecond
	maxLineBytes = 255
	maxArgs      = 63
	readChunk    = 1024
)

// Injector writes a line to the external input-injection helper's stdin.
type Injector interface {
	Inject(payload string) error
}

// LCDControl invokes the LCD-control script with a single argument.
type LCDControl interface {
	Set(mode string) error
}

// execInjector pipes to a long-lived subprocess's stdin.
type execInjector struct {
	stdin io.WriteCloser
}

func (e *execInjector) Inject(payload string) error {
	_, err := fmt.Fprintf(e.stdin, "%s\n", payload)
	return err
}

// StartInjector spawns the input-injection helper, returning an Injector
// bound to its stdin and a cleanup closer.
func StartInjector(path string) (Injector, io.Closer, error) {
	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("injector stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start injector: %w", err)
	}
	closer := closerFunc(func() error {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return cmd.Wait()
	})
	return &execInjector{stdin: stdin}, closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ExecLCDControl runs the LCD-control script via argv, never a shell.
type ExecLCDControl struct{ Path string }

func (c ExecLCDControl) Set(mode string) error {
	return exec.Command(c.Path, mode).Run()
}

// Dispatcher is the executor's side-effecting surface, decoupled from the
// connection loop so it can be faked in tests.
type Dispatcher struct {
	Injector Injector
	LCD      LCDControl
	Bus      *busstate.Bus
	Logger   *slog.Logger

	// Shell is the shell used for "$" commands; defaults to "sh".
	Shell string

	// now is overridable for tests.
	now func() time.Time
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Session runs the per-connection executor loop until a write failure,
// ping timeout, or read error terminates it. The ping watchdog is checked
// every pass, including passes where no complete line arrived, so an idle
// client that stops pinging is dropped within one timeout window even if it
// never sends another line.
func Session(conn net.Conn, d *Dispatcher) error {
	r := bufio.NewReaderSize(conn, maxLineBytes+1)
	lastPing := d.clock()

	for {
		line, err := tryReadLine(conn, r)
		if err != nil {
			return fmt.Errorf("executor read: %w", err)
		}
		if line != nil {
			if *line != "" {
				if err := dispatch(conn, d, *line); err != nil {
					return err
				}
				if err := writeTerminator(conn); err != nil {
					return err
				}
			}
			if *line == "ping" {
				lastPing = d.clock()
			}
		}

		if d.clock().Sub(lastPing) > pingTimeout {
			return fmt.Errorf("executor: ping timeout")
		}
	}
}

// tryReadLine attempts one newline-terminated line read under a short
// deadline. A nil string with a nil error means no data was available this
// pass (the caller's loop naturally retries after the deadline elapses).
// Lines longer than maxLineBytes, and partial lines cut short by the
// deadline or by the peer, are discarded per protocol.
func tryReadLine(conn net.Conn, r *bufio.Reader) (*string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readRetry))
	line, err := r.ReadString('\n')
	if err == nil {
		_ = conn.SetReadDeadline(time.Time{})
		if len(line) > maxLineBytes {
			empty := ""
			return &empty, nil
		}
		trimmed := strings.TrimRight(line, "\r\n")
		return &trimmed, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if line == "" {
			return nil, nil
		}
		empty := "" // partial line discarded
		return &empty, nil
	}
	return nil, err
}

func dispatch(conn net.Conn, d *Dispatcher, line string) error {
	switch {
	case line == "ping":
		return nil
	case strings.HasPrefix(line, "@"):
		return runBackground(line[1:])
	case strings.HasPrefix(line, "$"):
		return runForeground(conn, d, line[1:])
	case strings.HasPrefix(line, "inject_input="):
		payload := line[len("inject_input="):]
		if d.Injector == nil {
			return nil
		}
		if err := d.Injector.Inject(payload); err != nil {
			d.log("injector_write_failed", err)
		}
		return nil
	case strings.HasPrefix(line, "vfps="):
		if n, err := strconv.Atoi(line[len("vfps="):]); err == nil {
			d.Bus.SetVideoFPS(n)
		}
		metrics.IncExecutorCommand("vfps")
		return nil
	case strings.HasPrefix(line, "xfps="):
		if n, err := strconv.Atoi(line[len("xfps="):]); err == nil {
			d.Bus.SetXwinFPS(n)
		}
		metrics.IncExecutorCommand("xfps")
		return nil
	case strings.HasPrefix(line, "lcd="):
		mode := line[len("lcd="):]
		metrics.IncExecutorCommand("lcd")
		if d.LCD == nil {
			return nil
		}
		if err := d.LCD.Set(mode); err != nil {
			d.log("lcd_control_failed", err)
		}
		return nil
	default:
		return nil
	}
}

// runBackground tokenizes cmd on spaces (at most maxArgs tokens) and starts
// it detached; the caller does not wait for it to exit.
func runBackground(cmd string) error {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	if len(fields) > maxArgs {
		fields = fields[:maxArgs]
	}
	metrics.IncExecutorCommand("background")
	c := exec.Command(fields[0], fields[1:]...)
	return c.Start()
}

// runForeground runs cmd through a shell, streaming stdout in 4-byte
// length-framed chunks followed by a zero-length terminator.
func runForeground(conn net.Conn, d *Dispatcher, cmd string) error {
	shell := d.Shell
	if shell == "" {
		shell = "sh"
	}
	metrics.IncExecutorCommand("foreground")
	c := exec.Command(shell, "-c", cmd)
	out, err := c.StdoutPipe()
	if err != nil {
		return writeLengthFrame(conn, nil)
	}
	if err := c.Start(); err != nil {
		return writeLengthFrame(conn, nil)
	}
	defer func() { _ = c.Wait() }()

	buf := make([]byte, readChunk)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if werr := writeLengthFrame(conn, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break
		}
	}
	return writeLengthFrame(conn, nil)
}

func writeLengthFrame(conn net.Conn, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if err := writeFull(conn, hdr[:]); err != nil {
		metrics.IncError(metrics.ErrExecWrite)
		return err
	}
	if len(data) > 0 {
		if err := writeFull(conn, data); err != nil {
			metrics.IncError(metrics.ErrExecWrite)
			return err
		}
	}
	return nil
}

func writeTerminator(conn net.Conn) error {
	var hdr [4]byte // zero length
	if err := writeFull(conn, hdr[:]); err != nil {
		metrics.IncError(metrics.ErrExecWrite)
		return err
	}
	return nil
}

func writeFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: short write")
		}
		total += n
	}
	return nil
}

func (d *Dispatcher) log(msg string, err error) {
	if d.Logger != nil {
		d.Logger.Warn(msg, "error", err)
	}
}

// DecodeFrames splits a stream of length-framed blocks (as produced by a "$"
// command) back into the concatenated payload; used by tests and the
// executor's own client-side tooling.
func DecodeFrames(r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, int64(n)); err != nil {
			return nil, err
		}
	}
}
