package xwin

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
)

// fakeSpawner serves one xwd-shaped byte stream per Start call from a queue
// of pre-built frames.
type fakeSpawner struct {
	frames [][]byte
	idx    int
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func (f *fakeSpawner) Start() (io.ReadCloser, func() error, error) {
	i := f.idx
	if i >= len(f.frames) {
		i = len(f.frames) - 1
	}
	f.idx++
	return nopCloser{bytes.NewReader(f.frames[i])}, func() error { return nil }, nil
}

// buildXWDFrame produces xwdSkipBytes of header junk followed by numSegments
// segments of segmentBytes pixel data, where segment i is filled with byte
// value fill[i] (mod 256) in its B channel (every 4th byte).
func buildXWDFrame(bFill func(seg int) byte) []byte {
	buf := make([]byte, xwdSkipBytes+numSegments*segmentBytes)
	for seg := 0; seg < numSegments; seg++ {
		base := xwdSkipBytes + seg*segmentBytes
		b := bFill(seg)
		for k := 0; k < segmentBytes; k += 4 {
			buf[base+k] = b
		}
	}
	return buf
}

// TestCapture_FirstFrameEmitsAllSegmentsThenEOF matches the "XWin first
// frame" scenario: a fresh hash table means every segment differs, so all
// 1080 records are written with increasing indices, followed by 0x0FFF.
func TestCapture_FirstFrameEmitsAllSegmentsThenEOF(t *testing.T) {
	frame := buildXWDFrame(func(seg int) byte { return byte(seg%250 + 1) })
	spawner := &fakeSpawner{frames: [][]byte{frame}}
	bus := busstate.New()
	bus.SetXwinFPS(1)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Capture{Spawner: spawner, Bus: bus}
	done := make(chan error, 1)
	go func() { done <- c.captureOnce(server, make([]uint32, numSegments)) }()

	rec := make([]byte, recordBytes)
	for seg := 0; seg < numSegments; seg++ {
		if _, err := io.ReadFull(client, rec); err != nil {
			t.Fatalf("segment %d: %v", seg, err)
		}
		idx := int(rec[0])<<8 | int(rec[1])
		if idx != seg {
			t.Fatalf("segment %d: got index %d", seg, idx)
		}
	}
	if _, err := io.ReadFull(client, rec); err != nil {
		t.Fatalf("eof record: %v", err)
	}
	if rec[0] != eofIndexHi || rec[1] != eofIndexLo {
		t.Fatalf("expected eof marker, got %02x%02x", rec[0], rec[1])
	}
	if err := <-done; err != nil {
		t.Fatalf("captureOnce: %v", err)
	}
}

// TestCapture_UnchangedSegmentsAreSkipped verifies that a second identical
// frame retransmits nothing but the end-of-frame marker.
func TestCapture_UnchangedSegmentsAreSkipped(t *testing.T) {
	fill := func(seg int) byte { return byte(seg%250 + 1) }
	frame := buildXWDFrame(fill)
	spawner := &fakeSpawner{frames: [][]byte{frame, frame}}
	bus := busstate.New()
	bus.SetXwinFPS(1)

	hashes := make([]uint32, numSegments)
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		c := &Capture{Spawner: spawner, Bus: bus}
		if err := c.captureOnce(server, hashes); err != nil {
			done <- err
			return
		}
		done <- c.captureOnce(server, hashes)
	}()

	rec := make([]byte, recordBytes)
	// Drain first frame: numSegments + eof.
	for i := 0; i < numSegments+1; i++ {
		if _, err := io.ReadFull(client, rec); err != nil {
			t.Fatalf("drain first frame record %d: %v", i, err)
		}
	}
	// Second frame: every segment is unchanged and skipped, so the first
	// record is the eof marker.
	if _, err := io.ReadFull(client, rec); err != nil {
		t.Fatalf("eof after skip frame: %v", err)
	}
	if rec[0] != eofIndexHi || rec[1] != eofIndexLo {
		t.Fatalf("expected eof marker, got %02x%02x", rec[0], rec[1])
	}

	client.Close()
	server.Close()
	if err := <-done; err != nil {
		t.Fatalf("captureOnce: %v", err)
	}
}

// TestCapture_ShortReadIsTransient verifies a truncated capture stream
// reports an error without being classified as a fatal write error.
func TestCapture_ShortReadIsTransient(t *testing.T) {
	truncated := make([]byte, xwdSkipBytes+segmentBytes) // header + 1 segment only
	spawner := &fakeSpawner{frames: [][]byte{truncated}}
	bus := busstate.New()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() { _, _ = io.Copy(io.Discard, client) }()
	c := &Capture{Spawner: spawner, Bus: bus}

	errCh := make(chan error, 1)
	go func() { errCh <- c.captureOnce(server, make([]uint32, numSegments)) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error on truncated capture")
		}
		if isFatal(err) {
			t.Fatalf("truncated read should not be classified fatal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("captureOnce did not return")
	}
}
