// Package busstate holds the process-wide connection-state bus shared
// between the listener harness and the notify/video workers.
package busstate

import "sync/atomic"

// Bus is the sole cross-goroutine mutable state in the daemon: the live
// TCP-connection count, one-shot "just closed" edges per stream, a
// close-request edge for the video worker, and the two FPS knobs the
// executor writes and the capture workers read.
//
// Edge flags are write-by-one-producer, read-and-clear-by-one-consumer;
// atomic.Bool gives the relaxed-load/store discipline the source relies on
// without introducing a lock on the hot path.
type Bus struct {
	connected atomic.Int32

	videoClosed    atomic.Bool
	xwinClosed     atomic.Bool
	executorClosed atomic.Bool
	videoCloseReq  atomic.Bool

	videoFPS atomic.Int64
	xwinFPS  atomic.Int64
}

const defaultFPS = 5

// New returns a Bus with both FPS knobs at their default of 5.
func New() *Bus {
	b := &Bus{}
	b.videoFPS.Store(defaultFPS)
	b.xwinFPS.Store(defaultFPS)
	return b
}

// Connect increments the connection counter and returns the new value.
func (b *Bus) Connect() int32 { return b.connected.Add(1) }

// Disconnect decrements the connection counter, saturating at 0.
func (b *Bus) Disconnect() int32 {
	for {
		cur := b.connected.Load()
		if cur <= 0 {
			return 0
		}
		if b.connected.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Connected returns the current connection count.
func (b *Bus) Connected() int32 { return b.connected.Load() }

// RaiseVideoClosed sets the video-closed edge.
func (b *Bus) RaiseVideoClosed() { b.videoClosed.Store(true) }

// RaiseXwinClosed sets the xwin-closed edge.
func (b *Bus) RaiseXwinClosed() { b.xwinClosed.Store(true) }

// RaiseExecutorClosed sets the executor-closed edge.
func (b *Bus) RaiseExecutorClosed() { b.executorClosed.Store(true) }

// RaiseVideoCloseRequest sets the video-close-request edge, raised when the
// notify socket itself disconnects.
func (b *Bus) RaiseVideoCloseRequest() { b.videoCloseReq.Store(true) }

// TakeVideoClosed reads and clears the video-closed edge.
func (b *Bus) TakeVideoClosed() bool { return b.videoClosed.CompareAndSwap(true, false) }

// TakeXwinClosed reads and clears the xwin-closed edge.
func (b *Bus) TakeXwinClosed() bool { return b.xwinClosed.CompareAndSwap(true, false) }

// TakeExecutorClosed reads and clears the executor-closed edge.
func (b *Bus) TakeExecutorClosed() bool { return b.executorClosed.CompareAndSwap(true, false) }

// TakeVideoCloseRequest reads and clears the video-close-request edge.
func (b *Bus) TakeVideoCloseRequest() bool { return b.videoCloseReq.CompareAndSwap(true, false) }

// VideoFPS returns the current video capture rate.
func (b *Bus) VideoFPS() int { return int(b.videoFPS.Load()) }

// SetVideoFPS updates the video capture rate; ignores non-positive values.
func (b *Bus) SetVideoFPS(n int) {
	if n > 0 {
		b.videoFPS.Store(int64(n))
	}
}

// XwinFPS returns the current xwin capture rate.
func (b *Bus) XwinFPS() int { return int(b.xwinFPS.Load()) }

// SetXwinFPS updates the xwin capture rate; ignores non-positive values.
func (b *Bus) SetXwinFPS(n int) {
	if n > 0 {
		b.xwinFPS.Store(int64(n))
	}
}
