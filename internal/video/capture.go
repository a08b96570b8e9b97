// Package video implements the YUV framebuffer capture handler: it maps a
// fixed list of physical /dev/mem offsets, change-detects each region by a
// header hash, and streams whole frames to the video client on change.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
)

const (
	FrameWidth      = 720
	FrameHeight     = 480
	FrameSize       = FrameWidth * FrameHeight * 3 / 2 // 518400 bytes of YUV 4:2:0
	headerHashBytes = 2 * FrameWidth                   // 1440
)

// DefaultRegionOffsets are the fixed physical /dev/mem offsets the device's
// rotating video buffer pool is known to use; index order is significant —
// it is the order hashes are compared and frames written in.
var DefaultRegionOffsets = []int64{
	0xbbaea500,
	0xbbb68e00,
	0xbbbe7700,
	0xbba6bc00,
}

// Region is the minimal capability the capture loop needs from a mapped
// physical memory range.
type Region interface {
	Bytes() []byte
	Close() error
}

// Mapper opens mapped regions; satisfied by an adapter over *memio.DevMem in
// production and by a fake in tests.
type Mapper interface {
	Map(offset int64, size int) (Region, error)
}

// Capture streams the video feed to a connection until the bus's
// close-request edge fires or a write fails.
type Capture struct {
	Mapper  Mapper
	Bus     *busstate.Bus
	Logger  *slog.Logger
	Offsets []int64 // defaults to DefaultRegionOffsets if empty
}

func (c *Capture) offsets() []int64 {
	if len(c.Offsets) > 0 {
		return c.Offsets
	}
	return DefaultRegionOffsets
}

// Run maps every configured region, then streams to conn per the change
// detection rule until a terminal condition, unmapping every region it
// mapped regardless of how the loop ended.
func (c *Capture) Run(ctx context.Context, conn net.Conn) error {
	offsets := c.offsets()
	regions := make([]Region, 0, len(offsets))
	defer func() {
		for _, r := range regions {
			_ = r.Close()
		}
	}()
	for _, off := range offsets {
		r, err := c.Mapper.Map(off, FrameSize)
		if err != nil {
			metrics.IncError(metrics.ErrVideoMmap)
			return fmt.Errorf("map region 0x%x: %w", off, err)
		}
		regions = append(regions, r)
	}

	hashes := make([]uint32, len(regions))
	c.Bus.TakeVideoCloseRequest() // clear any stale edge left by a previous session

	for {
		start := time.Now()

		if c.Bus.TakeVideoCloseRequest() {
			if c.Logger != nil {
				c.Logger.Info("video_close_requested")
			}
			return nil
		}

		for i, r := range regions {
			buf := r.Bytes()
			hash := headerHash(buf)
			prior := hashes[i]
			if prior != 0 && hash != prior {
				if err := writeFull(conn, buf[:FrameSize]); err != nil {
					metrics.IncError(metrics.ErrVideoWrite)
					return fmt.Errorf("write region %d: %w", i, err)
				}
				metrics.IncVideoFrame()
			}
			hashes[i] = hash
		}

		fps := c.Bus.VideoFPS()
		if fps <= 0 {
			fps = 1
		}
		frameTime := time.Second / time.Duration(fps)
		if elapsed := time.Since(start); elapsed < frameTime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frameTime - elapsed):
			}
		}
	}
}

// headerHash sums the first headerHashBytes bytes of buf, the additive
// change-detector hash over the region's header stripe.
func headerHash(buf []byte) uint32 {
	var h uint32
	n := headerHashBytes
	if len(buf) < n {
		n = len(buf)
	}
	for _, b := range buf[:n] {
		h += uint32(b)
	}
	return h
}

func writeFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("video: short write")
		}
		total += n
	}
	return nil
}
