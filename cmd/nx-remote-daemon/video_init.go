package main

import (
	"github.com/vinnie112/nx-remote-daemon/internal/memio"
	"github.com/vinnie112/nx-remote-daemon/internal/video"
)

// devMemMapper adapts *memio.DevMem to video.Mapper; the interface method
// set requires the video package's own Region type in its signature, so
// internal/video never needs to import memio to be tested with fakes.
type devMemMapper struct {
	dm *memio.DevMem
}

func (m devMemMapper) Map(offset int64, size int) (video.Region, error) {
	return m.dm.Map(offset, size)
}
