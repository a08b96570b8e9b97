package notify

import (
	"io"

	"github.com/vinnie112/nx-remote-daemon/internal/procutil"
)

// ExecProbe spawns the external X-event probe binary via os/exec.
type ExecProbe struct {
	Path string
}

func (p ExecProbe) Start() (io.Reader, *procutil.Handle, error) {
	return procutil.Start(p.Path)
}
