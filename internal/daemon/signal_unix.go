//go:build !windows

package daemon

import (
	"os/signal"
	"syscall"
)

// ignoreSIGPIPE ignores SIGPIPE process-wide while transfers run, per spec
// §5 ("SIGPIPE is ignored process-wide while transfers run").
func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}
