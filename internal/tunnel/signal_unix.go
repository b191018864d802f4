//go:build !windows

package tunnel

import "syscall"

// stopSignal is the graceful-termination signal sent before escalating to
// SIGKILL.
var stopSignal = syscall.SIGTERM
