//go:build windows

package tunnel

import "os"

// Windows has no SIGTERM delivery for unrelated processes; Kill is the only
// portable stop.
var stopSignal = os.Kill
