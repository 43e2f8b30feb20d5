// Package systemd reports service state to the init system when running
// under a Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready tells systemd that startup finished.
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// Watchdog sends a keep-alive ping.
func Watchdog() (bool, error) { return notify(false, daemon.SdNotifyWatchdog) }

// WatchdogInterval returns half of the unit's WatchdogSec, or 0 when the
// watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
