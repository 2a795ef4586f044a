//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler reloads the configuration on SIGHUP, the
// conventional reload signal for daemons.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("SIGHUP received, reloading configuration")
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()
}
