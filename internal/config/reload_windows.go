//go:build windows

package config

// registerSignalHandler is a no-op: Windows has no SIGHUP, so reloads come
// from the fsnotify watcher alone.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("config reload via file watcher only, SIGHUP unsupported on this platform")
}
