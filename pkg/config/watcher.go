package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Watcher is a RetentionSource backed by the config file.
// Edits to the retention section take effect on the next rebalance pass.
type Watcher struct {
	v       *viper.Viper
	log     zerolog.Logger
	mu      sync.RWMutex
	current RetentionConfig
}

// NewWatcher starts watching the viper config file for changes
func NewWatcher(v *viper.Viper, initial RetentionConfig, log zerolog.Logger) *Watcher {
	w := &Watcher{
		v:       v,
		log:     log,
		current: initial.Normalize(),
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(w.reload)
		v.WatchConfig()
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Watching config file for retention changes")
	}

	return w
}

// RetentionConfig returns the latest retention settings
func (w *Watcher) RetentionConfig() RetentionConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) reload(e fsnotify.Event) {
	var next RetentionConfig
	if err := w.v.UnmarshalKey("retention", &next); err != nil {
		w.log.Error().Err(err).Str("file", e.Name).Msg("Ignoring unreadable retention config")
		return
	}
	next = next.Normalize()

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev != next {
		w.log.Info().
			Int("retention_days", next.RetentionDays).
			Int("full_res_days", next.FullResDays).
			Int("max_points", next.MaxPoints).
			Int("target_kb", next.TargetKB).
			Msg("Retention config reloaded")
	}
}
