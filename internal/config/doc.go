// Package config provides configuration types and loading for the pool
// daemon.
//
// The configuration is a single YAML document. String values may reference
// environment variables with ${VAR} or ${VAR:-default}; "$$" is a literal
// dollar sign. Durations are written as Go duration strings ("250ms",
// "10s").
//
// # Loading
//
//	cfg, err := config.LoadAndValidate("avapool.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Hot reload
//
// Watcher observes the file with fsnotify, debounces bursts of writes and
// invokes a callback with every configuration that parses and validates.
// Invalid edits are logged and ignored so the last good configuration
// stays in effect.
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // apply cfg.Pool, cfg.Logging.Level, cfg.Servers
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = w.Start(ctx)
//
// PoolSettings is also mutable through the management API. Partial updates
// are expressed as a PoolSettingsPatch and checked with
// ValidatePoolSettings before they are applied.
package config
