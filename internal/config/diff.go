package config

import (
	"reflect"

	"github.com/antiphon-ai/antiphon/internal/router"
)

// ConfigDiff describes what changed between two configs, split into the
// hot-applicable subset and the sections that need a restart. Only the
// router thresholds, integration tuning, optimizer tuning, and log level
// can be applied to a running process.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RouterChanged bool
	NewRouter     router.Config

	IntegrationChanged bool
	NewIntegration     IntegrationConfig

	OptimizerChanged bool
	NewOptimizer     OptimizerConfig

	// RestartRequired lists sections that changed but cannot be applied
	// without a restart. The watcher logs these and keeps the old values
	// in effect.
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RouterChanged && !d.IntegrationChanged &&
		!d.OptimizerChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}
	if old.Router != new.Router {
		d.RouterChanged = true
		d.NewRouter = new.Router
	}
	if old.Integration != new.Integration {
		d.IntegrationChanged = true
		d.NewIntegration = new.Integration
	}
	if old.Optimizer != new.Optimizer {
		d.OptimizerChanged = true
		d.NewOptimizer = new.Optimizer
	}

	if old.Logging.Format != new.Logging.Format {
		d.RestartRequired = append(d.RestartRequired, "logging.format")
	}
	if old.Activation != new.Activation {
		d.RestartRequired = append(d.RestartRequired, "activation")
	}
	if !reflect.DeepEqual(old.Local, new.Local) {
		d.RestartRequired = append(d.RestartRequired, "local")
	}
	if old.Remote != new.Remote {
		d.RestartRequired = append(d.RestartRequired, "remote")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if !reflect.DeepEqual(old.Voice, new.Voice) {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Persistence != new.Persistence {
		d.RestartRequired = append(d.RestartRequired, "persistence")
	}
	if old.Observability != new.Observability {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}

	return d
}
