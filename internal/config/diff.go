package config

import (
	"reflect"
	"slices"

	"github.com/shapetutor/shapetutor/internal/aggregate"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ParamsChanged is set when target frames, threshold or absence limit
	// changed. New params apply to sessions created afterwards.
	ParamsChanged bool
	NewParams     aggregate.Params

	// SamplingChanged is set when the still-image sample count or
	// concurrency changed.
	SamplingChanged bool

	// VocabularyChanged is set when the label vocabulary or snap threshold
	// changed.
	VocabularyChanged bool

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ParamsChanged && !d.SamplingChanged &&
		!d.VocabularyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if op, np := old.Detection.Params(), new.Detection.Params(); op != np {
		d.ParamsChanged = true
		d.NewParams = np
	}

	od, nd := old.Detection, new.Detection
	d.SamplingChanged = od.SampleCount != nd.SampleCount || od.SampleConcurrency != nd.SampleConcurrency
	d.VocabularyChanged = od.SnapThreshold != nd.SnapThreshold || !slices.Equal(od.Vocabulary, nd.Vocabulary)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
