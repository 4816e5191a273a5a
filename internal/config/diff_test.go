package config_test

import (
	"slices"
	"testing"

	"github.com/shapetutor/shapetutor/internal/aggregate"
	"github.com/shapetutor/shapetutor/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := &config.Config{}
		cfg.Server.LogLevel = config.LogInfo
		cfg.Providers.ObjectClassifier = config.ProviderEntry{Name: "http", BaseURL: "http://a", Options: map[string]any{"model": "yolo"}}
		cfg.Detection.Vocabulary = []string{"cube", "cone"}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "no change",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("diff = %+v, want empty", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || d.ParamsChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "detection params",
			mutate: func(c *config.Config) { c.Detection.TargetFrames = 20; c.Detection.DetectionThreshold = 11 },
			check: func(t *testing.T, d config.ConfigDiff) {
				want := aggregate.Params{TargetFrames: 20, DetectionThreshold: 11, AbsenceLimit: aggregate.DefaultAbsenceLimit}
				if !d.ParamsChanged || d.NewParams != want {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "sampling and vocabulary",
			mutate: func(c *config.Config) { c.Detection.SampleCount = 10; c.Detection.Vocabulary = []string{"cube"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SamplingChanged || !d.VocabularyChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "restart sections",
			mutate: func(c *config.Config) {
				c.Providers.ObjectClassifier.Options = map[string]any{"model": "rtdetr"}
				c.Journal.Backend = config.JournalSQLite
				c.Server.ListenAddr = ":1"
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				for _, want := range []string{"server", "providers", "journal"} {
					if !slices.Contains(d.RestartRequired, want) {
						t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
					}
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, updated := base(), base()
			tc.mutate(updated)
			tc.check(t, config.Diff(old, updated))
		})
	}
}
