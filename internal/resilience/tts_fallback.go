package resilience

import (
	"context"

	"github.com/shapetutor/shapetutor/pkg/provider/tts"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover across several speech
// backends.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// States reports the breaker state of every backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// Synthesize runs on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
