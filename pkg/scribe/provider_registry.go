package scribe

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/providers/deepgram"
	"github.com/harunnryd/callscribe/pkg/providers/httpjob"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
)

// STTFactory builds a batch transcription provider from transcription.settings.
type STTFactory func(settings map[string]any) (stt.Provider, error)

type ProviderRegistry struct {
	mu  sync.RWMutex
	stt map[string]STTFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactory)}
}

// DefaultProviders registers mock, httpjob and deepgram.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterSTT("httpjob", buildHTTPJobSTT)
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	r.stt[normalizeName(name)] = factory
	r.mu.Unlock()
}

func (r *ProviderRegistry) BuildSTT(provider string, settings map[string]any) (stt.Provider, error) {
	r.mu.RLock()
	fn := r.stt[normalizeName(provider)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	p, err := fn(settings)
	if err != nil {
		return nil, fmt.Errorf("stt provider %s: %w", provider, err)
	}
	return p, nil
}

func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.stt))
	for name := range r.stt {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validateSettings(settings map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return fmt.Errorf("transcription.settings: %w", err)
	}
	return nil
}

func buildMockSTT(settings map[string]any) (stt.Provider, error) {
	if err := validateSettings(settings, configutil.Schema{
		Optional: []string{"transcripts", "transcript", "confidence", "pending_polls", "fail_every"},
	}); err != nil {
		return nil, err
	}
	var cfg mock.STTConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return mock.NewSTT(cfg), nil
}

func buildHTTPJobSTT(settings map[string]any) (stt.Provider, error) {
	if err := validateSettings(settings, configutil.Schema{
		Required: []string{"base_url", "api_key"},
		Optional: []string{"upload_path", "transcript_path", "language", "timeout", "upload_retries"},
	}); err != nil {
		return nil, err
	}
	var cfg httpjob.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return httpjob.New(cfg)
}

func buildDeepgramSTT(settings map[string]any) (stt.Provider, error) {
	if err := validateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "timeout_ms", "job_ttl_ms"},
	}); err != nil {
		return nil, err
	}
	var cfg deepgram.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return deepgram.New(cfg)
}
