package scribe

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/callscribe/pkg/aggregators"
	"github.com/harunnryd/callscribe/pkg/broadcast"
	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/transcription"
	twiliotransport "github.com/harunnryd/callscribe/pkg/transports/twilio"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CALLSCRIBE_CHUNK_INTERVAL_MS.
const EnvPrefix = "CALLSCRIBE"

type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Media         MediaConfig         `mapstructure:"media"`
	Chunk         ChunkConfig         `mapstructure:"chunk"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Aggregator    AggregatorConfig    `mapstructure:"aggregator"`
	Session       SessionConfig       `mapstructure:"session"`
	Hub           HubConfig           `mapstructure:"hub"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	PublicURL      string   `mapstructure:"public_url"`
	WSPath         string   `mapstructure:"ws_path"`
	MediaPath      string   `mapstructure:"media_path"`
	ObserverPath   string   `mapstructure:"observer_path"`
	VoicePath      string   `mapstructure:"voice_path"`
	StatusPath     string   `mapstructure:"status_path"`
	MetricsPath    string   `mapstructure:"metrics_path"`
	VoiceGreeting  string   `mapstructure:"voice_greeting"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type MediaConfig struct {
	Track string `mapstructure:"track"`
}

type ChunkConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
	MaxBytes   int `mapstructure:"max_bytes"`
}

// TranscriptionConfig selects the batch provider. Settings are passed to the
// provider factory and validated there.
type TranscriptionConfig struct {
	Provider          string         `mapstructure:"provider"`
	PollIntervalMS    int            `mapstructure:"poll_interval_ms"`
	MaxPolls          int            `mapstructure:"max_polls"`
	MaxConcurrent     int            `mapstructure:"max_concurrent"`
	BreakerThreshold  int            `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int            `mapstructure:"breaker_cooldown_ms"`
	Settings          map[string]any `mapstructure:"settings"`
}

type AggregatorConfig struct {
	MaxAgeMS       int               `mapstructure:"max_age_ms"`
	MinWords       int               `mapstructure:"min_words"`
	EvalIntervalMS int               `mapstructure:"eval_interval_ms"`
	Replacements   map[string]string `mapstructure:"replacements"`
}

type SessionConfig struct {
	// DrainTimeoutMS of zero derives the timeout from the poll budget.
	DrainTimeoutMS   int `mapstructure:"drain_timeout_ms"`
	PreregisterTTLMS int `mapstructure:"preregister_ttl_ms"`
	// ShutdownTimeoutMS bounds the whole process drain.
	ShutdownTimeoutMS int `mapstructure:"shutdown_timeout_ms"`
}

type HubConfig struct {
	QueueSize      int `mapstructure:"queue_size"`
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
	PingIntervalMS int `mapstructure:"ping_interval_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsJSONL appends every metrics event to this file when set.
	MetricsJSONL string `mapstructure:"metrics_jsonl"`
	// LogSampleRate thins the debug event log. 1 logs every event.
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
	Namespace     string  `mapstructure:"namespace"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.media_path", "/media")
	v.SetDefault("server.observer_path", "/observer")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.status_path", "/status")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.voice_greeting", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("media.track", frames.TrackInbound)
	v.SetDefault("chunk.interval_ms", 3000)
	v.SetDefault("chunk.max_bytes", 320000)
	v.SetDefault("transcription.provider", "mock")
	v.SetDefault("transcription.poll_interval_ms", 1000)
	v.SetDefault("transcription.max_polls", 15)
	v.SetDefault("transcription.max_concurrent", 8)
	v.SetDefault("transcription.breaker_threshold", 3)
	v.SetDefault("transcription.breaker_cooldown_ms", 30000)
	v.SetDefault("aggregator.max_age_ms", 4000)
	v.SetDefault("aggregator.min_words", 12)
	v.SetDefault("aggregator.eval_interval_ms", 250)
	v.SetDefault("session.drain_timeout_ms", 0)
	v.SetDefault("session.preregister_ttl_ms", 60000)
	v.SetDefault("session.shutdown_timeout_ms", 30000)
	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.write_timeout_ms", 5000)
	v.SetDefault("hub.ping_interval_ms", 30000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_jsonl", "")
	v.SetDefault("observability.log_sample_rate", 1.0)
	v.SetDefault("observability.namespace", "callscribe")
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads path when it is non-empty, applies CALLSCRIBE_ environment
// overrides and expands ${VAR} references in every string.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig is the configuration LoadConfig produces with no file and no
// environment overrides.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Transcription.Provider, "transcription.provider"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Media.Track)) {
	case frames.TrackInbound, frames.TrackOutbound, frames.TrackBoth:
	default:
		return fmt.Errorf("media.track must be inbound, outbound or both, got %q", c.Media.Track)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Chunk.IntervalMS <= 0 {
		return fmt.Errorf("chunk.interval_ms must be positive")
	}
	if c.Chunk.MaxBytes <= 0 || c.Chunk.MaxBytes%2 != 0 {
		return fmt.Errorf("chunk.max_bytes must be a positive even number")
	}
	if c.Transcription.PollIntervalMS <= 0 {
		return fmt.Errorf("transcription.poll_interval_ms must be positive")
	}
	if c.Transcription.MaxPolls <= 0 {
		return fmt.Errorf("transcription.max_polls must be positive")
	}
	if c.Transcription.MaxConcurrent <= 0 {
		return fmt.Errorf("transcription.max_concurrent must be positive")
	}
	if c.Aggregator.MaxAgeMS <= 0 || c.Aggregator.MinWords <= 0 {
		return fmt.Errorf("aggregator.max_age_ms and aggregator.min_words must be positive")
	}
	if c.Observability.LogSampleRate < 0 || c.Observability.LogSampleRate > 1 {
		return fmt.Errorf("observability.log_sample_rate must be within [0, 1]")
	}
	if c.Observability.RecordAudio && strings.TrimSpace(c.Observability.ArtifactsDir) == "" {
		return fmt.Errorf("observability.record_audio requires observability.artifacts_dir")
	}
	paths := map[string]string{
		"server.ws_path":       c.Server.WSPath,
		"server.media_path":    c.Server.MediaPath,
		"server.observer_path": c.Server.ObserverPath,
		"server.voice_path":    c.Server.VoicePath,
		"server.status_path":   c.Server.StatusPath,
		"server.metrics_path":  c.Server.MetricsPath,
	}
	for key, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /, got %q", key, p)
		}
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Config) routerConfig() twiliotransport.Config {
	return twiliotransport.Config{
		ServerAddr:         c.Server.Addr,
		PublicURL:          c.Server.PublicURL,
		AuthToken:          c.Twilio.AuthToken,
		AccountSID:         c.Twilio.AccountSID,
		VoicePath:          c.Server.VoicePath,
		WebsocketPath:      c.Server.WSPath,
		MediaPath:          c.Server.MediaPath,
		ObserverPath:       c.Server.ObserverPath,
		StatusCallbackPath: c.Server.StatusPath,
		MetricsPath:        c.Server.MetricsPath,
		VoiceGreeting:      c.Server.VoiceGreeting,
		AllowedOrigins:     c.Server.AllowedOrigins,
		Track:              strings.ToLower(strings.TrimSpace(c.Media.Track)),
	}
}

func (c Config) dispatcherConfig() transcription.Config {
	return transcription.Config{
		PollInterval:     ms(c.Transcription.PollIntervalMS),
		MaxPolls:         c.Transcription.MaxPolls,
		MaxConcurrent:    c.Transcription.MaxConcurrent,
		BreakerThreshold: c.Transcription.BreakerThreshold,
		BreakerCooldown:  ms(c.Transcription.BreakerCooldownMS),
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		Chunk: chunker.Config{
			Interval: ms(c.Chunk.IntervalMS),
			MaxBytes: c.Chunk.MaxBytes,
		},
		Aggregator: aggregators.Config{
			MaxAge:       ms(c.Aggregator.MaxAgeMS),
			MinWords:     c.Aggregator.MinWords,
			Replacements: c.Aggregator.Replacements,
		},
		EvalInterval:   ms(c.Aggregator.EvalIntervalMS),
		DrainTimeout:   ms(c.Session.DrainTimeoutMS),
		PreregisterTTL: ms(c.Session.PreregisterTTLMS),
	}
}

func (c Config) hubConfig() broadcast.Config {
	return broadcast.Config{
		QueueSize:    c.Hub.QueueSize,
		WriteTimeout: ms(c.Hub.WriteTimeoutMS),
		PingInterval: ms(c.Hub.PingIntervalMS),
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
