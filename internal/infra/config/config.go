// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/osa030/19cast/internal/domain/stream"
)

// Source types.
const (
	SourceFFmpeg   = "ffmpeg"
	SourceYtdlp    = "ytdlp"
	SourceIngest   = "ingest"
	SourceFile     = "file"
	SourceMediaMTX = "mediamtx"
)

// Sink types.
const (
	SinkBroadcast = "broadcast"
	SinkFile      = "file"
	SinkSpeaker   = "speaker"
	SinkDiscard   = "discard"
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Admin    AdminConfig             `yaml:"admin"`
	Log      LogConfig               `yaml:"log"`
	Retry    RetryConfig             `yaml:"retry"`
	Encoder  stream.Options          `yaml:"encoder"`
	Sources  []SourceConfig          `yaml:"sources" validate:"dive"`
	Filters  map[string]FilterConfig `yaml:"filters"`
	Sessions []SessionConfig         `yaml:"sessions" validate:"required,min=1,dive"`
	MediaMTX MediaMTXConfig          `yaml:"mediamtx"`
	Messages MessagesConfig          `yaml:"messages"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr     string      `yaml:"addr" default:":8080"`
	LivePath string      `yaml:"live_path" default:"/live/"`
	Hooks    HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// AdminConfig represents admin-related configuration.
type AdminConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"omitempty,oneof=debug info warn warning error"`
	Output string `yaml:"output" default:"stdout"`
}

// RetryConfig represents the retry policy applied to every playback.
type RetryConfig struct {
	MaxRetries   int  `yaml:"max_retries" default:"3" validate:"gte=-1"`
	RetryDelayMs int  `yaml:"retry_delay_ms" default:"2000" validate:"gte=0"`
	RestartOnEnd bool `yaml:"restart_on_end"`
}

// RetryDelay returns the retry delay as a duration.
func (r RetryConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

// SourceConfig represents a single source type configuration.
type SourceConfig struct {
	Type     string         `yaml:"type" validate:"required,oneof=ffmpeg ytdlp ingest file mediamtx"`
	Settings map[string]any `yaml:"settings"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SessionConfig represents one playback session (one queue, one output).
type SessionConfig struct {
	Name    string     `yaml:"name" validate:"required"`
	Sink    SinkConfig `yaml:"sink"`
	Standby []string   `yaml:"standby"` // Inputs played round-robin while the queue is empty
}

// SinkConfig represents where a session writes its output.
type SinkConfig struct {
	Type          string `yaml:"type" default:"broadcast" validate:"omitempty,oneof=broadcast file speaker discard"`
	Path          string `yaml:"path" validate:"required_if=Type file"`
	ListenerQueue int    `yaml:"listener_queue" default:"64" validate:"omitempty,gte=1"` // Chunks buffered per listener
	SampleRate    int    `yaml:"sample_rate" default:"48000" validate:"omitempty,gte=8000"`
	Channels      int    `yaml:"channels" default:"2" validate:"omitempty,gte=1,lte=2"`
}

// MediaMTXConfig represents the MediaMTX control API configuration.
type MediaMTXConfig struct {
	APIURL          string `yaml:"api_url" default:"http://127.0.0.1:9997" validate:"omitempty,url"`
	RTSPAddr        string `yaml:"rtsp_addr" default:"127.0.0.1:8554" validate:"omitempty,hostname_port"`
	CacheTTLSec     int    `yaml:"cache_ttl_sec" default:"5" validate:"gte=0"`
	ReadyTimeoutSec int    `yaml:"ready_timeout_sec" default:"10" validate:"omitempty,gte=1"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	Accepted         string `yaml:"accepted" default:"Queued."`
	DefaultError     string `yaml:"default_error" default:"Request rejected."`
	QueueFull        string `yaml:"queue_full" default:"The queue is full."`
	SchemeNotAllowed string `yaml:"scheme_not_allowed" default:"This kind of input is not allowed."`
	DuplicateInput   string `yaml:"duplicate_input" default:"This input is already queued."`
	UnknownSource    string `yaml:"unknown_source" default:"Unknown source type."`
}

// Load loads configuration from a YAML file on the local filesystem.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs loads configuration from a YAML file on fs.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("MEDIAMTX_API_URL"); v != "" {
		c.MediaMTX.APIURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// GetMessage returns the message for the given code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "accepted":
		return c.Messages.Accepted
	case "queue_full":
		return c.Messages.QueueFull
	case "scheme_not_allowed":
		return c.Messages.SchemeNotAllowed
	case "duplicate_input":
		return c.Messages.DuplicateInput
	case "unknown_source":
		return c.Messages.UnknownSource
	default:
		return c.Messages.DefaultError
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	for _, s := range c.Sessions {
		if !sessionNamePattern.MatchString(s.Name) {
			return errors.Newf("invalid session name %q: use letters, digits, '-' and '_'", s.Name)
		}
	}

	names := lo.Map(c.Sessions, func(s SessionConfig, _ int) string { return s.Name })
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return errors.Newf("duplicate session names: %s", strings.Join(dup, ", "))
	}

	types := lo.Map(c.Sources, func(s SourceConfig, _ int) string { return s.Type })
	if dup := lo.FindDuplicates(types); len(dup) > 0 {
		return errors.Newf("duplicate source types: %s", strings.Join(dup, ", "))
	}

	speakers := lo.CountBy(c.Sessions, func(s SessionConfig) bool { return s.Sink.Type == SinkSpeaker })
	if speakers > 1 {
		return errors.Newf("at most one session may use the speaker sink, got %d", speakers)
	}

	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// GetSourceSettings returns the settings of a source type, or nil if the type
// is not configured.
func (c *Config) GetSourceSettings(sourceType string) map[string]any {
	sc, ok := lo.Find(c.Sources, func(s SourceConfig) bool { return s.Type == sourceType })
	if !ok {
		return nil
	}
	return sc.Settings
}
