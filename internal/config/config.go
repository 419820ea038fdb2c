// Package config provides configuration management for Nexus
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Assistant    AssistantConfig    `mapstructure:"assistant"`
	Camera       CameraConfig       `mapstructure:"camera"`
	Speech       SpeechConfig       `mapstructure:"speech"`
	Vision       VisionConfig       `mapstructure:"vision"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Host         HostConfig         `mapstructure:"host"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Window       WindowConfig       `mapstructure:"window"`
}

// AssistantConfig configures the generative-language backend
type AssistantConfig struct {
	Backend string        `mapstructure:"backend"` // rest or sdk
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CameraConfig configures stream acquisition and capture
type CameraConfig struct {
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	IdealWidth        int           `mapstructure:"ideal_width"`
	MaxWidth          int           `mapstructure:"max_width"`
	IdealHeight       int           `mapstructure:"ideal_height"`
	MaxHeight         int           `mapstructure:"max_height"`
	DefaultFacing     string        `mapstructure:"default_facing"` // front or back
	EnableOnStart     bool          `mapstructure:"enable_on_start"`
	JPEGQuality       float64       `mapstructure:"jpeg_quality"` // 0-1
}

// SpeechConfig configures synthesis and recognition
type SpeechConfig struct {
	PreferredVoices  []string      `mapstructure:"preferred_voices"`
	Language         string        `mapstructure:"language"`
	VoiceListTimeout time.Duration `mapstructure:"voice_list_timeout"`
}

// VisionConfig configures when frames are attached
type VisionConfig struct {
	Mode string `mapstructure:"mode"` // auto, always or off
}

// ConversationConfig configures the message log
type ConversationConfig struct {
	Greeting string `mapstructure:"greeting"`
}

// HostConfig configures how the host page is reached
type HostConfig struct {
	Mode        string        `mapstructure:"mode"` // desktop or browser
	ListenAddr  string        `mapstructure:"listen_addr"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxHistory int    `mapstructure:"max_history"`
}

// WindowConfig configures the window
type WindowConfig struct {
	Title  string `mapstructure:"title"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Backend: "rest",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/models",
			Model:   "gemini-1.5-flash",
			Timeout: 30 * time.Second,
		},
		Camera: CameraConfig{
			AcquireTimeout:    5 * time.Second,
			ProbeTimeout:      time.Second,
			PermissionTimeout: 2 * time.Minute,
			IdealWidth:        640,
			MaxWidth:          1280,
			IdealHeight:       480,
			MaxHeight:         720,
			DefaultFacing:     "front",
			EnableOnStart:     true,
			JPEGQuality:       0.8,
		},
		Speech: SpeechConfig{
			PreferredVoices:  []string{"Google", "Microsoft", "Alex", "Samantha"},
			Language:         "en-US",
			VoiceListTimeout: time.Second,
		},
		Vision: VisionConfig{
			Mode: "auto",
		},
		Conversation: ConversationConfig{
			Greeting: "Hello! I'm Nexus, your assistant. I can see through your camera and respond with voice. Ask me anything!",
		},
		Host: HostConfig{
			Mode:        "desktop",
			ListenAddr:  "127.0.0.1:8765",
			CallTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxHistory: 1000,
		},
		Window: WindowConfig{
			Title:  "Nexus",
			Width:  1100,
			Height: 760,
		},
	}
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
	}
	check("assistant.backend", c.Assistant.Backend, "rest", "sdk")
	check("camera.default_facing", c.Camera.DefaultFacing, "front", "back")
	check("vision.mode", c.Vision.Mode, "auto", "always", "off")
	check("host.mode", c.Host.Mode, "desktop", "browser")
	if c.Camera.JPEGQuality <= 0 || c.Camera.JPEGQuality > 1 {
		errs = append(errs, fmt.Errorf("camera.jpeg_quality: %v is outside (0, 1]", c.Camera.JPEGQuality))
	}
	return errors.Join(errs...)
}

// settings flattens cfg into viper keys.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"assistant.backend":         cfg.Assistant.Backend,
		"assistant.base_url":        cfg.Assistant.BaseURL,
		"assistant.model":           cfg.Assistant.Model,
		"assistant.api_key":         cfg.Assistant.APIKey,
		"assistant.timeout":         cfg.Assistant.Timeout.String(),
		"camera.acquire_timeout":    cfg.Camera.AcquireTimeout.String(),
		"camera.probe_timeout":      cfg.Camera.ProbeTimeout.String(),
		"camera.permission_timeout": cfg.Camera.PermissionTimeout.String(),
		"camera.ideal_width":        cfg.Camera.IdealWidth,
		"camera.max_width":          cfg.Camera.MaxWidth,
		"camera.ideal_height":       cfg.Camera.IdealHeight,
		"camera.max_height":         cfg.Camera.MaxHeight,
		"camera.default_facing":     cfg.Camera.DefaultFacing,
		"camera.enable_on_start":    cfg.Camera.EnableOnStart,
		"camera.jpeg_quality":       cfg.Camera.JPEGQuality,
		"speech.preferred_voices":   cfg.Speech.PreferredVoices,
		"speech.language":           cfg.Speech.Language,
		"speech.voice_list_timeout": cfg.Speech.VoiceListTimeout.String(),
		"vision.mode":               cfg.Vision.Mode,
		"conversation.greeting":     cfg.Conversation.Greeting,
		"host.mode":                 cfg.Host.Mode,
		"host.listen_addr":          cfg.Host.ListenAddr,
		"host.call_timeout":         cfg.Host.CallTimeout.String(),
		"logging.level":             cfg.Logging.Level,
		"logging.dir":               cfg.Logging.Dir,
		"logging.max_history":       cfg.Logging.MaxHistory,
		"window.title":              cfg.Window.Title,
		"window.width":              cfg.Window.Width,
		"window.height":             cfg.Window.Height,
	}
}

// Store owns the viper instance backing one config file.
type Store struct {
	v    *viper.Viper
	path string
	// fileKey is the API key as stored in the file, before environment
	// overrides.
	fileKey string

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(*Config)
}

// Load reads configuration from ~/.nexusavatar (or the working directory)
// and the environment.
func Load() (*Store, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(dir)
}

// LoadFrom reads dir/config.yaml, writing it with defaults when missing.
// Environment variables prefixed NEXUS_ override file values; GEMINI_API_KEY
// also sets the assistant key.
func LoadFrom(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	for k, val := range settings(DefaultConfig()) {
		v.SetDefault(k, val)
	}

	s := &Store{v: v, path: filepath.Join(dir, "config.yaml")}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and create one
		if err := v.WriteConfigAs(s.path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		v.SetConfigFile(s.path)
	} else {
		s.path = v.ConfigFileUsed()
	}
	s.fileKey = v.GetString("assistant.api_key")

	// Environment variable overrides. Bound after the default file is
	// written so keys from the environment stay out of it.
	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("assistant.api_key", "NEXUS_ASSISTANT_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, err
	}

	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Config returns a copy of the current configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.Speech.PreferredVoices = append([]string(nil), s.cfg.Speech.PreferredVoices...)
	return &cp
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Save validates cfg and writes it to the config file. An API key that came
// from the environment is not written; the file keeps its own.
func (s *Store) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	values := settings(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if apiKeyFromEnv() && cfg.Assistant.APIKey == s.cfg.Assistant.APIKey {
		values["assistant.api_key"] = s.fileKey
	}

	// A fresh instance writes only the given values. Writing through s.v
	// would include environment overrides.
	w := viper.New()
	w.SetConfigType("yaml")
	for k, val := range values {
		w.Set(k, val)
	}
	if err := w.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	s.fileKey, _ = values["assistant.api_key"].(string)
	cp := *cfg
	cp.Speech.PreferredVoices = append([]string(nil), cfg.Speech.PreferredVoices...)
	s.cfg = &cp
	return nil
}

func apiKeyFromEnv() bool {
	for _, name := range []string{"NEXUS_ASSISTANT_API_KEY", "GEMINI_API_KEY"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// Watch calls fn with the new configuration whenever the file changes.
// Invalid edits are reported through onError and otherwise ignored.
func (s *Store) Watch(fn func(*Config), onError func(error)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	first := len(s.onChange) == 1
	s.mu.Unlock()
	if !first {
		return
	}

	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		listeners := append([]func(*Config){}, s.onChange...)
		s.mu.Unlock()
		for _, l := range listeners {
			l(cfg)
		}
	})
	s.v.WatchConfig()
}

func (s *Store) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".nexusavatar"), nil
}
