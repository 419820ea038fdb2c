package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/normanking/nexusavatar/internal/config"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/normanking/nexusavatar/internal/vision"
	"github.com/rs/zerolog"
)

// SettingsStore loads and persists the configuration.
type SettingsStore interface {
	Config() *config.Config
	Save(cfg *config.Config) error
}

// VoiceLister lists the host's synthesis voices.
type VoiceLister interface {
	Voices(ctx context.Context) ([]speech.Voice, error)
}

// VisionModeSetter applies a vision mode without a restart.
type VisionModeSetter interface {
	SetVisionMode(mode vision.Mode)
}

// SettingsData is the user-editable subset of the configuration
type SettingsData struct {
	VisionMode      string   `json:"visionMode"`      // auto, always, off
	DefaultFacing   string   `json:"defaultFacing"`   // front, back
	EnableOnStart   bool     `json:"enableOnStart"`
	PreferredVoices []string `json:"preferredVoices"` // name tokens, in order
	Language        string   `json:"language"`
	LogLevel        string   `json:"logLevel"`
}

// VoiceInfo represents an available TTS voice
type VoiceInfo struct {
	speech.Voice
	Selected bool `json:"selected"`
}

// SettingsBridge exposes settings methods to the frontend
type SettingsBridge struct {
	bound
	store   SettingsStore
	voices  VoiceLister
	vision  VisionModeSetter
	emitter Emitter
	logger  zerolog.Logger
}

// NewSettingsBridge creates a new settings bridge
func NewSettingsBridge(store SettingsStore, voices VoiceLister, visionMode VisionModeSetter, emitter Emitter, logger zerolog.Logger) *SettingsBridge {
	return &SettingsBridge{
		store:   store,
		voices:  voices,
		vision:  visionMode,
		emitter: emitter,
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Register exposes the settings operations to the host page.
func (b *SettingsBridge) Register(peer *hostrpc.Peer) {
	handle(peer, "settings.get", func(context.Context) (any, error) {
		return b.GetSettings(), nil
	})
	peer.Handle("settings.save", func(_ context.Context, raw json.RawMessage) (any, error) {
		s, err := decode[SettingsData](raw)
		if err != nil {
			return nil, err
		}
		return nil, b.SaveSettings(s)
	})
	handle(peer, "settings.voices", func(ctx context.Context) (any, error) {
		return b.voiceList(ctx)
	})
}

// GetSettings returns current settings
func (b *SettingsBridge) GetSettings() SettingsData {
	cfg := b.store.Config()
	return SettingsData{
		VisionMode:      cfg.Vision.Mode,
		DefaultFacing:   cfg.Camera.DefaultFacing,
		EnableOnStart:   cfg.Camera.EnableOnStart,
		PreferredVoices: cfg.Speech.PreferredVoices,
		Language:        cfg.Speech.Language,
		LogLevel:        cfg.Logging.Level,
	}
}

// SaveSettings validates and persists settings. The vision mode applies
// immediately; voice and camera preferences apply from the next session.
func (b *SettingsBridge) SaveSettings(settings SettingsData) error {
	mode, err := vision.ParseMode(settings.VisionMode)
	if err != nil {
		return err
	}

	cfg := b.store.Config()
	cfg.Vision.Mode = string(mode)
	if settings.DefaultFacing != "" {
		cfg.Camera.DefaultFacing = settings.DefaultFacing
	}
	cfg.Camera.EnableOnStart = settings.EnableOnStart
	if settings.PreferredVoices != nil {
		cfg.Speech.PreferredVoices = settings.PreferredVoices
	}
	if settings.Language != "" {
		cfg.Speech.Language = settings.Language
	}
	if settings.LogLevel != "" {
		cfg.Logging.Level = settings.LogLevel
	}

	if err := b.store.Save(cfg); err != nil {
		b.logger.Error().Err(err).Msg("Failed to save settings")
		return err
	}
	if b.vision != nil {
		b.vision.SetVisionMode(mode)
	}

	b.logger.Info().Str("visionMode", cfg.Vision.Mode).Msg("Settings saved")
	b.emitter.Emit(EventSettingsSaved, b.GetSettings())
	return nil
}

// GetVoices returns the host's voices, marking the one preferred voices
// select.
func (b *SettingsBridge) GetVoices() ([]VoiceInfo, error) {
	return b.voiceList(b.context())
}

func (b *SettingsBridge) voiceList(ctx context.Context) ([]VoiceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	voices, err := b.voices.Voices(ctx)
	if err != nil {
		return nil, err
	}
	selected, ok := speech.SelectVoice(voices, b.store.Config().Speech.PreferredVoices)

	out := make([]VoiceInfo, 0, len(voices))
	for _, v := range voices {
		out = append(out, VoiceInfo{Voice: v, Selected: ok && v.Name == selected.Name})
	}
	return out, nil
}
