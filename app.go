package main

import (
	"context"
	"fmt"

	"github.com/normanking/nexusavatar/internal/bridge"
	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/camera"
	"github.com/normanking/nexusavatar/internal/config"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/gemini"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/logging"
	"github.com/normanking/nexusavatar/internal/orchestrator"
	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/normanking/nexusavatar/internal/vision"
	"github.com/normanking/nexusavatar/internal/webhost"
)

// Version is the application version.
const Version = "1.0.0"

// App struct holds the main application state
type App struct {
	ctx      context.Context
	store    *config.Store
	syslog   *logging.Logger
	eventBus *bus.EventBus
	peer     *hostrpc.Peer
	host     *webhost.Host
	camera   *camera.Manager
	speaker  *speech.Session
	listener *speech.Listener
	orch     *orchestrator.Orchestrator

	wailsEmitter       *bridge.WailsEmitter
	hostBridge         *bridge.HostBridge
	cameraBridge       *bridge.CameraBridge
	conversationBridge *bridge.ConversationBridge
	settingsBridge     *bridge.SettingsBridge
	logBridge          *bridge.LogBridge
}

// newApp wires the host adapters, the assistant core and the bridges.
func newApp(store *config.Store, syslog *logging.Logger) (*App, error) {
	cfg := store.Config()
	zlog := syslog.Zerolog()
	a := &App{
		ctx:      context.Background(),
		store:    store,
		syslog:   syslog,
		eventBus: bus.NewEventBus(),
	}

	syslog.Debug("main", "Creating host peer", map[string]interface{}{"callTimeout": cfg.Host.CallTimeout.String()})
	a.peer = hostrpc.NewPeer(cfg.Host.CallTimeout, a.eventBus, zlog)
	a.host = webhost.New(a.peer, zlog)

	a.camera = camera.NewManager(camera.Config{
		AcquireTimeout:    cfg.Camera.AcquireTimeout,
		ProbeTimeout:      cfg.Camera.ProbeTimeout,
		PermissionTimeout: cfg.Camera.PermissionTimeout,
		IdealWidth:        cfg.Camera.IdealWidth,
		MaxWidth:          cfg.Camera.MaxWidth,
		IdealHeight:       cfg.Camera.IdealHeight,
		MaxHeight:         cfg.Camera.MaxHeight,
		DefaultFacing:     camera.Facing(cfg.Camera.DefaultFacing),
	}, a.host, a.host, a.host, zlog)
	a.host.OnPlaying(a.camera.MarkPlaying)

	capturer := vision.NewCapturer(vision.CaptureConfig{
		Quality: cfg.Camera.JPEGQuality,
	}, a.camera, a.host, a.eventBus, zlog)

	dispatcher, err := gemini.NewDispatcher(context.Background(), gemini.Config{
		Backend: cfg.Assistant.Backend,
		BaseURL: cfg.Assistant.BaseURL,
		Model:   cfg.Assistant.Model,
		APIKey:  cfg.Assistant.APIKey,
		Timeout: cfg.Assistant.Timeout,
	}, zlog)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	log := conversation.NewLog(cfg.Conversation.Greeting)

	speechCfg := speech.DefaultConfig()
	speechCfg.PreferredVoices = cfg.Speech.PreferredVoices
	speechCfg.Lang = cfg.Speech.Language
	speechCfg.VoiceListTimeout = cfg.Speech.VoiceListTimeout
	a.speaker = speech.NewSession(speechCfg, a.host, a.host, orchestrator.SpeechHooks(log, a.eventBus), zlog)
	a.listener = speech.NewListener(a.host, a.host, cfg.Speech.Language, orchestrator.ListeningHook(log, a.eventBus), zlog)

	mode, err := vision.ParseMode(cfg.Vision.Mode)
	if err != nil {
		return nil, err
	}
	a.orch = orchestrator.New(orchestrator.Deps{
		Log:        log,
		Camera:     a.camera,
		Capturer:   capturer,
		Dispatcher: dispatcher,
		Speaker:    a.speaker,
		Listener:   a.listener,
		EventBus:   a.eventBus,
	}, mode, zlog)

	// Desktop pages hear events over the Wails runtime; browser pages over
	// the socket.
	var emitter bridge.Emitter
	if cfg.Host.Mode == "browser" {
		emitter = bridge.NewPeerEmitter(a.peer)
	} else {
		a.wailsEmitter = bridge.NewWailsEmitter()
		emitter = a.wailsEmitter
	}

	a.hostBridge = bridge.NewHostBridge(a.peer, emitter, a.eventBus, zlog)
	a.cameraBridge = bridge.NewCameraBridge(a.camera, emitter, a.eventBus, zlog)
	a.conversationBridge = bridge.NewConversationBridge(a.orch, emitter, a.eventBus, zlog)
	a.settingsBridge = bridge.NewSettingsBridge(store, a.host, a.orch, emitter, zlog)
	a.logBridge = bridge.NewLogBridge(syslog, emitter)

	a.cameraBridge.Register(a.peer)
	a.conversationBridge.Register(a.peer)
	a.settingsBridge.Register(a.peer)
	a.logBridge.Register(a.peer)

	a.host.OnHello(a.onHello)
	store.Watch(a.applyConfig, func(err error) {
		syslog.Warn("config", "Ignoring invalid config change", map[string]interface{}{"error": err.Error()})
	})
	return a, nil
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.wailsEmitter != nil {
		a.wailsEmitter.Bind(ctx)
	}
	a.cameraBridge.Bind(ctx)
	a.conversationBridge.Bind(ctx)
	a.settingsBridge.Bind(ctx)
	a.syslog.Info("lifecycle", "App started", nil)
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	a.syslog.Info("lifecycle", "App shutting down", nil)
	a.listener.Stop()
	a.speaker.Close()
	a.camera.Close()
	a.peer.Close()
	a.syslog.Info("lifecycle", "Shutdown complete", nil)
}

// onHello runs on each host page load. The camera is started when
// configured to, or restarted when it was on for a previous page.
func (a *App) onHello(caps platform.Capabilities) {
	if !a.store.Config().Camera.EnableOnStart && !a.camera.Enabled() {
		return
	}
	// Hello arrives on the peer's read loop, which must stay free to
	// deliver the acquisition's results.
	go func() {
		if err := a.camera.Start(a.ctx); err != nil {
			a.syslog.Warn("camera", "Camera did not start", map[string]interface{}{
				"error": err.Error(),
				"media": caps.MediaCapture.String(),
			})
		}
	}()
}

// applyConfig applies the settings that change without a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.syslog.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if mode, err := vision.ParseMode(cfg.Vision.Mode); err == nil && mode != a.orch.VisionMode() {
		a.orch.SetVisionMode(mode)
	}
	a.syslog.Info("config", "Configuration reloaded", nil)
}

// GetVersion returns the application version
func (a *App) GetVersion() string {
	return Version
}

// GetConfig returns the current configuration without secrets
func (a *App) GetConfig() *config.Config {
	cfg := a.store.Config()
	cfg.Assistant.APIKey = ""
	return cfg
}
