// Nexus - a camera-aware voice assistant
package main

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/normanking/nexusavatar/internal/config"
	"github.com/normanking/nexusavatar/internal/logging"
	"github.com/normanking/nexusavatar/internal/server"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
)

//go:embed all:frontend/dist
var assets embed.FS

// Global logger instance
var syslog *logging.Logger

// getAssets returns the frontend assets with the correct path
func getAssets() fs.FS {
	fsys, err := fs.Sub(assets, "frontend/dist")
	if err != nil {
		syslog.Error("assets", "Failed to get assets", err, nil)
		panic(err)
	}

	entries, _ := fs.ReadDir(fsys, ".")
	syslog.Debug("assets", "Assets loaded", map[string]interface{}{
		"fileCount": len(entries),
	})
	return fsys
}

// envFiles lists the .env files loaded into the process environment.
// Variables already set are never overridden.
func envFiles() []string {
	files := []string{".env"}
	if dir, err := config.GetConfigDir(); err == nil {
		files = append([]string{filepath.Join(dir, ".env")}, files...)
	}
	return files
}

func loadEnvFiles() []string {
	var loaded []string
	for _, path := range envFiles() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log.Printf("Failed to load %s: %v", path, err)
			continue
		}
		loaded = append(loaded, path)
	}
	return loaded
}

func main() {
	loaded := loadEnvFiles()

	store, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := store.Config()

	// Initialize structured logger
	syslog, err = logging.New(&logging.Config{
		LogDir:     cfg.Logging.Dir,
		Level:      logging.ParseLevel(cfg.Logging.Level),
		MaxHistory: cfg.Logging.MaxHistory,
		Console:    true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	syslog.Info("main", "Nexus starting", map[string]interface{}{
		"mode":     cfg.Host.Mode,
		"config":   store.Path(),
		"envFiles": loaded,
	})
	if cfg.Assistant.APIKey == "" {
		syslog.Warn("config", "No assistant API key set; replies will fail until GEMINI_API_KEY is configured", nil)
	}

	app, err := newApp(store, syslog)
	if err != nil {
		syslog.Error("main", "Failed to start", err, nil)
		os.Exit(1)
	}

	switch cfg.Host.Mode {
	case "browser":
		err = runBrowser(app, cfg)
	default:
		err = runDesktop(app, cfg)
	}
	if err != nil {
		syslog.Error("main", "Exited with error", err, nil)
		os.Exit(1)
	}
	syslog.Info("main", "Application exited normally", nil)
}

// runDesktop hosts the page in the Wails webview.
func runDesktop(app *App, cfg *config.Config) error {
	appOptions := &options.App{
		Title:     cfg.Window.Title,
		Width:     cfg.Window.Width,
		Height:    cfg.Window.Height,
		MinWidth:  360,
		MinHeight: 480,
		AssetServer: &assetserver.Options{
			Assets: getAssets(),
		},
		BackgroundColour: &options.RGBA{R: 17, G: 24, B: 39, A: 255},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
			app.hostBridge,
			app.cameraBridge,
			app.conversationBridge,
			app.settingsBridge,
			app.logBridge,
		},
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: true,
				FullSizeContent:            true,
			},
			About: &mac.AboutInfo{
				Title:   "Nexus",
				Message: "Camera-aware voice assistant\nVersion " + Version,
			},
			Preferences: &mac.Preferences{
				TabFocusesLinks:        mac.Enabled,
				TextInteractionEnabled: mac.Enabled,
				FullscreenEnabled:      mac.Enabled,
			},
		},
	}

	syslog.Info("wails", "Starting Wails application", nil)
	return wails.Run(appOptions)
}

// runBrowser serves the page over HTTP until interrupted.
func runBrowser(app *App, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.startup(ctx)
	defer app.shutdown(context.Background())

	srv := server.New(cfg.Host.ListenAddr, app.peer, getAssets(), syslog.Zerolog())
	syslog.Info("main", "Open the assistant in a browser", map[string]interface{}{
		"url": "http://" + cfg.Host.ListenAddr,
	})
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
