package bridge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"

	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/logging"
)

// LogBridge exposes logging methods to the frontend
type LogBridge struct {
	logger  *logging.Logger
	emitter Emitter
}

// NewLogBridge creates a new log bridge and streams new entries to the
// frontend.
func NewLogBridge(logger *logging.Logger, emitter Emitter) *LogBridge {
	b := &LogBridge{
		logger:  logger,
		emitter: emitter,
	}
	logger.SetOnLog(func(entry logging.LogEntry) {
		emitter.Emit(EventLogEntry, entry)
	})
	return b
}

// Register exposes frontend logging to the host page.
func (b *LogBridge) Register(peer *hostrpc.Peer) {
	peer.Handle("log.write", func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Level     string                 `json:"level"`
			Component string                 `json:"component"`
			Message   string                 `json:"message"`
			Data      map[string]interface{} `json:"data"`
		}](raw)
		if err != nil {
			return nil, err
		}
		b.Log(p.Level, p.Component, p.Message, p.Data)
		return nil, nil
	})
	peer.Handle("log.history", func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Limit int `json:"limit"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return b.GetLogHistory(p.Limit), nil
	})
}

// Log logs a message from the frontend
func (b *LogBridge) Log(level, component, message string, data map[string]interface{}) {
	if component == "" {
		component = "frontend"
	}
	switch logging.ParseLevel(level) {
	case logging.LevelDebug:
		b.logger.Debug(component, message, data)
	case logging.LevelWarn:
		b.logger.Warn(component, message, data)
	case logging.LevelError:
		b.logger.Error(component, message, nil, data)
	default:
		b.logger.Info(component, message, data)
	}
}

// GetLogHistory returns recent log entries
func (b *LogBridge) GetLogHistory(limit int) []logging.LogEntry {
	return b.logger.GetHistory(limit)
}

// GetLogPath returns the current log file path
func (b *LogBridge) GetLogPath() string {
	return b.logger.GetLogPath()
}

// OpenLogDir opens the log directory in the file manager
func (b *LogBridge) OpenLogDir() error {
	logDir := filepath.Dir(b.logger.GetLogPath())

	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", logDir)
	case "windows":
		cmd = exec.Command("explorer", logDir)
	default:
		cmd = exec.Command("open", logDir)
	}
	return cmd.Start()
}

// GetSystemInfo returns system information for troubleshooting
func (b *LogBridge) GetSystemInfo() map[string]interface{} {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	return map[string]interface{}{
		"os":           goruntime.GOOS,
		"arch":         goruntime.GOARCH,
		"goVersion":    goruntime.Version(),
		"numGoroutine": goruntime.NumGoroutine(),
		"memAllocMB":   m.Alloc / 1024 / 1024,
		"home":         os.Getenv("HOME"),
		"logPath":      b.logger.GetLogPath(),
	}
}
