// Package mirror provides a best-effort side channel for raw telemetry:
// every complete serial line is appended to a per-device rotating archive
// file and published on a NATS subject. The mirror never feeds back into
// the live pipeline; failures are logged and otherwise ignored.
package mirror

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds mirror settings.
type Config struct {
	ArchivePath   string // base directory for per-device archive files; "" disables file archiving
	ArchiveSizeMB int
	ArchiveKeep   int
	Compress      bool
	NATSConn      *nats.Conn // nil disables bus mirroring
	SubjectPrefix string     // e.g. "devicelab" -> devicelab.device.3
	Logger        *slog.Logger
}

// Mirror fans serial lines out to the archive and the bus.
type Mirror struct {
	cfg      Config
	mu       sync.Mutex
	archives map[int]*lumberjack.Logger
}

// New creates a Mirror. Archive writers are created lazily per device.
func New(cfg Config) *Mirror {
	cfg.Logger.Info("Telemetry mirror initialized",
		"archive_path", cfg.ArchivePath,
		"nats_enabled", cfg.NATSConn != nil,
		"subject_prefix", cfg.SubjectPrefix)

	return &Mirror{
		cfg:      cfg,
		archives: make(map[int]*lumberjack.Logger),
	}
}

// Publish mirrors one line of device output. Intended to be installed as
// the session manager's line hook; it must not block the reader loop for
// long, so both sinks are fire-and-forget.
func (m *Mirror) Publish(index int, line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if m.cfg.ArchivePath != "" {
		if _, err := io.WriteString(m.archiveFor(index), line); err != nil {
			m.cfg.Logger.Warn("Failed to write telemetry archive", "device", index, "error", err)
		}
	}

	if m.cfg.NATSConn != nil {
		subject := fmt.Sprintf("%s.device.%d", m.cfg.SubjectPrefix, index)
		if err := m.cfg.NATSConn.Publish(subject, []byte(line)); err != nil {
			m.cfg.Logger.Warn("Failed to publish telemetry line", "device", index, "subject", subject, "error", err)
		}
	}
}

// archiveFor returns the rotating writer for a device, creating it on
// first use.
func (m *Mirror) archiveFor(index int) *lumberjack.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.archives[index]; ok {
		return w
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(m.cfg.ArchivePath, fmt.Sprintf("device-%d.log", index)),
		MaxSize:    m.cfg.ArchiveSizeMB,
		MaxBackups: m.cfg.ArchiveKeep,
		Compress:   m.cfg.Compress,
	}
	m.archives[index] = w
	return w
}

// Close flushes and closes all archive writers.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index, w := range m.archives {
		if err := w.Close(); err != nil {
			m.cfg.Logger.Warn("Failed to close telemetry archive", "device", index, "error", err)
		}
	}
	m.archives = make(map[int]*lumberjack.Logger)
}

// Connect establishes the NATS connection for the mirror with the
// reconnect handlers the rest of the service expects.
func Connect(url string, maxReconnects int, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)
	return conn, nil
}
