package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"devicelab/auth"
	"devicelab/booking"
	"devicelab/gateway"
	"devicelab/registry"
	"devicelab/session"
	"devicelab/upload"
)

// DeviceRegistry enumerates attached devices.
type DeviceRegistry interface {
	Discover() []registry.Descriptor
	Validate(index int) bool
}

// SessionManager is the serial-session surface the handlers drive.
// EnsureStarted is atomic across racing subscribers: it launches at most
// one session per index and registers its observer exactly once.
type SessionManager interface {
	EnsureStarted(index int, portPath string, baudRate int, fn session.OutputCallback) bool
	Stop(index int) bool
	Output(index int) string
	ResetOutput(index int)
}

// Broadcaster fans device output out to subscribers.
type Broadcaster interface {
	Subscribe(index int, sub gateway.Subscriber)
	Unsubscribe(index int, sub gateway.Subscriber)
	Publish(index int, message []byte)
}

// Identifier resolves handshake credentials to an identity.
type Identifier interface {
	Verify(ctx context.Context, creds auth.Credentials) string
}

// SketchUploader drives the external toolchain.
type SketchUploader interface {
	Compile(ctx context.Context, code, model, projectID string) upload.Result
	Flash(ctx context.Context, code, model, port, projectID string) upload.Result
}

// Handler holds the pipeline collaborators behind the HTTP surface.
type Handler struct {
	registry DeviceRegistry
	sessions SessionManager
	gateway  Broadcaster
	auth     Identifier
	bookings booking.Store
	uploader SketchUploader
	baudRate int
	now      func() time.Time
	logger   *slog.Logger
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Registry DeviceRegistry
	Sessions SessionManager
	Gateway  Broadcaster
	Auth     Identifier
	Bookings booking.Store
	Uploader SketchUploader
	BaudRate int
	Logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = session.DefaultBaudRate
	}
	return &Handler{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		gateway:  cfg.Gateway,
		auth:     cfg.Auth,
		bookings: cfg.Bookings,
		uploader: cfg.Uploader,
		baudRate: baud,
		now:      time.Now,
		logger:   cfg.Logger,
	}
}

// Router builds the chi router for the service.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/devices/{deviceNumber}", h.deviceWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", h.listDevices)
		r.Post("/devices/compile", h.compileSketch)
		r.Post("/devices/{deviceNumber}/upload", h.uploadSketch)
	})

	return r
}

// Server runs the HTTP listener with graceful shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a Server for the handler on the given port.
func NewServer(port int, handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler.Router(),
		},
		logger: logger,
	}
}

// Start begins serving in the background. Listener errors other than
// graceful shutdown are logged.
func (s *Server) Start() {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
