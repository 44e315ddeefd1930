// Package api 提供 HTTP 管理接口与 WebSocket 设备接入
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/server"
)

type Server struct {
	ctx      *app.Context
	tcp      *server.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer builds the router. tcp may be nil; it is only used to report
// whether the device listener is running.
func NewServer(ctx *app.Context, tcp *server.Server) *Server {
	policy := newOriginPolicy(ctx.Config.Http.AllowedOrigins)
	s := &Server{
		ctx:    ctx,
		tcp:    tcp,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ctx.Config.Server.MaxFrameSize,
			WriteBufferSize: ctx.Config.Server.MaxFrameSize,
			CheckOrigin:     policy.check,
		},
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         ctx.Config.Http.Address(),
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices/list", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/known", s.handleKnownDevices).Methods("GET")
	api.HandleFunc("/devices/status", s.handleServerStatus).Methods("GET")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/groups/{group}/publish", s.handlePublish).Methods("POST")

	api.HandleFunc("/recording/start", s.handleStartRecording).Methods("POST")
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods("POST")
	api.HandleFunc("/recording/status", s.handleRecordingStatus).Methods("GET")

	api.HandleFunc("/time/sync", s.handleSyncTime).Methods("POST")
	api.HandleFunc("/time/current", s.handleCurrentTime).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	for _, router := range []*mux.Router{s.router, api} {
		router.NotFoundHandler = http.HandlerFunc(handleNotFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "no route for "+r.URL.Path)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	logger.InfoF("HTTP API Listen On %s", ln.Addr())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.ErrorF("HTTP server shutdown error: %v", err)
		return err
	}
	logger.Info("HTTP server shutdown completed")
	return nil
}

// Invoke lets the cleaner stop the HTTP server.
func (s *Server) Invoke(ctx context.Context) error {
	logger.Info("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.DebugF("Fail to write response, details: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"status": "error", "message": message})
}
