// Package web serves the browser chat interface.
//
// Routes (see [Server.Register]):
//
//	GET  /              chat page
//	GET  /static/...    stylesheet and script
//	GET  /api/messages  {"messages": [...], "busy": bool}
//	POST /api/messages  {"text": "..."} → 202, 400 empty, 409 busy
//	POST /api/reset     204, 409 busy
//	GET  /api/tools     registered tools with call statistics
//	GET  /ws            websocket pushing a snapshot after every change
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/MrWong99/personchat/internal/chat"
	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/internal/tool"
)

//go:embed assets
var assets embed.FS

// maxBodyBytes caps request bodies of the JSON API.
const maxBodyBytes = 64 << 10

var pageTemplate = template.Must(template.ParseFS(assets, "assets/index.html.tmpl"))

// ToolStats reports the registered tools. *tool.Registry satisfies it.
type ToolStats interface {
	Stats() []tool.Stats
}

// Server holds the HTTP handlers of the chat interface.
//
// The zero value is NOT usable; create instances with [New].
type Server struct {
	mgr     *chat.Manager
	tools   ToolStats
	metrics *observe.Metrics
	origins []string
}

// Option configures a [Server].
type Option func(*Server)

// WithToolStats enables GET /api/tools.
func WithToolStats(ts ToolStats) Option {
	return func(s *Server) {
		s.tools = ts
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithOriginPatterns allows websocket connections from the given host
// patterns in addition to same-origin requests.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, patterns...)
	}
}

// New creates a server for the conversations owned by mgr.
func New(mgr *chat.Manager, opts ...Option) *Server {
	s := &Server{mgr: mgr, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	static, _ := fs.Sub(assets, "assets")
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/messages", s.handleSubmit)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := viewOfSnapshot(s.mgr.Current().Snapshot())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, view); err != nil {
		observe.Logger(r.Context()).Error("web: render page", "err", err)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOfSnapshot(s.mgr.Current().Snapshot()))
}

// submitRequest is the body of POST /api/messages and of websocket frames
// sent by the browser.
type submitRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.mgr.Current().SubmitAsync(r.Context(), req.Text)
	if err != nil {
		status := submitStatus(err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"busy": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	slog.Info("conversation reset", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.tools == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []tool.Stats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Stats()})
}

// submitStatus maps a submit error to an HTTP status code.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy), errors.Is(err, chat.ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
