package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"thenmore/internal/entity"
	"thenmore/internal/timer"
)

// TimerService is the part of the timer engine exposed over HTTP
type TimerService interface {
	Run(ctx context.Context, entityID string, action timer.Action, duration time.Duration, policy timer.Policy) (timer.Outcome, error)
	Cancel(ctx context.Context, entityID string) (bool, error)
	IsRunning(entityID string) bool
	Timers() map[string]timer.View
}

// EntityLister lists controllable entities
type EntityLister interface {
	ListEntities() ([]*entity.Entity, error)
}

// Server provides the HTTP API of the timer engine
type Server struct {
	timers   TimerService
	entities EntityLister
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server. events, when not nil, serves the
// websocket event stream on /events.
func NewServer(timers TimerService, entities EntityLister, events http.Handler, logger *zap.Logger, port int) *Server {
	s := &Server{
		timers:   timers,
		entities: entities,
		logger:   logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/timers", s.handleListTimers)
	mux.HandleFunc("/timers/", s.handleTimer)
	mux.HandleFunc("/entities", s.handleListEntities)
	mux.HandleFunc("/health", s.handleHealth)
	if events != nil {
		mux.Handle("/events", events)
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events holds hijacked websocket connections
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// RunRequest is the body of POST /timers/{entityId}
type RunRequest struct {
	Attribute       string  `json:"attribute"`
	Value           any     `json:"value"`
	DurationSeconds float64 `json:"durationSeconds"`
	IgnoreWhenOn    YesNo   `json:"ignoreWhenOn"`
	OverruleLonger  YesNo   `json:"overruleLonger"`
	Restore         YesNo   `json:"restore"`
}

// YesNo is a flag that accepts JSON booleans or the strings "yes" and "no"
type YesNo bool

// UnmarshalJSON implements json.Unmarshaler
func (f *YesNo) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = YesNo(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a boolean or \"yes\"/\"no\": %s", data)
	}
	switch strings.ToLower(s) {
	case "yes", "true":
		*f = true
	case "no", "false", "":
		*f = false
	default:
		return fmt.Errorf("flag must be a boolean or \"yes\"/\"no\": %q", s)
	}
	return nil
}

// action builds the engine action; onoff is the default
func (r RunRequest) action() (timer.Action, error) {
	switch r.Attribute {
	case "", entity.CapabilityOnOff:
		return timer.OnOffAction(), nil
	case entity.CapabilityDim:
		level, ok := r.Value.(float64)
		if !ok {
			return timer.Action{}, fmt.Errorf("dim value must be a number between 0 and 1")
		}
		return timer.DimAction(level), nil
	default:
		return timer.Action{Attribute: r.Attribute, Value: r.Value}, nil
	}
}

// handleListTimers returns the timer table keyed by entity ID
func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.timers.Timers())
}

// handleTimer serves GET, POST and DELETE on /timers/{entityId}
func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	entityID := strings.TrimPrefix(r.URL.Path, "/timers/")
	if entityID == "" || strings.Contains(entityID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]bool{"running": s.timers.IsRunning(entityID)})
	case http.MethodPost:
		s.handleRun(w, r, entityID)
	case http.MethodDelete:
		s.handleCancel(w, r, entityID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, entityID string) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	action, err := req.action()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	duration := time.Duration(req.DurationSeconds * float64(time.Second))
	outcome, err := s.timers.Run(r.Context(), entityID, action, duration, timer.Policy{
		IgnoreWhenOn:   bool(req.IgnoreWhenOn),
		OverruleLonger: bool(req.OverruleLonger),
		Restore:        bool(req.Restore),
	})
	if err != nil {
		s.writeError(w, entityID, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]timer.Outcome{"outcome": outcome})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, entityID string) {
	cancelled, err := s.timers.Cancel(r.Context(), entityID)
	if err != nil {
		s.writeError(w, entityID, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleListEntities returns setable entities, optionally filtered by
// capability and a name search
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entities, err := s.entities.ListEntities()
	if err != nil {
		s.logger.Error("Failed to list entities", zap.Error(err))
		http.Error(w, "Failed to list entities", http.StatusBadGateway)
		return
	}

	if capability := r.URL.Query().Get("capability"); capability != "" {
		entities = entity.FilterByCapability(entities, capability)
	}
	entities = entity.Search(entities, r.URL.Query().Get("q"))

	s.writeJSON(w, http.StatusOK, entities)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"timers": len(s.timers.Timers()),
	})
}

func (s *Server) writeError(w http.ResponseWriter, entityID string, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, timer.ErrInvalidDuration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Request failed", zap.String("entity_id", entityID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/timers", Method: "GET", Description: "Running timers keyed by entity ID"},
	{Path: "/timers/{entityId}", Method: "GET", Description: "Whether a timer is running - returns {\"running\": bool}"},
	{Path: "/timers/{entityId}", Method: "POST", Description: "Start a timer - body {attribute, value, durationSeconds, ignoreWhenOn, overruleLonger, restore}"},
	{Path: "/timers/{entityId}", Method: "DELETE", Description: "Cancel a timer without reverting - returns {\"cancelled\": bool}"},
	{Path: "/entities", Method: "GET", Description: "Controllable entities, ?capability=onoff|dim&q=search"},
	{Path: "/events", Method: "GET", Description: "Websocket stream of timer_started / timer_deleted events"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>thenmore API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>thenmore API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "thenmore API\n")
		fmt.Fprintf(w, "============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-20s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl -X POST http://localhost%s/timers/light.hallway -d '{\"durationSeconds\": 300}'\n", s.server.Addr)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
