package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/termdesk/termdesk/internal/config"
	"github.com/termdesk/termdesk/internal/engine"
	"github.com/termdesk/termdesk/internal/logger"
	"github.com/termdesk/termdesk/internal/stream"
)

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	eng       *engine.Engine
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	log       *zerolog.Logger

	mu   sync.Mutex
	subs map[chan stream.Frame]struct{}
}

// wsFrame is the websocket representation of one encoded frame.
type wsFrame struct {
	Sequence     uint64 `json:"sequence"`
	Columns      int    `json:"columns"`
	Rows         int    `json:"rows"`
	SourceWidth  int    `json:"source_width"`
	SourceHeight int    `json:"source_height"`
	Data         string `json:"data"`
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		eng:       eng,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log:  logger.WithComponent("api"),
		subs: make(map[chan stream.Frame]struct{}),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Display enumeration
	api.HandleFunc("/displays", s.handleGetDisplays).Methods("GET")
	api.HandleFunc("/displays/main", s.handleGetMainDisplay).Methods("GET")

	// One-shot capture
	api.HandleFunc("/capture", s.handleCapture).Methods("GET")

	// Stream control
	api.HandleFunc("/stream/status", s.handleStreamStatus).Methods("GET")
	api.HandleFunc("/stream/start", s.handleStreamStart).Methods("POST")
	api.HandleFunc("/stream/stop", s.handleStreamStop).Methods("POST")
	api.HandleFunc("/stream/quality", s.handleSetQuality).Methods("PUT")
	api.HandleFunc("/stream/ws", s.handleStreamWS)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info().Str("addr", addr).Msg("Starting API server")
	return http.ListenAndServe(addr, s.enableCORS(s.router))
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Broadcast fans a frame out to all websocket subscribers. Slow clients
// miss frames instead of slowing the stream down.
func (s *Server) Broadcast(f stream.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (s *Server) subscribe() chan stream.Frame {
	ch := make(chan stream.Frame, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// unsubscribe removes and closes a subscriber channel so its write loop
// terminates. Safe to call more than once for the same channel; closing
// happens under the same lock Broadcast sends under, so a closed
// channel is never sent to.
func (s *Server) unsubscribe(ch chan stream.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// closeSubscribers ends every websocket feed, used when the stream
// stops so clients get a close frame instead of hanging.
func (s *Server) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Server) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// HTTP Handlers

func (s *Server) handleGetDisplays(w http.ResponseWriter, r *http.Request) {
	displays, err := s.eng.Displays()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(displays)
}

func (s *Server) handleGetMainDisplay(w http.ResponseWriter, r *http.Request) {
	display, err := s.eng.MainDisplay()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(display)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	data, err := s.eng.CapturePNG(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"streaming": s.eng.IsStreaming(),
		"quality":   s.eng.Quality(),
	})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Columns int     `json:"columns"`
		Rows    int     `json:"rows"`
		Quality float64 `json:"quality"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg := s.configMgr.Get()
	if req.Columns <= 0 {
		req.Columns = cfg.Stream.Columns
	}
	if req.Rows <= 0 {
		req.Rows = cfg.Stream.Rows
	}
	if req.Columns <= 0 || req.Rows <= 0 {
		http.Error(w, "columns and rows are required", http.StatusBadRequest)
		return
	}
	if req.Quality > 0 {
		s.eng.SetQuality(req.Quality)
	}

	if err := s.eng.StartStream(req.Columns, req.Rows, s.Broadcast); err != nil {
		status := http.StatusInternalServerError
		if err == stream.ErrAlreadyActive {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.eng.StopStream()
	s.closeSubscribers()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleSetQuality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality float64 `json:"quality"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	applied := s.eng.SetQuality(req.Quality)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]float64{"quality": applied})
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	frames := s.subscribe()
	defer s.unsubscribe(frames)

	// Read pump: clients send nothing, but reading is how we notice
	// they disconnected. A read error unsubscribes, which closes the
	// frame channel and ends the write loop below.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.unsubscribe(frames)
				return
			}
		}
	}()

	for frame := range frames {
		msg := wsFrame{
			Sequence:     frame.Sequence,
			Columns:      frame.Columns,
			Rows:         frame.Rows,
			SourceWidth:  frame.SourceWidth,
			SourceHeight: frame.SourceHeight,
			Data:         string(frame.Data),
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket client gone")
			return
		}
	}

	// Channel closed server-side: tell the client the feed ended.
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped"))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"streaming": s.eng.IsStreaming(),
	})
}
