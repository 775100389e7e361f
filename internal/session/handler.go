package session

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/pipeline"
	"github.com/lexiqai/voice-translator/internal/settings"
)

// Path is where the translation WebSocket is mounted
const Path = "/ws/translate"

// Handler upgrades translation WebSocket requests and tracks live sessions
type Handler struct {
	cfg    Config
	deps   pipeline.Deps
	store  *settings.Store
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewHandler creates a handler. store may be nil, in which case sessions use
// cfg.Settings and nothing is persisted.
func NewHandler(cfg Config, deps pipeline.Deps, store *settings.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		deps:   deps,
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Browsers connect from the UI origin; access control sits in front of the service
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	// Upgrade replies to the client itself on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	s := newSession(uuid.New().String(), conn, h.cfg, h.deps, h.store, h.logger)

	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	s.run()

	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
}

// ActiveSessions returns the number of connected sessions
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new sessions, closes every live connection and waits for
// the sessions to finish. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closing = true
	for _, s := range h.sessions {
		s.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}
