package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/soochol/exectrack/internal/exectrack/ports"
	"github.com/soochol/exectrack/internal/signal"
)

type Server struct {
	registry    ports.ExecutionRegistryPort
	tracker     ports.CompletionTrackerPort
	channel     *signal.Channel
	signalKey   []byte
	corsOrigins []string
	upgrader    websocket.Upgrader
}

func NewServer(registry ports.ExecutionRegistryPort, tracker ports.CompletionTrackerPort, channel *signal.Channel) *Server {
	return &Server{
		registry:    registry,
		tracker:     tracker,
		channel:     channel,
		corsOrigins: []string{"*"},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSignalSecret requires an HS256 bearer token signed with secret on
// POST /api/signals. An empty secret disables the check.
func (s *Server) SetSignalSecret(secret string) {
	s.signalKey = []byte(secret)
}

// SetCORSOrigins restricts the allowed browser origins.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Route("/api", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.registerExecution)
			r.Get("/", s.listActiveExecutions)
			r.Get("/completed", s.listCompletedExecutions)
			r.Delete("/completed", s.clearCompletedExecutions)
			r.Get("/stats", s.getExecutionStats)
			r.Post("/correlate", s.correlate)
			r.Get("/{id}", s.getExecution)
			r.Post("/{id}/start", s.startExecution)
			r.Post("/{id}/complete", s.completeExecution)
			r.Post("/{id}/fail", s.failExecution)
			r.Post("/{id}/cancel", s.cancelExecution)
		})
		r.With(s.requireSignalToken).Post("/signals", s.publishSignal)
		r.Route("/completions", func(r chi.Router) {
			r.Get("/", s.listCompletions)
			r.Get("/stats", s.getCompletionStats)
			r.Get("/stream", s.streamCompletions)
			r.Get("/ws", s.streamCompletionsWS)
		})
		r.Get("/health", s.health)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active":      len(s.registry.GetActiveExecutions()),
		"subscribers": s.channel.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
