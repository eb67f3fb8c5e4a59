package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"peercall/pkg/call"
	"peercall/pkg/log"
	"peercall/pkg/signal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Calls is the controller surface the API exposes. *call.Controller implements it.
type Calls interface {
	Self() signal.PeerID
	Open(ctx context.Context, conversationID string) error
	InitiateCall(ctx context.Context, conversationID string) error
	AnswerCall(ctx context.Context, conversationID string) error
	DeclineCall(ctx context.Context, conversationID string) error
	HangUp(ctx context.Context, conversationID string, silent bool) error
	ToggleMute(ctx context.Context, conversationID string) (bool, error)
	State(conversationID string) call.View
	Subscribe() (<-chan call.Event, func())
}

type ServerConfig struct {
	Listen string

	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer

	// CommandTimeout bounds one call command.
	CommandTimeout time.Duration
}

type Server struct {
	cfg   ServerConfig
	calls Calls
}

type errorResponse struct {
	Error   string    `json:"error"`
	Kind    call.Kind `json:"kind"`
	Message string    `json:"message"`
}

func NewServer(cfg ServerConfig, calls Calls) *Server {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}

	return &Server{
		cfg:   cfg,
		calls: calls,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/self", s.self)
		r.Get("/events", s.events)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.view)
			r.Post("/open", s.command(s.calls.Open))
			r.Post("/initiate", s.command(s.calls.InitiateCall))
			r.Post("/answer", s.command(s.calls.AnswerCall))
			r.Post("/decline", s.command(s.calls.DeclineCall))
			r.Post("/hangup", s.hangUp)
			r.Post("/mute", s.mute)
		})
	})

	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// Run serves the API until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		log.Infof("Control API listening on %s", s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "control api")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (s *Server) self(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]signal.PeerID{"peer": s.calls.Self()})
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.State(chi.URLParam(r, "id")))
}

func (s *Server) command(fn func(ctx context.Context, conversationID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
		defer cancel()

		if err := fn(ctx, id); err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, s.calls.State(id))
	}
}

func (s *Server) hangUp(w http.ResponseWriter, r *http.Request) {
	silent := false

	if v := r.URL.Query().Get("silent"); v != "" {
		var err error

		silent, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "silent must be a boolean", http.StatusBadRequest)

			return
		}
	}

	s.command(func(ctx context.Context, id string) error {
		return s.calls.HangUp(ctx, id, silent)
	})(w, r)
}

func (s *Server) mute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	muted, err := s.calls.ToggleMute(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, signal.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrNotPrivate):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch call.Classify(err) {
	case call.KindState:
		return http.StatusConflict
	case call.KindDevice:
		return http.StatusServiceUnavailable
	}

	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	kind := call.Classify(err)

	writeJSON(w, statusOf(err), errorResponse{
		Error:   err.Error(),
		Kind:    kind,
		Message: kind.Message(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Writing response: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		log.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
		}).Debug("api request")
	})
}
