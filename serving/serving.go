// Package serving exposes a loaded model over the HTTP surface the
// Dotscience deployer probes and routes to:
//
//	GET  /v1/healthcheck           "OK"
//	GET  /v1/models/model          "AVAILABLE"
//	POST /v1/models/model:predict  predict(model, query) as JSON
package serving

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/dotmesh-io/dotscience-go/internal/platform/httpserver"
)

// Predictor answers one query against a loaded model. query is the decoded
// JSON request body; numbers arrive as json.Number. The result must encode as
// JSON.
type Predictor[M any] func(ctx context.Context, model M, query any) (any, error)

// Echo is the placeholder predictor shipped with new model images: it
// returns the query unchanged under "query".
func Echo(_ context.Context, _ any, query any) (any, error) {
	return map[string]any{"query": query}, nil
}

type Server[M any] struct {
	model   M
	predict Predictor[M]
	logger  *slog.Logger
	auth    Authenticator
	maxBody int64
}

type options struct {
	logger  *slog.Logger
	auth    Authenticator
	maxBody int64
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAuthenticator guards the predict route. Health and availability stay
// open for the deployer's probes.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) {
		o.auth = a
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		o.maxBody = n
	}
}

func New[M any](model M, predict Predictor[M], opts ...Option) *Server[M] {
	o := options{logger: slog.Default(), maxBody: 32 << 20}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server[M]{
		model:   model,
		predict: predict,
		logger:  o.logger,
		auth:    o.auth,
		maxBody: o.maxBody,
	}
}

func (s *Server[M]) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteText(w, http.StatusOK, "OK")
	})
	mux.HandleFunc("GET /v1/models/model", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteText(w, http.StatusOK, "AVAILABLE")
	})
	mux.HandleFunc("POST /v1/models/model:predict", s.handlePredict)
	return httpserver.Wrap(s.logger, mux)
}

// Serve runs the model server until ctx is done.
func (s *Server[M]) Serve(ctx context.Context, cfg Config) error {
	return httpserver.Run(ctx, s.logger, httpserver.Config{Name: "model", Addr: cfg.Addr()}, s.Handler())
}

func (s *Server[M]) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := httpserver.RequestIDFromContext(r.Context())
	if s.auth != nil {
		if err := s.auth.Authenticate(r); err != nil {
			s.logger.Warn("predict unauthenticated", "request_id", requestID, "error", err)
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			return
		}
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, s.maxBody))
	dec.UseNumber()
	var query any
	if err := dec.Decode(&query); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "request body must be JSON"})
		return
	}

	out, err := s.predict(r.Context(), s.model, query)
	if err != nil {
		s.logger.Error("predict failed", "request_id", requestID, "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to predict"})
		return
	}
	raw, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("predict result not encodable", "request_id", requestID, "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to predict"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
