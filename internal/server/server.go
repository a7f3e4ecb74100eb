// Package server assembles the HTTP surface: transports under the versioned
// path prefix, the health and metrics endpoints, and lifecycle management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/config"
	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/monitoring"
	"github.com/cauce-dev/cauce-hub/internal/natsbridge"
	"github.com/cauce-dev/cauce-hub/internal/transport"
)

// shutdownGrace bounds how long in-flight requests get during shutdown.
const shutdownGrace = 10 * time.Second

// Server owns the hub, its transports and the HTTP listener.
type Server struct {
	cfg    *config.Config
	hub    *hub.Hub
	httpd  *http.Server
	stats  *monitoring.SystemStats
	bridge *natsbridge.Bridge
	log    zerolog.Logger
}

// New builds the full server from config.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	validator, err := buildValidator(cfg)
	if err != nil {
		return nil, err
	}

	h := hub.New(cfg, validator, log)
	if cfg.WebhookEnabled {
		h.SetWebhookFactory(transport.NewWebhookFactory(cfg.WebhookTimeout, log))
	}

	s := &Server{
		cfg:   cfg,
		hub:   h,
		stats: monitoring.NewSystemStats(),
		log:   log.With().Str("component", "server").Logger(),
	}

	var transports []transport.Registrar
	if cfg.WebSocketEnabled {
		transports = append(transports, transport.NewWebSocket(h, log))
	}
	if cfg.SSEEnabled {
		transports = append(transports, transport.NewSSE(h, log))
	}
	if cfg.PollingEnabled {
		transports = append(transports, transport.NewPolling(h, cfg.LongPollTimeout, log))
	}

	mux := http.NewServeMux()
	for _, tr := range transports {
		tr.Register(mux, cfg.PathPrefix)
		s.log.Info().Str("transport", tr.Name()).Str("prefix", cfg.PathPrefix).Msg("Transport registered")
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpd = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bridge, err := natsbridge.New(natsbridge.Config{
		URL:         cfg.NATSURL,
		Subject:     cfg.NATSSubject,
		SubjectTrim: cfg.NATSSubjectTrim,
	}, h, log)
	if err != nil {
		return nil, fmt.Errorf("nats bridge: %w", err)
	}
	s.bridge = bridge

	return s, nil
}

// Hub exposes the assembled hub, used by tests.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go s.stats.Run(15*time.Second, stop)
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("Hub listening")
		if err := s.httpd.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		close(stop)
		s.bridge.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down")
	close(stop)
	s.bridge.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.httpd.Shutdown(shutdownCtx)
	s.hub.Shutdown()
	s.log.Info().Msg("Shutdown complete")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":        "ok",
		"version":       hub.ServerVersion,
		"sessions":      s.hub.Sessions().Count(),
		"subscriptions": s.hub.Subscriptions().Count(),
		"pending":       s.hub.Tracker().PendingCount(),
		"system":        s.stats.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}

// buildValidator assembles the auth chain from config. With auth disabled
// every client is admitted as anonymous.
func buildValidator(cfg *config.Config) (auth.Validator, error) {
	if !cfg.AuthEnabled {
		return auth.AllowAll{}, nil
	}
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer))
	}
	if cfg.APIKeysFile != "" {
		keys, err := loadAPIKeys(cfg.APIKeysFile)
		if err != nil {
			return nil, fmt.Errorf("api keys: %w", err)
		}
		chain = append(chain, auth.NewAPIKeyValidator(keys))
	}
	if cfg.MTLSEnabled {
		chain = append(chain, auth.NewCertValidator([]string{
			auth.CapPublish, auth.CapSubscribe, auth.CapManageSubscriptions,
		}))
	}
	if len(chain) == 0 {
		return nil, errors.New("auth enabled but no validator configured")
	}
	return chain, nil
}

// loadAPIKeys reads a JSON file mapping api key to identity:
//
//	{"key1": {"principal": "adapter-email", "capabilities": ["publish"]}}
func loadAPIKeys(path string) (map[string]*auth.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]struct {
		Principal    string   `json:"principal"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	keys := make(map[string]*auth.Info, len(raw))
	for key, id := range raw {
		keys[key] = &auth.Info{
			Principal:    id.Principal,
			Capabilities: id.Capabilities,
			Metadata:     map[string]string{"auth_method": "api_key"},
		}
	}
	return keys, nil
}
