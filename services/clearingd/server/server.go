package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/publu/spacecommand/native/clearing"
	nativecommon "github.com/publu/spacecommand/native/common"
	"github.com/publu/spacecommand/observability/metrics"
	"github.com/publu/spacecommand/services/clearingd/audit"
)

const shutdownTimeout = 10 * time.Second

// Config holds listener and policy settings for the HTTP API.
type Config struct {
	ListenAddress string
	TLSCertFile   string
	TLSKeyFile    string
	// Owner is the address admin calls act as.
	Owner         common.Address
	AdminScope    string
	StreamOrigins []string
}

// Deps bundles the collaborators the server drives.
type Deps struct {
	Engine   *clearing.Engine
	Pauses   *nativecommon.PauseSet
	Audit    *audit.Store
	Hub      *Hub
	Metrics  *metrics.Clearing
	Gatherer prometheus.Gatherer
	Auth     *Authenticator
	Limiter  *RateLimiter
	Logger   *slog.Logger
}

// Server exposes the clearinghouse over HTTP. Engine calls are serialised
// through Exec.
type Server struct {
	cfg      Config
	engine   *clearing.Engine
	pauses   *nativecommon.PauseSet
	audit    *audit.Store
	hub      *Hub
	metrics  *metrics.Clearing
	gatherer prometheus.Gatherer
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger

	mu     sync.Mutex
	router http.Handler
}

// New validates deps and builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if deps.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.AdminScope == "" {
		cfg.AdminScope = "clearing:admin"
	}
	if len(cfg.StreamOrigins) == 0 {
		cfg.StreamOrigins = []string{"*"}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(0, deps.Logger)
	}
	if deps.Pauses == nil {
		deps.Pauses = nativecommon.NewPauseSet()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		pauses:   deps.Pauses,
		audit:    deps.Audit,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
		logger:   deps.Logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Exec runs fn with exclusive access to the engine.
func (s *Server) Exec(fn func(*clearing.Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.engine)
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "clearingd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware())
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}

		api.Get("/pool", s.handlePool)
		api.Get("/vaults", s.handleVaults)
		api.Get("/vaults/{id}", s.handleVault)
		api.Get("/vaults/{id}/value", s.handleVaultValue)
		api.Post("/vaults/{id}/liquidate", s.handleLiquidate)
		api.Post("/vaults/{id}/collect", s.handleCollect)
		api.Post("/vaults/{id}/distressed", s.handleDistressed)
		api.Post("/vaults/{id}/buy", s.handleBuy)
		api.Post("/vaults/{id}/route", s.handleRoute)

		api.Post("/deposits", s.handleDeposit)
		api.Post("/withdrawals", s.handleRequestWithdrawal)
		api.Post("/withdrawals/claim", s.handleClaimWithdrawal)
		api.Get("/accounts/{addr}", s.handleAccount)
		api.Post("/shares/transfer", s.handleTransferShares)
		api.Get("/shares/value", s.handleShareValue)

		api.Get("/events", s.handleEvents)
		api.Get("/events/export", s.handleEventExport)
		api.Get("/events/stream", s.handleEventStream)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(s.cfg.AdminScope))
			admin.Post("/vaults", s.handleRegisterVaults)
			admin.Put("/vaults/{id}/disabled", s.handleSetDisabled)
			admin.Put("/params", s.handleSetParams)
			admin.Post("/treasury/release", s.handleRelease)
			admin.Put("/pause", s.handlePause)
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if strings.TrimSpace(s.cfg.TLSCertFile) != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()
	s.logger.Info("clearingd listening", slog.String("addr", s.cfg.ListenAddress))

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
