// Package httpapi serves snapshot ingest, dispatcher status and metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"

	"worldwatch/internal/entity"
	"worldwatch/internal/notifier"
	rtsup "worldwatch/internal/runtime/supervisor"
	logx "worldwatch/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr        string
	CORSOrigins []string
	// IngestToken guards POST routes; empty leaves them open.
	IngestToken string
	Pprof       bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Dispatcher is the part of *notifier.Dispatcher the API drives.
type Dispatcher interface {
	Platforms() []string
	Shard() string
	OnNewData(platform string, snap *entity.Snapshot) error
	State(platform string) (notifier.State, error)
	LastReport(platform string) (notifier.CycleReport, bool)
	SeenIDs(ctx context.Context, platform string) (entity.IDSet, error)
	Supervisor() *rtsup.Supervisor
}

type Service struct {
	cfg      Config
	disp     Dispatcher
	gatherer prometheus.Gatherer
	log      logx.Logger

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

// New builds the API. A nil gatherer serves the default registry.
func New(cfg Config, disp Dispatcher, gatherer prometheus.Gatherer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Service{cfg: cfg, disp: disp, gatherer: gatherer, log: log.With(logx.String("comp", "http"))}
}

// Handler returns the router.
//
//	POST /v1/platforms/{platform}/snapshots   queue a world-state snapshot
//	GET  /v1/platforms                        platform list with states
//	GET  /v1/platforms/{platform}/state       state and last cycle report
//	GET  /v1/platforms/{platform}/seen        committed ids on this shard
//	GET  /healthz                             worker health
//	GET  /metrics                             prometheus
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		c := corslib.New(corslib.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1/platforms", func(r chi.Router) {
		r.Get("/", s.listPlatforms)
		r.Route("/{platform}", func(r chi.Router) {
			r.With(s.withAuth).Post("/snapshots", s.ingest)
			r.Get("/state", s.platformState)
			r.Get("/seen", s.seen)
		})
	})
	return r
}

// Start binds the listener and serves in the background until Stop or ctx
// ends. Bind errors are returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup.Go("http.serve", func(ctx context.Context) error {
		err := srv.Serve(ln)
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("http.shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	s.ln, s.srv, s.sup = ln, srv, sup
	s.addr = ln.Addr().String()
	s.log.Info("http api started", logx.String("addr", s.addr),
		logx.Bool("token_set", s.cfg.IngestToken != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address; empty before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http api stopped")
	return err
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}
