// Package server wires the public HTTP and WebSocket surface: it owns the
// catalog, the installer and weight store, the backend adapters, the model
// pool and the telemetry aggregator, and translates component errors into
// HTTP statuses.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/flm"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/llamacpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/sd"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/tts"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/whisper"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-server/pkg/ollama"
	"github.com/lemonade-sdk/lemonade-server/pkg/ports"
	"github.com/lemonade-sdk/lemonade-server/pkg/realtime"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// shutdownTimeout bounds graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the assembled gateway.
type Server struct {
	log        logging.Logger
	config     Config
	catalog    *catalog.Catalog
	weights    *weights.Store
	installer  *installer.Installer
	aggregator *telemetry.Aggregator
	pool       *scheduling.Pool
	scheduler  *scheduling.Scheduler
	inference  *scheduling.HTTPHandler
	ollama     *ollama.Handler
	realtime   *realtime.Handler
}

// New builds the server: it probes accelerators, constructs one adapter per
// family, and assembles the pool and handlers.
func New(log logging.Logger, config Config) (*Server, error) {
	cat, err := catalog.New(log, config.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("initializing catalog: %w", err)
	}

	weightStore := weights.NewStore(log, config.WeightsCacheDir, config.HubEndpoint, nil)
	inst := installer.New(log, config.CacheDir, nil)
	aggregator := telemetry.NewAggregator()

	llamaVariant, err := inst.SelectPreferredVariant(inference.FamilyLlamaCpp, config.LlamaVariant)
	if err != nil {
		return nil, fmt.Errorf("selecting llama.cpp variant: %w", err)
	}
	log.Infof("Using llama.cpp variant %q", llamaVariant)
	sdVariant, err := inst.SelectPreferredVariant(inference.FamilySD, config.SDVariant)
	if err != nil {
		return nil, fmt.Errorf("selecting stable-diffusion variant: %w", err)
	}
	whisperVariant, err := inst.SelectPreferredVariant(inference.FamilyWhisper, "")
	if err != nil {
		return nil, fmt.Errorf("selecting whisper variant: %w", err)
	}

	adapters := map[inference.Family]inference.Adapter{
		inference.FamilyLlamaCpp: llamacpp.New(log, inst, llamaVariant, "", config.ContextSize, config.ExtraLlamaArgs),
		inference.FamilyFLM:      flm.New(log, inst),
		inference.FamilySD:       sd.New(log, inst, sdVariant, ""),
		inference.FamilyWhisper:  whisper.New(log, inst, whisperVariant, ""),
		inference.FamilyTTS:      tts.New(log, inst, ""),
	}

	pool := scheduling.NewPool(
		log, cat, adapters, weightStore,
		ports.NewAllocator("127.0.0.1"), aggregator,
		scheduling.PoolConfig{},
	)
	scheduler := scheduling.NewScheduler(log, cat, adapters, pool)
	inferenceHandler := scheduling.NewHTTPHandler(log, scheduler, scheduling.HandlerConfig{
		SaveImages: config.SaveImages,
		ImagesDir:  config.ImagesDir,
	})

	s := &Server{
		log:        log,
		config:     config,
		catalog:    cat,
		weights:    weightStore,
		installer:  inst,
		aggregator: aggregator,
		pool:       pool,
		scheduler:  scheduler,
		inference:  inferenceHandler,
	}
	s.ollama = ollama.NewHandler(log, cat, weightStore, pool, inferenceHandler)
	s.realtime = realtime.NewHandler(log, scheduler)
	return s, nil
}

// Pool returns the model pool, exposed for tests.
func (s *Server) Pool() *scheduling.Pool {
	return s.pool
}

// Handler returns the main HTTP handler with CORS and instrumentation
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Management surface.
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("POST /api/v1/models", s.handleRegister)
	mux.HandleFunc("POST /api/v1/load", s.handleLoad)
	mux.HandleFunc("POST /api/v1/unload", s.handleUnload)
	mux.HandleFunc("POST /api/v1/pull", s.handlePull)
	mux.HandleFunc("GET /api/v1/system-info", s.handleSystemInfo)
	mux.Handle("GET /metrics", s.aggregator.MetricsHandler())

	// OpenAI-compatible inference surface.
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", s.inference))

	// Ollama compatibility at both its native prefix and /api/v1/ollama.
	mux.Handle("/api/", s.ollama)
	mux.Handle("/api/v1/ollama/", http.StripPrefix("/api/v1/ollama", prefixedOllama(s.ollama)))

	return otelhttp.NewHandler(
		middleware.CORS(s.config.AllowedOrigins, logRequests(s.log, mux)),
		"lemonade-server",
	)
}

// WSHandler returns the WebSocket listener's handler.
func (s *Server) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/realtime", s.realtime)
	// Older clients connect to /realtime directly.
	mux.Handle("/realtime", s.realtime)
	return middleware.CORS(s.config.AllowedOrigins, mux)
}

// prefixedOllama re-adds the Ollama /api prefix after StripPrefix removed
// the /api/v1/ollama mount point.
func prefixedOllama(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rewritten := r.Clone(r.Context())
		rewritten.URL.Path = ollama.APIPrefix + r.URL.Path
		handler.ServeHTTP(w, rewritten)
	})
}

// logRequests logs each request line at debug level.
func logRequests(log logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP and WebSocket listeners until ctx is cancelled, then shuts
// down gracefully and unloads every backend.
func (s *Server) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.scheduler.Run(groupCtx)
	})

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler: s.Handler(),
	}
	wsServer := &http.Server{
		Addr:    net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.WSPort())),
		Handler: s.WSHandler(),
	}

	for _, srv := range []*http.Server{httpServer, wsServer} {
		srv := srv
		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.log.Infof("Lemonade Server ready on http://%s:%d (websocket port %d)",
		s.config.Host, s.config.Port, s.config.WSPort())
	return group.Wait()
}
