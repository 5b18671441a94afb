package gateway

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/orchestrator"
	"github.com/cuemby/gantry/pkg/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds a single request body
const maxBodyBytes = 8 << 20

// Config holds the HTTP server settings
type Config struct {
	ListenAddr string
	// BasePrefix is the first path segment of the universal REST surface,
	// e.g. "api" for /api/{service}/...
	BasePrefix string
	// AdminEnabled exposes the /admin/services control surface.
	AdminEnabled bool
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{ListenAddr: ":8080", BasePrefix: "api"}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.BasePrefix == "" {
		c.BasePrefix = d.BasePrefix
	}
	c.BasePrefix = strings.Trim(c.BasePrefix, "/")
	return c
}

// Server is the northbound REST surface
type Server struct {
	cfg      Config
	orc      *orchestrator.Orchestrator
	registry *registry.Registry
	started  time.Time
	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader
}

// New creates the gateway and registers all routes
func New(cfg Config, orc *orchestrator.Orchestrator, reg *registry.Registry) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		orc:      orc,
		registry: reg,
		started:  time.Now(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge fronts trusted backends; origin policy is the
			// deployment's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/health/live", s.healthHandler)
	s.mux.HandleFunc("/health/ready", s.healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/services", s.listServicesHandler)
	if cfg.AdminEnabled {
		s.mux.HandleFunc("/admin/services", s.adminServicesHandler)
		s.mux.HandleFunc("/admin/services/", s.adminServiceHandler)
	}
	s.mux.HandleFunc("/", s.universalHandler)
	return s
}

// Handler returns the full handler chain, exported for tests
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(s.mux)
}

// Start serves until Shutdown or a listener error
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streams stay open indefinitely; only the header exchange is
		// bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.WithComponent("gateway").Info().Str("addr", s.cfg.ListenAddr).Msg("gateway listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// recoverPanics converts handler panics into a 500 without killing the
// process
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("gateway").Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				writeRawError(w, http.StatusInternalServerError, "Internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// healthStatus is the /health response shape
type healthStatus struct {
	Status   string        `json:"status"`
	UptimeS  float64       `json:"uptime_s"`
	Services serviceCounts `json:"services"`
}

type serviceCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	total, healthy, unhealthy := s.registry.HealthCounts()
	resp := healthStatus{
		Status:  "ok",
		UptimeS: time.Since(s.started).Seconds(),
		Services: serviceCounts{
			Total:     total,
			Healthy:   healthy,
			Unhealthy: unhealthy,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// serviceListing is one entry of GET /api/services
type serviceListing struct {
	Name      string      `json:"name"`
	Version   string      `json:"version,omitempty"`
	LBPolicy  string      `json:"lb_policy,omitempty"`
	Methods   []string    `json:"methods"`
	Instances interface{} `json:"instances"`
}

func (s *Server) listServicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	descs := s.registry.Services()
	out := make([]serviceListing, 0, len(descs))
	for _, desc := range descs {
		_, snap, err := s.registry.Lookup(desc.Name)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(desc.Methods))
		for _, m := range desc.Methods {
			names = append(names, m.Name)
		}
		out = append(out, serviceListing{
			Name:      desc.Name,
			Version:   desc.Version,
			LBPolicy:  desc.LBPolicy,
			Methods:   names,
			Instances: snap.Instances,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
