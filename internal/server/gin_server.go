package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/dghilardi/port-plumber/internal/api"
	"github.com/dghilardi/port-plumber/internal/config"
	"github.com/dghilardi/port-plumber/internal/health"
	"github.com/dghilardi/port-plumber/internal/resolver"
)

// RouteLister exposes the routing table.
type RouteLister interface {
	Routes() []api.Route
}

// NameResolver maps a name to its source address.
type NameResolver interface {
	Resolve(name string) (net.IP, error)
}

// MaxControlConns caps concurrent connections on the control socket.
const MaxControlConns = 64

// GinServer serves the control API over a unix socket.
type GinServer struct {
	socketPath string
	routes     RouteLister
	resolver   NameResolver
	health     *health.Tracker
	metrics    http.Handler
	version    string
	log        *logrus.Entry

	router   *gin.Engine
	srv      *http.Server
	listener net.Listener
}

// GinServerOption is a function that configures a GinServer.
type GinServerOption func(*GinServer)

func WithVersion(version string) GinServerOption {
	return func(s *GinServer) { s.version = version }
}

func WithLogger(log *logrus.Entry) GinServerOption {
	return func(s *GinServer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithHealthTracker(t *health.Tracker) GinServerOption {
	return func(s *GinServer) { s.health = t }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) GinServerOption {
	return func(s *GinServer) { s.metrics = h }
}

// NewGinServer builds the engine. Nothing listens until Start.
func NewGinServer(socketPath string, routes RouteLister, res NameResolver, opts ...GinServerOption) *GinServer {
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	s := &GinServer{
		socketPath: socketPath,
		routes:     routes,
		resolver:   res,
		version:    "dev",
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "control")
	s.setupGinRoutes()
	return s
}

func (s *GinServer) Name() string { return "control" }

// Handler returns the gin engine, mostly for tests.
func (s *GinServer) Handler() http.Handler { return s.router }

// Start removes a stale socket file and listens on the control socket.
func (s *GinServer) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove old socket: %w", err)
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.listener = netutil.LimitListener(l, MaxControlConns)
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.log.WithField("socket", s.socketPath).Info("Control API listening")
	return nil
}

// Serve blocks until Stop. It must follow a successful Start.
func (s *GinServer) Serve() error {
	if s.srv == nil {
		return errors.New("control server not started")
	}
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *GinServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.log.WithError(rmErr).Warn("Failed to remove control socket")
	}
	return err
}

func (s *GinServer) setupGinRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLoggingMiddleware())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(s.versionHeaderMiddleware())

	r.GET("/list", s.handleList)
	r.GET("/resolve/:name", s.handleResolve)
	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "not found"})
	})
	s.router = r
}

func (s *GinServer) handleList(c *gin.Context) {
	routes := s.routes.Routes()
	if routes == nil {
		routes = []api.Route{}
	}
	c.JSON(http.StatusOK, routes)
}

func (s *GinServer) handleResolve(c *gin.Context) {
	name := c.Param("name")
	ip, err := s.resolver.Resolve(name)
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
	case err != nil:
		s.log.WithError(err).WithField("name", name).Error("Resolve failed")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, api.Endpoint{IP: ip.String()})
	}
}

func (s *GinServer) handleHealth(c *gin.Context) {
	report := api.HealthReport{Overall: health.LevelOK.String(), Routes: []api.RouteHealth{}}
	if s.health != nil {
		report.Overall = s.health.Overall().String()
		report.Routes = flattenHealth(s.health.Snapshot())
	}
	c.JSON(http.StatusOK, report)
}

func flattenHealth(snapshot map[string]health.Status) []api.RouteHealth {
	out := make([]api.RouteHealth, 0, len(snapshot))
	for name, st := range snapshot {
		out = append(out, api.RouteHealth{
			Name:      name,
			Level:     st.Level.String(),
			State:     string(st.State),
			Message:   st.Message,
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
