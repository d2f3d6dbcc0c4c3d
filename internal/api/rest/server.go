package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/api/websocket"
	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/interfaces"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const DefaultEndpoint = "/api/data"

// Options wires the server to the simulated device. Protocol views that are
// nil answer 404.
type Options struct {
	Addr      string
	Endpoint  string
	Payload   *Payload
	Space     *addrspace.Space
	BACnet    *bacnet.Table
	S7        *s7.DB
	Variables *opcua.CounterSet
	Hub       *websocket.Hub
	Lifecycle interfaces.LifecycleManager
}

type Server struct {
	router *gin.Engine
	opts   Options
	logger *zap.Logger
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

func NewServer(opts Options, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Payload == nil {
		opts.Payload = NewPayload("", nil)
	}

	s := &Server{
		router: gin.New(),
		opts:   opts,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Bind errors
// are returned, later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Starting REST API server",
		zap.String("address", ln.Addr().String()),
		zap.String("endpoint", s.opts.Endpoint))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/", s.root)
	s.router.GET("/health", s.healthCheck)
	s.router.GET(s.opts.Endpoint, s.payload)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		tags := v1.Group("/tags")
		{
			tags.GET("", s.listTags)
			tags.GET("/:name", s.getTag)
			tags.PUT("/:name", s.writeTag)
		}

		bac := v1.Group("/bacnet")
		{
			bac.GET("/objects", s.listBACnetObjects)
			bac.GET("/objects/:type/:instance", s.getBACnetObject)
			bac.PUT("/objects/:type/:instance", s.writeBACnetObject)
		}

		v1.GET("/s7/db", s.readS7)
		v1.PUT("/s7/db", s.writeS7)
		v1.GET("/s7/db/:address", s.readS7Address)
		v1.PUT("/s7/db/:address", s.writeS7Address)

		v1.GET("/opcua/variables", s.listVariables)

		v1.GET("/system/status", s.getSystemStatus)

		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	if s.opts.Hub == nil {
		notEnabled(c, "WS_404", "websocket")
		return
	}
	websocket.ServeWs(s.opts.Hub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	clients := 0
	if s.opts.Hub != nil {
		clients = s.opts.Hub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": clients,
	})
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":  "HTTP Simulator is running. Try the configured endpoint.",
		"endpoint": s.opts.Endpoint,
	})
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"health":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) payload(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Payload.Document())
}
