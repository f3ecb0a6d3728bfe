// Package server is the ingest process's HTTP surface: task submission and
// listing, token and avatar lookups, and the cached search proxy.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/applemusic"
	"github.com/lyjw131/amdl/internal/cache"
	"github.com/lyjw131/amdl/internal/queue"
	"github.com/lyjw131/amdl/internal/token"
	"github.com/lyjw131/amdl/internal/users"
)

// userHeader is set by the reverse proxy in front of this service; the
// service itself performs no end-user authentication.
const userHeader = "X-User"

type Server struct {
	cfg    *config.Config
	router *gin.Engine

	store    *queue.Store
	users    *users.Directory
	tokens   *token.Manager
	resolver *applemusic.Resolver
	cache    *cache.SearchCache

	searchClient *http.Client
}

func New(
	cfg *config.Config,
	store *queue.Store,
	dir *users.Directory,
	tokens *token.Manager,
	resolver *applemusic.Resolver,
	searchCache *cache.SearchCache,
) *Server {
	router := gin.Default()

	s := &Server{
		cfg:          cfg,
		router:       router,
		store:        store,
		users:        dir,
		tokens:       tokens,
		resolver:     resolver,
		cache:        searchCache,
		searchClient: &http.Client{Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-User, X-Storefront, X-Use-Cache")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.router.GET("/health", s.healthCheck)

	s.router.POST("/task", s.submitTasks)
	s.router.GET("/task", s.listTasks)
	s.router.GET("/token", s.getToken)
	s.router.GET("/user/avatar", s.getAvatar)
	s.router.GET("/search", s.proxySearch)
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start(port string) error {
	return s.router.Run(":" + port)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "amdl-ingest",
	})
}
