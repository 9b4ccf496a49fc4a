package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iplimit/internal/config"
	"iplimit/internal/services/geo"
	"iplimit/internal/services/publisher"
	"iplimit/internal/services/storage"
	"iplimit/internal/stream"
	"iplimit/internal/tracker"
)

// Server — внутренний статусный API: здоровье, живые воркеры и содержимое
// текущего окна наблюдения. Только чтение, панелью не управляет.
type Server struct {
	version    string
	startedAt  time.Time
	cfg        *config.Config
	tracker    *tracker.Tracker
	store      storage.DisabledStore
	geo        *geo.Locator
	supervisor *stream.Supervisor
	// events опционален: без издателя здоровье меряется только по хранилищу.
	events publisher.EventPublisher
}

// NewServer создает статусный API поверх уже собранных компонентов.
func NewServer(version string, cfg *config.Config, tr *tracker.Tracker, store storage.DisabledStore, locator *geo.Locator, sup *stream.Supervisor, events publisher.EventPublisher) *Server {
	return &Server{
		version:    version,
		startedAt:  time.Now(),
		cfg:        cfg,
		tracker:    tr,
		store:      store,
		geo:        locator,
		supervisor: sup,
		events:     events,
	}
}

// Handler собирает маршруты. Группа /api защищена ключом из конфигурации;
// пустой INTERNAL_API_TOKEN оставляет её открытой.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)

	apiGroup := router.Group("/api")
	apiGroup.Use(s.authMiddleware())
	apiGroup.GET("/status", s.status)
	apiGroup.GET("/active", s.active)
	apiGroup.GET("/disabled", s.disabled)

	return router
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.InternalAPIToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != s.cfg.InternalAPIToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	if s.events != nil {
		if err := s.events.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.version,
		"uptime":         time.Since(s.startedAt).String(),
		"panel_domain":   s.cfg.PanelDomain,
		"general_limit":  s.cfg.GeneralLimit,
		"check_interval": s.cfg.CheckInterval().String(),
		"geo_filter":     s.cfg.IPLocation,
		"geo_cache_size": s.geo.CacheSize(),
		"workers":        s.supervisor.WorkerNames(),
		"window_size":    s.tracker.Len(),
	})
}

func (s *Server) active(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.tracker.Snapshot()})
}

func (s *Server) disabled(c *gin.Context) {
	accounts, err := s.store.Members(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}
