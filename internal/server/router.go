package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/auth"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/diff"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/logging"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/workspace"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "kidivis_subject"
	requestIDHeader   = "X-Request-ID"
	metricsPath       = "/metrics"

	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingDiffService = errors.New("diff service dependency required")
	errNoDefaultObject    = errors.New("diff service reports no default object")
)

// DiffService renders overlays and gathers page data.
type DiffService interface {
	DefaultObject() string
	RenderImage(ctx context.Context, base, target version.Version, object string, opts diff.Options) (diff.Image, error)
	DiffPage(ctx context.Context, base, target version.Version, object string, opts diff.Options) (diff.Page, error)
}

// RenderJournal lists recent renderer invocations.
type RenderJournal interface {
	Recent(ctx context.Context, limit int) ([]journal.RenderRecord, error)
}

// ChangeFeed streams working-copy and history changes.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan workspace.ChangeMessage, func())
}

// SessionValidator checks access tokens. A nil validator disables auth.
type SessionValidator interface {
	CookieName() string
	ExtractToken(r *http.Request) (string, bool)
	ValidateToken(token string) (jwt.RegisteredClaims, error)
}

type Dependencies struct {
	Diff              DiffService
	Journal           RenderJournal
	Changes           ChangeFeed
	Sessions          SessionValidator
	Metrics           *metrics.Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Diff == nil {
		return nil, errMissingDiffService
	}
	if deps.Diff.DefaultObject() == "" {
		return nil, errNoDefaultObject
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		diff:      deps.Diff,
		journal:   deps.Journal,
		changes:   deps.Changes,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router := gin.New()
	// Refs such as feature%2Fboard stay one path segment.
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.RedirectTrailingSlash = false
	router.SetHTMLTemplate(pageTemplate)

	router.Use(gin.Recovery())
	router.Use(handler.assignRequestID)
	router.Use(handler.observeRequest)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	if deps.Metrics != nil {
		router.GET(metricsPath, gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/", handler.handleRoot)
	protected.GET("/:action/:base/:target/:object", handler.handleAction)
	if deps.Journal != nil {
		protected.GET("/api/renders", handler.handleRecentRenders)
	}
	if deps.Changes != nil {
		protected.GET("/events", handler.handleEvents)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return router, nil
}

type httpHandler struct {
	diff      DiffService
	journal   RenderJournal
	changes   ChangeFeed
	sessions  SessionValidator
	metrics   *metrics.Metrics
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

// assignRequestID tags each request with a trace id shared by logs, the
// render journal and the X-Request-ID response header.
func (h *httpHandler) assignRequestID(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(requestIDHeader, requestID)
	c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))

	started := time.Now()
	c.Next()

	h.logger.Info("request handled",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(started)))
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveRequest(route, strconv.Itoa(c.Writer.Status()))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	token, fromQuery := h.sessions.ExtractToken(c.Request)
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		level := h.logger.Warn
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			level = h.logger.Info
		}
		level("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if fromQuery {
		maxAge := 0
		if claims.ExpiresAt != nil {
			maxAge = int(time.Until(claims.ExpiresAt.Time).Seconds())
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.sessions.CookieName(), token, maxAge, "/", "", false, true)
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}
