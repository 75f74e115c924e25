package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/obs"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/uploads"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	accountContextKey      = "waroeng_account"
	rootBanner             = "Waroeng API is running"
	messageServerError     = "Server error"
	messageTokenMissing    = "Token missing"
	messageInvalidToken    = "Invalid or expired token"
	messageUserNotFound    = "User not found"
	messageNotAuthed       = "Not authenticated"
	messageAdminRequired   = "Admin access required"
	messageTooManyRequests = "Too many requests, please try again later"
)

var (
	errMissingAccountService = errors.New("account service dependency required")
	errMissingCatalogService = errors.New("catalog service dependency required")
	errMissingUploadStorage  = errors.New("upload storage dependency required")
	errMissingFrontendURL    = errors.New("frontend url required")
)

// AccountService is the account resolution surface the HTTP layer depends on.
type AccountService interface {
	RegisterLocal(ctx context.Context, name, email, password string) (accounts.Session, error)
	LoginLocal(ctx context.Context, email, password string) (accounts.Session, error)
	ResolveFederated(ctx context.Context, profile auth.Profile) (accounts.Session, error)
	VerifySession(ctx context.Context, token string) (accounts.Summary, error)
}

// GoogleProvider runs the server-side authorization code flow.
type GoogleProvider interface {
	BeginAuthorization(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (auth.Profile, error)
}

// GoogleVerifier validates ID tokens obtained by the frontend.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// OAuthStateCodec binds the OAuth state parameter and PKCE verifier to the browser.
type OAuthStateCodec interface {
	Issue() (state string, verifier string, cookie string, err error)
	Verify(cookie, state string) (string, error)
	TTL() time.Duration
}

// Dependencies wires the HTTP handler. GoogleProvider, GoogleVerifier and OAuthState are
// optional; the matching routes answer 503 when they are absent.
type Dependencies struct {
	Accounts       AccountService
	Catalog        *catalog.Service
	Uploads        *uploads.Storage
	GoogleProvider GoogleProvider
	GoogleVerifier GoogleVerifier
	OAuthState     OAuthStateCodec
	Realtime       *RealtimeDispatcher
	Metrics        *obs.Metrics
	FrontendURL    string
	AuthPerMinute  int
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For is honoured. Empty
	// means the peer address is the client address.
	TrustedProxies []string
	Development    bool
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}
	if deps.Uploads == nil {
		return nil, errMissingUploadStorage
	}
	frontendURL := strings.TrimRight(strings.TrimSpace(deps.FrontendURL), "/")
	if frontendURL == "" {
		return nil, errMissingFrontendURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.MaxMultipartMemory = deps.Uploads.MaxBytes()
	router.Use(gin.Recovery())
	router.Use(accessLogMiddleware(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware(frontendURL))

	handler := &httpHandler{
		accounts:       deps.Accounts,
		catalog:        deps.Catalog,
		uploads:        deps.Uploads,
		googleProvider: deps.GoogleProvider,
		googleVerifier: deps.GoogleVerifier,
		oauthState:     deps.OAuthState,
		realtime:       realtime,
		metrics:        deps.Metrics,
		frontendURL:    frontendURL,
		development:    deps.Development,
		logger:         logger,
	}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, rootBanner)
	})
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.Static(uploads.PublicPrefix, deps.Uploads.Directory())
	router.GET("/api/events", handler.handleEventStream)

	authRoutes := router.Group("/api/auth")
	authRoutes.Use(newIPRateLimiter(deps.AuthPerMinute, nil).middleware())
	authRoutes.POST("/register", handler.handleRegister)
	authRoutes.POST("/login", handler.handleLogin)
	authRoutes.GET("/google", handler.handleGoogleRedirect)
	authRoutes.GET("/google/callback", handler.handleGoogleCallback)
	authRoutes.POST("/google/token", handler.handleGoogleToken)
	authRoutes.GET("/me", handler.authorizeRequest, handler.handleMe)

	businessRoutes := router.Group("/api/business")
	businessRoutes.POST("", handler.authorizeRequest, handler.requireAdmin, handler.handleCreateBusiness)
	businessRoutes.PUT("/:id", handler.authorizeRequest, handler.requireAdmin, handler.handleUpdateBusiness)
	businessRoutes.DELETE("/:id", handler.authorizeRequest, handler.requireAdmin, handler.handleDeleteBusiness)
	businessRoutes.GET("/admin", handler.authorizeRequest, handler.requireAdmin, handler.handleOwnedBusinesses)
	businessRoutes.GET("/my-business", handler.authorizeRequest, handler.requireAdmin, handler.handleOwnedBusinesses)
	businessRoutes.GET("", handler.handleListBusinesses)
	businessRoutes.GET("/:id", handler.handleGetBusiness)
	businessRoutes.POST("/:id/reviews", handler.authorizeRequest, handler.handleCreateReview)

	productRoutes := router.Group("/api/products")
	productRoutes.POST("", handler.authorizeRequest, handler.requireAdmin, handler.handleCreateProduct)
	productRoutes.PUT("/:id", handler.authorizeRequest, handler.requireAdmin, handler.handleUpdateProduct)
	productRoutes.DELETE("/:id", handler.authorizeRequest, handler.requireAdmin, handler.handleDeleteProduct)
	productRoutes.GET("", handler.handleListProducts)
	productRoutes.GET("/admin", handler.authorizeRequest, handler.requireAdmin, handler.handleOwnedProducts)
	productRoutes.GET("/business/:businessId", handler.handleProductsByBusiness)

	return router, nil
}

type httpHandler struct {
	accounts       AccountService
	catalog        *catalog.Service
	uploads        *uploads.Storage
	googleProvider GoogleProvider
	googleVerifier GoogleVerifier
	oauthState     OAuthStateCodec
	realtime       *RealtimeDispatcher
	metrics        *obs.Metrics
	frontendURL    string
	development    bool
	logger         *zap.Logger
}

func corsMiddleware(frontendURL string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{frontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageTokenMissing})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageTokenMissing})
		return
	}

	account, err := h.accounts.VerifySession(c.Request.Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, accounts.ErrExpiredToken):
		h.logger.Info("token validation failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodSession, "expired")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageInvalidToken})
		return
	case errors.Is(err, accounts.ErrAccountNotFound):
		h.logger.Warn("token validation failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodSession, "account_not_found")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageUserNotFound})
		return
	case errors.Is(err, accounts.ErrInvalidToken):
		h.logger.Warn("token validation failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodSession, "invalid")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageInvalidToken})
		return
	default:
		h.logger.Error("session lookup failed", zap.Error(err))
		h.abortServerError(c, err)
		return
	}

	c.Set(accountContextKey, account)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageNotAuthed})
		return
	}
	if !account.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": messageAdminRequired})
		return
	}
	c.Next()
}

func currentAccount(c *gin.Context) (accounts.Summary, bool) {
	value, ok := c.Get(accountContextKey)
	if !ok {
		return accounts.Summary{}, false
	}
	account, ok := value.(accounts.Summary)
	return account, ok && account.ID != 0
}

// abortServerError answers 500 and only exposes the cause in development mode.
func (h *httpHandler) abortServerError(c *gin.Context, err error) {
	payload := gin.H{"message": messageServerError}
	if h.development && err != nil {
		payload["error"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, payload)
}
