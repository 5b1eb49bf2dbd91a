package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"backup-telemetry/internal/middleware"
	"backup-telemetry/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	actionRegister    = "register"
	actionUpdateStats = "update_stats"
	actionDownload    = "download"

	typePublic = "public"
	typeAdmin  = "admin"
)

var (
	errInvalidMethod = notAllowed("Method not allowed")
	errInvalidType   = notAllowed("Invalid type")
	errInvalidAction = notAllowed("Invalid action")
)

// notAllowed is a services.ErrNotAllowed with a client-facing message.
type notAllowed string

func (e notAllowed) Error() string { return string(e) }

func (e notAllowed) Unwrap() error { return services.ErrNotAllowed }

// CacheStatus reports whether the shared cache tier is reachable.
type CacheStatus interface {
	IsAvailable() bool
}

type TelemetryHandler struct {
	stats        *services.StatsService
	registration *services.RegistrationService
	auth         *services.AdminAuth
	cache        CacheStatus
	log          *logrus.Logger
	debug        bool
}

func NewTelemetryHandler(
	stats *services.StatsService,
	registration *services.RegistrationService,
	auth *services.AdminAuth,
	cache CacheStatus,
	log *logrus.Logger,
	debug bool,
) *TelemetryHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TelemetryHandler{
		stats:        stats,
		registration: registration,
		auth:         auth,
		cache:        cache,
		log:          log,
		debug:        debug,
	}
}

// Handle is the single telemetry entry point
// @Summary Telemetry endpoint
// @Description GET ?type=public|admin reads statistics; POST with an action field records telemetry
// @Tags telemetry
// @Accept json
// @Produce json
// @Param type query string false "public (default) or admin"
// @Param password query string false "Admin password for type=admin"
// @Success 200 {object} DataResponse
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 405 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/telemetry [get]
// @Router /api/telemetry [post]
func (h *TelemetryHandler) Handle(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet:
		h.handleGet(c)
	case http.MethodPost:
		h.handlePost(c)
	default:
		h.writeError(c, errInvalidMethod)
	}
}

func (h *TelemetryHandler) handleGet(c *gin.Context) {
	switch c.DefaultQuery("type", typePublic) {
	case typePublic:
		stats, err := h.stats.Public(c.Request.Context())
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, DataResponse{Success: true, Data: stats})

	case typeAdmin:
		if err := h.auth.Authorize(c.Query("password")); err != nil {
			h.writeError(c, err)
			return
		}
		users, err := h.stats.AdminUsers(c.Request.Context())
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, DataResponse{Success: true, Data: users})

	default:
		h.writeError(c, errInvalidType)
	}
}

func (h *TelemetryHandler) handlePost(c *gin.Context) {
	var envelope ActionRequest
	if err := c.ShouldBindBodyWith(&envelope, binding.JSON); err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch envelope.Action {
	case actionRegister:
		var req services.RegisterInput
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			h.writeError(c, err)
			return
		}
		if err := h.registration.Register(ctx, req, rawBody(c), clientIP(c)); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "User registered"})

	case actionUpdateStats:
		var req services.StatsReport
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			h.writeError(c, err)
			return
		}
		if err := h.stats.UpdateStats(ctx, req); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Stats updated"})

	case actionDownload:
		var req services.DownloadInput
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			h.writeError(c, err)
			return
		}
		if err := h.stats.RecordDownload(ctx, req, clientIP(c), c.Request.UserAgent()); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Download recorded"})

	default:
		h.writeError(c, errInvalidAction)
	}
}

// Health reports database and cache connectivity
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *TelemetryHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Services:  map[string]string{"database": "connected", "redis": "local_cache_only"},
	}
	status := http.StatusOK
	if err := h.stats.Ping(ctx); err != nil {
		h.log.WithError(err).Warn("health check: database unreachable")
		resp.Status = "degraded"
		resp.Services["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.cache != nil && h.cache.IsAvailable() {
		resp.Services["redis"] = "connected"
	}
	c.JSON(status, resp)
}

// writeError converts any error into the JSON error envelope. Store failures
// only carry their cause when running in debug mode.
func (h *TelemetryHandler) writeError(c *gin.Context, err error) {
	var (
		validationErr *services.ValidationError
		fieldErrs     validator.ValidationErrors
		storeErr      *services.StoreError
		syntaxErr     *json.SyntaxError
		typeErr       *json.UnmarshalTypeError
		tooLarge      *http.MaxBytesError
	)

	status := http.StatusBadRequest
	resp := ErrorResponse{Success: false}

	switch {
	case errors.As(err, &validationErr):
		resp.Error = validationErr.Message
	case errors.As(err, &fieldErrs):
		resp.Error = validationMessage(fieldErrs)
	case errors.As(err, &tooLarge):
		resp.Error = "Request body too large"
	case errors.As(err, &typeErr):
		resp.Error = fmt.Sprintf("Invalid value for %s", typeErr.Field)
	case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		resp.Error = "Invalid JSON"
	case errors.Is(err, services.ErrUnauthorized):
		status = http.StatusUnauthorized
		resp.Error = "Invalid password"
	case errors.Is(err, services.ErrNotAllowed):
		status = http.StatusMethodNotAllowed
		resp.Error = "Method not allowed"
		var na notAllowed
		if errors.As(err, &na) {
			resp.Error = string(na)
		}
	default:
		status = http.StatusInternalServerError
		resp.Error = "Internal server error"
		if h.debug {
			resp.Detail = err.Error()
		}
		entry := h.log.WithError(err).WithField("request_id", c.GetString(middleware.RequestIDKey))
		if errors.As(err, &storeErr) {
			entry = entry.WithField("op", storeErr.Op)
		}
		entry.Error("telemetry request failed")
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func validationMessage(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "Invalid request"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "gte":
		return fe.Field() + " must not be negative"
	default:
		return fe.Field() + " is invalid"
	}
}

func rawBody(c *gin.Context) []byte {
	if v, ok := c.Get(gin.BodyBytesKey); ok {
		if body, ok := v.([]byte); ok {
			return body
		}
	}
	return nil
}

// clientIP resolves the caller address from Client-IP, then the first
// X-Forwarded-For hop, then the socket peer.
func clientIP(c *gin.Context) string {
	if ip := strings.TrimSpace(c.GetHeader("Client-IP")); ip != "" {
		return normalizeIP(ip)
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return normalizeIP(first)
		}
	}
	return normalizeIP(c.RemoteIP())
}

func normalizeIP(ip string) string {
	if ip == "::1" {
		return "127.0.0.1"
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
		return parsed.String()
	}
	return ip
}
