package handlers

import (
	"net/http"
	"reflect"
	"strings"
	"sync"

	"backup-telemetry/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// TelemetryPaths are the routes served by TelemetryHandler.Handle. The .php
// path is kept for clients released before the move.
var TelemetryPaths = []string{"/api/telemetry", "/api/telemetry.php"}

type RouterOptions struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *logrus.Logger
}

var jsonFieldNames sync.Once

// useJSONFieldNames makes validation errors name fields as clients send them.
func useJSONFieldNames() {
	jsonFieldNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

func NewRouter(h *TelemetryHandler, opts RouterOptions) *gin.Engine {
	useJSONFieldNames()

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(logrus.Fields{
			"panic":      recovered,
			"request_id": c.GetString(middleware.RequestIDKey),
		}).Error("panic while handling request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}))
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(middleware.BodyLimit(opts.MaxBodyBytes))
	router.Use(middleware.ValidationMiddleware())

	for _, path := range TelemetryPaths {
		router.Any(path, h.Handle)
	}
	router.GET("/health", h.Health)

	return router
}
