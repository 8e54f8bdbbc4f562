package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/quotaengine/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	requestIDHeader = "X-Request-Id"

	principalKey  = "principal_id"
	featureKeyKey = "feature_key"
)

// ErrorTypeRejection is the classifier result for quota and eligibility
// refusals. Those answer 402/403 and are logged at debug with
// decision=rejected.
const ErrorTypeRejection = "rejection"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (errorType string, errorCode string)
}

// GinMiddleware logs one line per request. Routes with a principal_id path
// parameter scope the request context to that principal before handlers run.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))
		if principalID := c.Param(principalKey); principalID != "" {
			BindPrincipal(c, principalID)
		}

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if featureKey := c.GetString(featureKeyKey); featureKey != "" {
			fields = append(fields, zap.String("feature_key", featureKey))
		}

		var errorType string
		if lastErr := c.Errors.Last(); lastErr != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if errorType == ErrorTypeRejection {
				fields = append(fields, zap.String("decision", "rejected"))
			}
			if cfg.Debug {
				fields = append(fields, zap.Error(lastErr.Err))
			}
		}

		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// BindPrincipal tags the request with the principal it acts on, both for
// the request log line and for loggers derived from the request context.
func BindPrincipal(c *gin.Context, principalID string) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return
	}
	c.Set(principalKey, principalID)
	c.Request = c.Request.WithContext(obscontext.WithPrincipalID(c.Request.Context(), principalID))
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case errorType == ErrorTypeRejection:
		return zapcore.DebugLevel
	case route == "/metrics" || route == "/health":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
