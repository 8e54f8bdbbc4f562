package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampleBelowNeverDropsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(sampleBelow(core, zapcore.WarnLevel, time.Minute, 1, 1000))

	for i := 0; i < 10; i++ {
		log.Info("allocation.rejected")
		log.Warn("reconciler.grant.deactivate_failed")
	}

	assert.Equal(t, 1, logs.FilterMessage("allocation.rejected").Len())
	assert.Equal(t, 10, logs.FilterMessage("reconciler.grant.deactivate_failed").Len())
}

func TestSampleBelowHonoursConfiguredLevel(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log := zap.New(sampleBelow(core, zapcore.WarnLevel, time.Minute, 1, 1000))

	log.Warn("dropped")
	log.Error("kept")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestBuildConfigRejectsUnknownLevel(t *testing.T) {
	_, err := buildConfig(Config{Level: "loud"})
	require.Error(t, err)

	cfg, err := buildConfig(Config{Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.Equal(t, "console", cfg.Encoding)
	assert.Nil(t, cfg.Sampling)
}

func TestGinMiddlewareLogsRejectionsAtDebug(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return ErrorTypeRejection, "quota_exceeded" },
	}))
	r.POST("/principals/:principal_id/allocate", func(c *gin.Context) {
		c.Set("feature_key", "productLimit")
		_ = c.Error(assert.AnError)
		c.Status(http.StatusForbidden)
	})

	req := httptest.NewRequest(http.MethodPost, "/principals/4242/allocate", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "4242", fields["principal_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "productLimit", fields["feature_key"])
	assert.Equal(t, "rejected", fields["decision"])
	assert.EqualValues(t, http.StatusForbidden, fields["status"])
}

func TestGinMiddlewareGeneratesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
}
