package observability

import (
	"strings"

	"github.com/smallbiznis/quotaengine/internal/config"
)

// Config holds observability configuration derived from the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "quotaengine"
	}
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             cfg.LogLevel,
		LogFormat:            cfg.LogFormat,
		OtelEnabled:          cfg.Otel.Enabled,
		OtelExporterEndpoint: cfg.Otel.ExporterEndpoint,
		OtelExporterProtocol: cfg.Otel.ExporterProtocol,
		OtelSamplingRatio:    cfg.Otel.SamplingRatio,
	}
}

// Debug reports whether verbose diagnostics should be attached to logs.
func (c Config) Debug() bool {
	return c.LogLevel == "debug" || strings.EqualFold(c.Environment, "development")
}
