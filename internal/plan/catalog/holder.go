package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed default_plans.yml
var defaultPlans []byte

type planFile struct {
	ID       string   `mapstructure:"id"`
	Version  int      `mapstructure:"version"`
	Name     string   `mapstructure:"name"`
	Features []string `mapstructure:"features"`
}

type catalogFile struct {
	Plans []planFile `mapstructure:"plans"`
}

// Holder serves the current catalog version and swaps it atomically when
// the backing file changes. A reload that fails validation is ignored.
type Holder struct {
	current atomic.Pointer[Static]
	v       *viper.Viper
	log     *zap.Logger
}

// NewHolder loads plans from path, or from plans.yml on the search path when
// path is empty. Without any file the embedded starter catalog is served.
func NewHolder(path string, log *zap.Logger) (*Holder, error) {
	return newHolder(path, log, true)
}

func newHolder(path string, log *zap.Logger, watchFile bool) (*Holder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("plans")
		v.AddConfigPath("/etc/quotaengine")
		v.AddConfigPath(".")
	}

	h := &Holder{v: v, log: log.Named("plan.catalog")}

	watch := watchFile
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read plan catalog: %w", err)
		}
		if err := v.ReadConfig(bytes.NewReader(defaultPlans)); err != nil {
			return nil, fmt.Errorf("read embedded plan catalog: %w", err)
		}
		watch = false
		h.log.Info("plan.catalog.defaults")
	}

	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}
	h.current.Store(loaded)
	h.log.Info("plan.catalog.loaded", zap.Int("plans", len(loaded.plans)))

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			h.reload(e.Name)
		})
		v.WatchConfig()
	}
	return h, nil
}

func (h *Holder) reload(source string) {
	if err := h.v.ReadInConfig(); err != nil {
		h.log.Warn("plan.catalog.reload_failed", zap.String("source", source), zap.Error(err))
		return
	}
	updated, err := decode(h.v)
	if err != nil {
		h.log.Warn("plan.catalog.invalid_ignored", zap.String("source", source), zap.Error(err))
		return
	}
	h.current.Store(updated)
	h.log.Info("plan.catalog.reloaded", zap.String("source", source), zap.Int("plans", len(updated.plans)))
}

func (h *Holder) Get() *Static {
	return h.current.Load()
}

func (h *Holder) Plan(id string) (plandomain.Plan, bool) {
	return h.Get().Plan(id)
}

func (h *Holder) Plans() []plandomain.Plan {
	return h.Get().Plans()
}

func (h *Holder) IsNumericKey(key string) bool {
	return h.Get().IsNumericKey(key)
}

// FromYAML builds a static catalog from a YAML document.
func FromYAML(r io.Reader) (*Static, error) {
	v := viper.New()
	v.SetConfigType("yml")
	if err := v.ReadConfig(r); err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Static, error) {
	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, errors.New("plan catalog has no plans")
	}

	plans := make([]plandomain.Plan, 0, len(file.Plans))
	for _, pf := range file.Plans {
		features, err := plandomain.ParseFeatures(pf.Features)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", pf.ID, err)
		}
		p, err := plandomain.NewPlan(pf.ID, pf.Version, pf.Name, features...)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", pf.ID, err)
		}
		plans = append(plans, p)
	}
	return NewStatic(plans...)
}

var _ plandomain.Catalog = (*Holder)(nil)
