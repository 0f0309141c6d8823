// Package config provides configuration management for navkit using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration covers the navigation engine itself (container and link
// selectors, cache TTL, prefetch debounce, transition, stylesheet timeout,
// cleanup strategy, fallback timings), the fragment fetcher (HTTP timeout,
// prefetch throttling, circuit breaker), logging, and the optional inspector
// and metrics listeners. Environment overrides use the NAVKIT_ prefix.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CleanupStrategy selects how page-scoped resources are reclaimed after a
// navigation.
type CleanupStrategy string

const (
	// CleanupKeepShared removes only explicitly page-scoped resources.
	CleanupKeepShared CleanupStrategy = "keep-shared"
	// CleanupRemoveAll removes every engine-injected resource the new page
	// does not reference.
	CleanupRemoveAll CleanupStrategy = "remove-all"
	// CleanupStrict removes engine-marked resources the new page does not
	// reference, except those declared data-spa-shared. Unmarked
	// server-rendered stylesheets are never removed.
	CleanupStrict CleanupStrategy = "strict"
)

// Valid reports whether s is a known strategy.
func (s CleanupStrategy) Valid() bool {
	switch s {
	case CleanupKeepShared, CleanupRemoveAll, CleanupStrict:
		return true
	}
	return false
}

// Transition names the cosmetic class applied when content becomes visible.
type Transition string

const (
	TransitionFade  Transition = "fade"
	TransitionSlide Transition = "slide"
	TransitionZoom  Transition = "zoom"
	TransitionNone  Transition = "none"
)

// Valid reports whether t is a known transition.
func (t Transition) Valid() bool {
	switch t {
	case TransitionFade, TransitionSlide, TransitionZoom, TransitionNone:
		return true
	}
	return false
}

// Class returns the CSS class toggled for the transition, or "" for none.
func (t Transition) Class() string {
	if t == TransitionNone || !t.Valid() {
		return ""
	}
	return "spa-transition-" + string(t) + "-in"
}

// TransitionClasses lists every class a transition may leave behind.
func TransitionClasses() []string {
	return []string{
		TransitionFade.Class(),
		TransitionSlide.Class(),
		TransitionZoom.Class(),
	}
}

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Inspector InspectorConfig `mapstructure:"inspector" yaml:"inspector"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type EngineConfig struct {
	Enabled            bool            `mapstructure:"enabled" yaml:"enabled"`
	ContainerSelector  string          `mapstructure:"container_selector" yaml:"container_selector" validate:"required"`
	LinkSelector       string          `mapstructure:"link_selector" yaml:"link_selector" validate:"required"`
	PrefetchOnHover    bool            `mapstructure:"prefetch_on_hover" yaml:"prefetch_on_hover"`
	PrefetchDebounce   time.Duration   `mapstructure:"prefetch_debounce" yaml:"prefetch_debounce" validate:"gte=0"`
	CacheTTL           time.Duration   `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gt=0"`
	CacheMaxEntries    int             `mapstructure:"cache_max_entries" yaml:"cache_max_entries" validate:"gte=1"`
	Transition         Transition      `mapstructure:"transition" yaml:"transition"`
	StyleLoadTimeout   time.Duration   `mapstructure:"style_load_timeout" yaml:"style_load_timeout" validate:"gt=0"`
	CleanupStrategy    CleanupStrategy `mapstructure:"cleanup_strategy" yaml:"cleanup_strategy"`
	CleanPageStyles    bool            `mapstructure:"clean_page_styles" yaml:"clean_page_styles"`
	PersistentStyles   []string        `mapstructure:"persistent_styles" yaml:"persistent_styles"`
	ExecHeadScripts    bool            `mapstructure:"exec_head_scripts" yaml:"exec_head_scripts"`
	TitleUpdateDelay   time.Duration   `mapstructure:"title_update_delay" yaml:"title_update_delay" validate:"gte=0"`
	FallbackDelay      time.Duration   `mapstructure:"fallback_delay" yaml:"fallback_delay" validate:"gte=0"`
	OverlayAutoHide    time.Duration   `mapstructure:"overlay_auto_hide" yaml:"overlay_auto_hide" validate:"gt=0"`
	DefaultTitle       string          `mapstructure:"default_title" yaml:"default_title"`
	MetaNames          []string        `mapstructure:"meta_names" yaml:"meta_names"`
	CSRFInputName      string          `mapstructure:"csrf_input_name" yaml:"csrf_input_name"`
	ScrollToTop        bool            `mapstructure:"scroll_to_top" yaml:"scroll_to_top"`
}

type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	PrefetchRate  float64       `mapstructure:"prefetch_rate" yaml:"prefetch_rate" validate:"gt=0"`
	PrefetchBurst int           `mapstructure:"prefetch_burst" yaml:"prefetch_burst" validate:"gte=1"`
	Breaker       BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures" validate:"gte=1"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

type InspectorConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Enabled:           true,
			ContainerSelector: "#app",
			LinkSelector:      "a[data-spa]",
			PrefetchOnHover:   true,
			PrefetchDebounce:  120 * time.Millisecond,
			CacheTTL:          5 * time.Minute,
			CacheMaxEntries:   256,
			Transition:        TransitionFade,
			StyleLoadTimeout:  5 * time.Second,
			CleanupStrategy:   CleanupKeepShared,
			CleanPageStyles:   true,
			TitleUpdateDelay:  60 * time.Millisecond,
			FallbackDelay:     1500 * time.Millisecond,
			OverlayAutoHide:   3500 * time.Millisecond,
			DefaultTitle:      "navkit",
			MetaNames:         []string{"csrf-token", "csrf-token-name", "csrf-param"},
			CSRFInputName:     "csrf_token",
			ScrollToTop:       true,
		},
		Fetch: FetchConfig{
			Timeout:       15 * time.Second,
			UserAgent:     "navkit",
			PrefetchRate:  10,
			PrefetchBurst: 5,
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default on v so that environment variables
// bound through AutomaticEnv are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.enabled", d.Engine.Enabled)
	v.SetDefault("engine.container_selector", d.Engine.ContainerSelector)
	v.SetDefault("engine.link_selector", d.Engine.LinkSelector)
	v.SetDefault("engine.prefetch_on_hover", d.Engine.PrefetchOnHover)
	v.SetDefault("engine.prefetch_debounce", d.Engine.PrefetchDebounce)
	v.SetDefault("engine.cache_ttl", d.Engine.CacheTTL)
	v.SetDefault("engine.cache_max_entries", d.Engine.CacheMaxEntries)
	v.SetDefault("engine.transition", string(d.Engine.Transition))
	v.SetDefault("engine.style_load_timeout", d.Engine.StyleLoadTimeout)
	v.SetDefault("engine.cleanup_strategy", string(d.Engine.CleanupStrategy))
	v.SetDefault("engine.clean_page_styles", d.Engine.CleanPageStyles)
	v.SetDefault("engine.persistent_styles", d.Engine.PersistentStyles)
	v.SetDefault("engine.exec_head_scripts", d.Engine.ExecHeadScripts)
	v.SetDefault("engine.title_update_delay", d.Engine.TitleUpdateDelay)
	v.SetDefault("engine.fallback_delay", d.Engine.FallbackDelay)
	v.SetDefault("engine.overlay_auto_hide", d.Engine.OverlayAutoHide)
	v.SetDefault("engine.default_title", d.Engine.DefaultTitle)
	v.SetDefault("engine.meta_names", d.Engine.MetaNames)
	v.SetDefault("engine.csrf_input_name", d.Engine.CSRFInputName)
	v.SetDefault("engine.scroll_to_top", d.Engine.ScrollToTop)

	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.prefetch_rate", d.Fetch.PrefetchRate)
	v.SetDefault("fetch.prefetch_burst", d.Fetch.PrefetchBurst)
	v.SetDefault("fetch.breaker.enabled", d.Fetch.Breaker.Enabled)
	v.SetDefault("fetch.breaker.consecutive_failures", d.Fetch.Breaker.ConsecutiveFailures)
	v.SetDefault("fetch.breaker.open_timeout", d.Fetch.Breaker.OpenTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("inspector.addr", "")
	v.SetDefault("metrics.addr", "")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults and validates it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// viper leaves nil slices when a default list is overridden with an empty value
	if config.Engine.MetaNames == nil {
		config.Engine.MetaNames = Default().Engine.MetaNames
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
