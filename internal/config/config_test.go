package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/logging"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *viper.Viper)
		expectError bool
		check       func(t *testing.T, c *Config)
	}{
		{
			name:  "defaults",
			setup: func(v *viper.Viper) {},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "#app", c.Engine.ContainerSelector)
				assert.Equal(t, "a[data-spa]", c.Engine.LinkSelector)
				assert.Equal(t, 120*time.Millisecond, c.Engine.PrefetchDebounce)
				assert.Equal(t, 5*time.Minute, c.Engine.CacheTTL)
				assert.Equal(t, 5*time.Second, c.Engine.StyleLoadTimeout)
				assert.Equal(t, CleanupKeepShared, c.Engine.CleanupStrategy)
				assert.Equal(t, TransitionFade, c.Engine.Transition)
				assert.Equal(t, []string{"csrf-token", "csrf-token-name", "csrf-param"}, c.Engine.MetaNames)
			},
		},
		{
			name: "duration strings and overrides",
			setup: func(v *viper.Viper) {
				v.Set("engine.cache_ttl", "30s")
				v.Set("engine.cleanup_strategy", "remove-all")
				v.Set("engine.transition", "zoom")
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 30*time.Second, c.Engine.CacheTTL)
				assert.Equal(t, CleanupRemoveAll, c.Engine.CleanupStrategy)
				assert.Equal(t, "spa-transition-zoom-in", c.Engine.Transition.Class())
			},
		},
		{
			name: "unknown cleanup strategy",
			setup: func(v *viper.Viper) {
				v.Set("engine.cleanup_strategy", "guess")
			},
			expectError: true,
		},
		{
			name: "zero ttl",
			setup: func(v *viper.Viper) {
				v.Set("engine.cache_ttl", "0s")
			},
			expectError: true,
		},
		{
			name: "broken selector",
			setup: func(v *viper.Viper) {
				v.Set("engine.link_selector", "a[data-spa")
			},
			expectError: true,
		},
		{
			name: "bad log format",
			setup: func(v *viper.Viper) {
				v.Set("logging.format", "xml")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			cfg, err := LoadFrom(v)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, naverrors.ErrConfig)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadGlobal(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("engine.default_title", "Shop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Shop", cfg.Engine.DefaultTitle)
}

func TestTransitionClass(t *testing.T) {
	assert.Equal(t, "spa-transition-fade-in", TransitionFade.Class())
	assert.Equal(t, "", TransitionNone.Class())
	assert.Equal(t, "", Transition("spin").Class())
	assert.Len(t, TransitionClasses(), 3)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".navkit.yml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  transition: fade\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []Transition

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, logging.NewNopLogger(), func(c *Config) {
			mu.Lock()
			seen = append(seen, c.Engine.Transition)
			mu.Unlock()
		})
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  transition: slide\n"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == TransitionSlide
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
