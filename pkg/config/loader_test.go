package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdrill/billing/pkg/config"
)

type parseConfig struct {
	Name    string        `env:"CFG_TEST_NAME" envDefault:"billing"`
	Timeout time.Duration `env:"CFG_TEST_TIMEOUT" envDefault:"5s"`
}

type requiredConfig struct {
	Secret string `env:"CFG_TEST_REQUIRED_SECRET,required"`
}

type cachedConfig struct {
	Value string `env:"CFG_TEST_CACHED" envDefault:"first"`
}

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg parseConfig
		require.NoError(t, config.Parse(&cfg))
		assert.Equal(t, "billing", cfg.Name)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("CFG_TEST_NAME", "other")
		t.Setenv("CFG_TEST_TIMEOUT", "1m")
		var cfg parseConfig
		require.NoError(t, config.Parse(&cfg))
		assert.Equal(t, "other", cfg.Name)
		assert.Equal(t, time.Minute, cfg.Timeout)
	})

	t.Run("missing required", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Parse(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		assert.ErrorIs(t, config.Parse[parseConfig](nil), config.ErrNilPointer)
	})
}

func TestLoadCachesPerType(t *testing.T) {
	t.Setenv("CFG_TEST_CACHED", "first")
	var a cachedConfig
	require.NoError(t, config.Load(&a))

	t.Setenv("CFG_TEST_CACHED", "second")
	var b cachedConfig
	require.NoError(t, config.Load(&b))

	assert.Equal(t, "first", b.Value)
	assert.NotPanics(t, func() { config.MustLoad(&b) })
}
