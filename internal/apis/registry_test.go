package apis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/apisync/internal/apis/wahoo"
	"github.com/livinlefevreloca/apisync/internal/config"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"wahoo"}, Names())
}

func TestBuild_Unsupported(t *testing.T) {
	_, err := Build("strava", config.DefaultConfig())
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "strava")
}

func TestBuild_Wahoo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Dir = t.TempDir()
	cfg.Integrations.Wahoo.RefreshToken = "refresh"

	integration, err := Build("wahoo", cfg)
	require.NoError(t, err)
	assert.Equal(t, "wahoo", integration.Name)
	assert.Len(t, integration.Primary, 2)
}

func TestBuild_WahooWithoutTokenIsConfigError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Dir = t.TempDir()

	_, err := Build("wahoo", cfg)
	assert.ErrorIs(t, err, wahoo.ErrMissingRefreshToken)

	_, statErr := os.Stat(filepath.Join(cfg.Output.Dir, "wahoo"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuild_WahooWithMocksNeedsNoToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Dir = t.TempDir()
	cfg.Debug.UseMocks = true

	integration, err := Build("wahoo", cfg)
	require.NoError(t, err)
	assert.Nil(t, integration.Tokens)
}

func TestSupported(t *testing.T) {
	assert.NoError(t, Supported("wahoo"))
	assert.ErrorIs(t, Supported("garmin"), ErrUnsupported)
}
