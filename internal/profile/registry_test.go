package profile

import (
	"os"
	"path/filepath"
	"testing"

	"btlab/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistryLoadsProfiles(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  conservative:
    description: 低风险参数
    timeframe: 1d
    engine:
      kelly_enabled: true
      kelly_fraction: 0.1
      fee_rate: 0.0004
  aggressive:
    id: aggressive
    engine:
      kelly_fraction: 0.5
`)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.Len(t, snap.Profiles, 2)
	assert.EqualValues(t, 1, snap.Version)

	p, ok := reg.Profile("conservative")
	require.True(t, ok)
	assert.Equal(t, "conservative", p.ID) // ID 缺省取 map key
	assert.Equal(t, "1d", p.Timeframe)

	_, ok = reg.Profile("missing")
	assert.False(t, ok)
}

func TestNewRegistryRejectsUnknownEngineKey(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  bad:
    engine:
      leverage: 10
`)
	_, err := NewRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine 覆盖非法")
}

func TestNewRegistryRejectsOutOfRangeOverlay(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  bad:
    engine:
      fee_rate: 1.5
`)
	_, err := NewRegistry(path)
	assert.Error(t, err)
}

func TestNewRegistryRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  ok:
    engine:
      fee_rate: 0.001
extra: true
`)
	_, err := NewRegistry(path)
	assert.Error(t, err)
}

func TestProfileApplyOverlaysBase(t *testing.T) {
	base := config.Default().Engine
	p := Profile{
		ID: "tweak",
		Engine: map[string]interface{}{
			"fee_rate":      0.002,
			"kelly_enabled": true,
			"regime_window": 30,
		},
	}

	out, err := p.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, 0.002, out.FeeRate)
	assert.True(t, out.KellyEnabled)
	assert.Equal(t, 30, out.RegimeWindow)
	assert.Equal(t, base.InitialCapital, out.InitialCapital) // 未覆盖项保持基础值
}

func TestProfileApplyValidatesResult(t *testing.T) {
	base := config.Default().Engine
	p := Profile{
		ID:     "broken",
		Engine: map[string]interface{}{"initial_capital": -1},
	}
	_, err := p.Apply(base)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestProfileApplyEmptyOverlayKeepsBase(t *testing.T) {
	base := config.Default().Engine
	out, err := Profile{ID: "noop"}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, base, out)
}
