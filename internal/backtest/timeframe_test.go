package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1D ")
	require.NoError(t, err)
	assert.Equal(t, "1d", tf.Key)
	assert.Equal(t, 24*time.Hour, tf.Duration)

	_, err = ParseTimeframe("2h")
	assert.Error(t, err)
	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestPeriodsPerYear(t *testing.T) {
	day, _ := ParseTimeframe("1d")
	assert.InDelta(t, 365, day.PeriodsPerYear(), 1e-9)

	hour, _ := ParseTimeframe("1h")
	assert.InDelta(t, 365*24, hour.PeriodsPerYear(), 1e-9)

	assert.Zero(t, Timeframe{}.PeriodsPerYear())
}

func TestBarsPerDay(t *testing.T) {
	h4, _ := ParseTimeframe("4h")
	assert.Equal(t, 6, h4.BarsPerDay())

	day, _ := ParseTimeframe("1d")
	assert.Equal(t, 1, day.BarsPerDay())

	// 周线不足一根按一根计
	week, _ := ParseTimeframe("1w")
	assert.Equal(t, 1, week.BarsPerDay())
}

func TestSupportedTimeframesSorted(t *testing.T) {
	keys := SupportedTimeframes()
	assert.Contains(t, keys, "5m")
	assert.Contains(t, keys, "1w")
	assert.Len(t, keys, 8)
}
