package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Queue.MaxBatchSize)
	assert.Equal(t, 10000, cfg.Queue.MaxOutstanding)
	assert.Equal(t, 24*time.Hour, cfg.Queue.EntryTTL)
	assert.Equal(t, 30*time.Second, cfg.Randomness.RevealDelay)
	assert.Equal(t, "fairvest.events", cfg.NATS.Subject)
	assert.Empty(t, cfg.Database.URL)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
queue:
  max_batch_size: 7
  entry_ttl: 90m
risk:
  factors:
    speculative: 9
venue:
  illiquid_assets: ["0x0000000000000000000000000000000000000042"]
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("FAIRVEST_SERVER_PORT", "9191")
	t.Setenv("FAIRVEST_RANDOMNESS_REVEAL_DELAY", "2m")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.MaxBatchSize)
	assert.Equal(t, 90*time.Minute, cfg.Queue.EntryTTL)
	assert.Equal(t, 9, cfg.Risk.Factors["speculative"])
	assert.Equal(t, []string{"0x0000000000000000000000000000000000000042"}, cfg.Venue.IlliquidAssets)
	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Randomness.RevealDelay)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("FAIRVEST_QUEUE_MAX_BATCH_SIZE", "0")
	t.Setenv("FAIRVEST_ENGINE_BASE_ASSET", "usdc")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_batch_size")
	assert.Contains(t, err.Error(), "base_asset")
}

func TestLoad_PriceMaxAgeTooShort(t *testing.T) {
	for _, v := range []string{"1ns", "500ms", "0s"} {
		t.Setenv("FAIRVEST_PRICEFEED_MAX_AGE", v)
		_, err := Load(t.TempDir())
		require.Error(t, err, v)
		assert.Contains(t, err.Error(), "pricefeed.max_age", v)
	}

	t.Setenv("FAIRVEST_PRICEFEED_MAX_AGE", "1s")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, MinPriceMaxAge, cfg.PriceFeed.MaxAge)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("FAIRVEST_LOG_LEVEL", "loud")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("queue: [unterminated"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}
