package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

// clearEnv resets every key Load reads to empty, via t.Setenv so testing
// restores the prior value automatically once the subtest ends.
func clearEnv(t *testing.T) {
	keys := []string{
		"CHAIN", "RPC_URL", "RPC_USER", "RPC_PASS", "EVENT_STREAM_ENDPOINT",
		"CONFIRMATION_THRESHOLD", "POLL_INTERVAL_MS", "ADDRESS_CACHE_REFRESH_MS",
		"RPC_MAX_RETRIES", "RPC_RETRY_INITIAL_MS", "RPC_TIMEOUT_MS",
		"SUBSCRIBER_MAX_RECONNECT_ATTEMPTS", "CATCH_UP_MAX_BLOCKS_PER_TICK",
		"VIEWING_KEY_RESCAN_LOOKBACK", "EVENT_LOG_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_RejectsUnknownChain(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "http://localhost:8332")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BTCFamilyRequiresEventStreamEndpoint(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAIN", string(corewatch.ChainBTC))
	t.Setenv("RPC_URL", "http://localhost:8332")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("EVENT_STREAM_ENDPOINT", "tcp://localhost:28332")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.PollIntervalMs, "btc-family reconciliation default is 10s")
}

func TestLoad_ZECFamilyDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAIN", string(corewatch.ChainZEC))
	t.Setenv("RPC_URL", "http://localhost:8232")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15000, cfg.PollIntervalMs, "zec-family poll default is 15s")
	assert.Equal(t, 6, cfg.ConfirmationThreshold)
	assert.Equal(t, 3, cfg.RPCMaxRetries)
	assert.Equal(t, int64(500), cfg.CatchUpMaxBlocksPerTick)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAIN", string(corewatch.ChainZEC))
	t.Setenv("RPC_URL", "http://localhost:8232")
	t.Setenv("CONFIRMATION_THRESHOLD", "10")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.ConfirmationThreshold)
}
