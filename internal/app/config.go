// Package app wires the blockchain monitoring core's collaborators together
// from process environment variables, the way cmd/chainwatchd's entrypoint
// expects to receive a single assembled Config.
package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/meridianpay/corewatch"
)

// Config is every environment-variable-driven setting the core needs,
// covering spec §6's enumerated configuration keys plus the Zcash-family
// viewing-key rescan window this core adds on top of it.
type Config struct {
	Chain corewatch.Chain

	RPCURL  string
	RPCUser string
	RPCPass string

	EventStreamEndpoint string // btc-family only

	ConfirmationThreshold int
	PollIntervalMs        int
	AddressCacheRefreshMs int

	RPCMaxRetries     int
	RPCRetryInitialMs int
	RPCTimeoutMs      int

	SubscriberMaxReconnectAttempts int
	CatchUpMaxBlocksPerTick        int64

	// ViewingKeyRescanLookback bounds how far before a shielded address's
	// reported birthday height the zcash-family monitor starts its rescan.
	ViewingKeyRescanLookback int64

	EventLogPath string // empty selects the in-memory event repository
}

// Load reads Config from the process environment, applying spec §6's
// documented defaults for anything unset.
func Load() (Config, error) {
	chain := corewatch.Chain(getEnv("CHAIN", ""))
	if chain != corewatch.ChainBTC && chain != corewatch.ChainZEC {
		return Config{}, fmt.Errorf("corewatch/app: CHAIN must be %q or %q, got %q", corewatch.ChainBTC, corewatch.ChainZEC, chain)
	}

	pollDefault := 10000
	if chain == corewatch.ChainZEC {
		pollDefault = 15000
	}

	cfg := Config{
		Chain:                          chain,
		RPCURL:                         getEnv("RPC_URL", ""),
		RPCUser:                        getEnv("RPC_USER", ""),
		RPCPass:                        getEnv("RPC_PASS", ""),
		EventStreamEndpoint:            getEnv("EVENT_STREAM_ENDPOINT", ""),
		ConfirmationThreshold:          getEnvInt("CONFIRMATION_THRESHOLD", 6),
		PollIntervalMs:                 getEnvInt("POLL_INTERVAL_MS", pollDefault),
		AddressCacheRefreshMs:          getEnvInt("ADDRESS_CACHE_REFRESH_MS", 60000),
		RPCMaxRetries:                  getEnvInt("RPC_MAX_RETRIES", 3),
		RPCRetryInitialMs:              getEnvInt("RPC_RETRY_INITIAL_MS", 1000),
		RPCTimeoutMs:                   getEnvInt("RPC_TIMEOUT_MS", 30000),
		SubscriberMaxReconnectAttempts: getEnvInt("SUBSCRIBER_MAX_RECONNECT_ATTEMPTS", 10),
		CatchUpMaxBlocksPerTick:        int64(getEnvInt("CATCH_UP_MAX_BLOCKS_PER_TICK", 500)),
		ViewingKeyRescanLookback:       int64(getEnvInt("VIEWING_KEY_RESCAN_LOOKBACK", 0)),
		EventLogPath:                   getEnv("EVENT_LOG_PATH", ""),
	}

	if cfg.Chain == corewatch.ChainBTC && cfg.EventStreamEndpoint == "" {
		return Config{}, fmt.Errorf("corewatch/app: EVENT_STREAM_ENDPOINT is required for %s", corewatch.ChainBTC)
	}
	if cfg.RPCURL == "" {
		return Config{}, fmt.Errorf("corewatch/app: RPC_URL is required")
	}

	return cfg, nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) AddressCacheRefreshInterval() time.Duration {
	return time.Duration(c.AddressCacheRefreshMs) * time.Millisecond
}

func (c Config) RPCRetryInitial() time.Duration {
	return time.Duration(c.RPCRetryInitialMs) * time.Millisecond
}

func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
