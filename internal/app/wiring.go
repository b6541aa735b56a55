package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/cache"
	"github.com/meridianpay/corewatch/cursor"
	"github.com/meridianpay/corewatch/eventstream"
	cwmetrics "github.com/meridianpay/corewatch/metrics"
	"github.com/meridianpay/corewatch/monitor/btcmonitor"
	"github.com/meridianpay/corewatch/monitor/matcher"
	"github.com/meridianpay/corewatch/monitor/zecmonitor"
	"github.com/meridianpay/corewatch/repo"
	"github.com/meridianpay/corewatch/rpc"
	"github.com/meridianpay/corewatch/rpc/btc"
	"github.com/meridianpay/corewatch/rpc/zec"
	"github.com/meridianpay/corewatch/wallet"
)

// chainRecorder adapts the domain-level Metrics collaborator to the RPC
// base's narrower Recorder interface, tagging every call with the chain it
// belongs to.
type chainRecorder struct {
	metrics cwmetrics.Metrics
	chain   corewatch.Chain
}

func (r chainRecorder) ObserveRPCCall(method string, duration time.Duration, outcome string) {
	r.metrics.ObserveRPCCall(r.chain, method, duration, outcome)
}

// Runnable is anything Run(ctx) blocks on until the process is asked to
// stop, satisfied by both btcmonitor.Monitor and zecmonitor.Monitor.
type Runnable interface {
	Run(ctx context.Context) error
}

// Services is every collaborator the monitor needs, assembled once at
// startup so cmd/chainwatchd only has to call Build then Run.
type Services struct {
	Payments     repo.PaymentRepository
	Transactions repo.TransactionRepository
	Events       repo.EventRepository
	Metrics      cwmetrics.Metrics
	Cursors      cursor.Store

	BTCMonitor *btcmonitor.Monitor
	ZECMonitor *zecmonitor.Monitor
}

// Build wires every collaborator for cfg.Chain: repositories, the RPC base
// and chain-specific surface, the address cache, and the one monitor this
// process runs. Both monitor kinds share the same matcher.Deps so a single
// guarded sequence of repository writes backs whichever chain is watched.
func Build(cfg Config, log *zap.Logger) (*Services, error) {
	payments := repo.NewMemoryPaymentRepository()
	transactions := repo.NewMemoryTransactionRepository()

	var events repo.EventRepository
	if cfg.EventLogPath != "" {
		fileRepo, err := repo.NewFileEventRepository(cfg.EventLogPath)
		if err != nil {
			return nil, fmt.Errorf("corewatch/app: opening event log: %w", err)
		}
		events = fileRepo
	} else {
		events = repo.NewMemoryEventRepository()
	}

	metricsImpl := cwmetrics.NewPrometheusMetrics()
	cursors := cursor.NewMemoryStore()

	rpcCfg := rpc.Config{
		MaxRetries:   cfg.RPCMaxRetries,
		RetryInitial: cfg.RPCRetryInitial(),
		Timeout:      cfg.RPCTimeout(),
	}
	transport := rpc.NewHTTPTransport(cfg.RPCURL, cfg.RPCUser, cfg.RPCPass, cfg.RPCTimeout())
	baseClient := rpc.New(transport, rpcCfg, log)
	instrumented := rpc.NewInstrumentedClient(baseClient, chainRecorder{metricsImpl, cfg.Chain})

	deps := matcher.Deps{
		Payments:     payments,
		Transactions: transactions,
		Events:       events,
		Metrics:      metricsImpl,
		Log:          log,
	}

	svc := &Services{
		Payments:     payments,
		Transactions: transactions,
		Events:       events,
		Metrics:      metricsImpl,
		Cursors:      cursors,
	}

	switch cfg.Chain {
	case corewatch.ChainBTC:
		btcClient := btc.New(instrumented)
		addrCache := cache.New(btcAddressLoader(payments, log), cfg.AddressCacheRefreshInterval(), log)

		// The subscriber needs a Handler at construction, but the handler
		// is a method on the Monitor the subscriber itself is a dependency
		// of; forward through a variable set immediately after New returns.
		var mon *btcmonitor.Monitor
		subscriber := eventstream.New(eventstream.Config{
			Endpoint:             cfg.EventStreamEndpoint,
			Topics:               []eventstream.Topic{eventstream.TopicHashTx, eventstream.TopicHashBlock},
			MaxReconnectAttempts: cfg.SubscriberMaxReconnectAttempts,
		}, func(ctx context.Context, msg eventstream.Message) {
			mon.HandleEventStreamMessage(ctx, msg)
		}, log)

		monCfg := btcmonitor.DefaultConfig()
		monCfg.ConfirmationThreshold = cfg.ConfirmationThreshold
		monCfg.PollInterval = cfg.PollInterval()
		monCfg.CatchUpMaxBlocksPerTick = cfg.CatchUpMaxBlocksPerTick

		mon = btcmonitor.New(monCfg, btcClient, subscriber, addrCache, cursors, deps, log)
		svc.BTCMonitor = mon

	case corewatch.ChainZEC:
		zecClient := zec.New(instrumented)
		walletSvc := wallet.NewStaticService()
		addrCache := cache.New(zecAddressLoader(payments, walletSvc), cfg.AddressCacheRefreshInterval(), log)

		monCfg := zecmonitor.DefaultConfig()
		monCfg.ConfirmationThreshold = cfg.ConfirmationThreshold
		monCfg.PollInterval = cfg.PollInterval()
		monCfg.ViewingKeyRescanLookback = cfg.ViewingKeyRescanLookback
		monCfg.CatchUpMaxBlocksPerTick = cfg.CatchUpMaxBlocksPerTick

		svc.ZECMonitor = zecmonitor.New(monCfg, zecClient, addrCache, cursors, walletSvc, deps, log)

	default:
		return nil, fmt.Errorf("corewatch/app: unknown chain %q", cfg.Chain)
	}

	return svc, nil
}

// Run blocks on whichever monitor Build constructed until ctx is cancelled.
func (s *Services) Run(ctx context.Context) error {
	if s.BTCMonitor != nil {
		return s.BTCMonitor.Run(ctx)
	}
	return s.ZECMonitor.Run(ctx)
}

// btcAddressLoader builds a cache.Loader over the payment repository for
// the Bitcoin-family monitor, which only ever watches transparent
// addresses. A payment whose recorded address fails format validation is
// skipped and logged rather than registered into the cache, where it would
// otherwise sit unmatched for the life of the payment.
func btcAddressLoader(payments repo.PaymentRepository, log *zap.Logger) cache.Loader {
	return func(ctx context.Context) (map[string]string, map[string]cache.ShieldedEntry, error) {
		nonTerminal, err := payments.FindNonTerminalByChain(ctx, corewatch.ChainBTC)
		if err != nil {
			return nil, nil, err
		}
		transparent := make(map[string]string, len(nonTerminal))
		for _, p := range nonTerminal {
			if err := btc.ValidateAddress(p.Address, btc.MainNetParams); err != nil {
				log.Warn("skipping payment with malformed watch address", zap.String("payment_id", p.ID), zap.Error(err))
				continue
			}
			transparent[p.Address] = p.ID
		}
		return transparent, nil, nil
	}
}

// zecAddressLoader builds a cache.Loader over the payment repository for
// the Zcash-family monitor, splitting each non-terminal payment's address
// into the transparent or shielded view by its format and resolving
// shielded addresses' viewing-key handles through the Wallet Service.
func zecAddressLoader(payments repo.PaymentRepository, walletSvc wallet.Service) cache.Loader {
	return func(ctx context.Context) (map[string]string, map[string]cache.ShieldedEntry, error) {
		nonTerminal, err := payments.FindNonTerminalByChain(ctx, corewatch.ChainZEC)
		if err != nil {
			return nil, nil, err
		}
		transparent := make(map[string]string)
		shielded := make(map[string]cache.ShieldedEntry)
		for _, p := range nonTerminal {
			if zec.IsShieldedAddress(p.Address) {
				handle, err := walletSvc.GetViewingKeyForAddress(ctx, p.Address)
				if err != nil {
					continue
				}
				shielded[p.Address] = cache.ShieldedEntry{ViewingKey: handle, PaymentID: p.ID}
				continue
			}
			transparent[p.Address] = p.ID
		}
		return transparent, shielded, nil
	}
}
