// Command treasury is the trading engine's process entrypoint: it loads
// config, builds every collaborator explicitly (no singletons, no init()
// wiring), starts the TPSL monitor and command-surface HTTP server, and
// blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"treasury-engine/internal/aggregator"
	"treasury-engine/internal/api"
	"treasury-engine/internal/chain"
	"treasury-engine/internal/config"
	"treasury-engine/internal/dashboard"
	"treasury-engine/internal/domain"
	"treasury-engine/internal/emergency"
	"treasury-engine/internal/engine"
	"treasury-engine/internal/health"
	"treasury-engine/internal/metrics"
	"treasury-engine/internal/monitor"
	"treasury-engine/internal/priceoracle"
	"treasury-engine/internal/risk"
	"treasury-engine/internal/storage"
	"treasury-engine/internal/store"
	"treasury-engine/internal/token"
	"treasury-engine/internal/trading"
	ws "treasury-engine/internal/websocket"
)

func main() {
	setupLogger()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfgMgr, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgMgr.Get()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	profile := config.Profile()
	log.Info().Str("profile", profile).Bool("liveMode", config.LiveMode()).Msg("treasury engine starting")

	chainClient := chain.New(cfgMgr.RPCURL(), cfg.RPC.FallbackURL, cfgMgr.RPCAPIKey())

	wallet, err := chain.NewWallet(cfgMgr.PrivateKey())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wallet")
	}
	log.Info().Str("address", wallet.Address()).Msg("wallet loaded")

	blockhashCache := chain.NewBlockhashCache(chainClient, 2*time.Second, 60*time.Second)
	if err := blockhashCache.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start blockhash cache")
	}
	defer blockhashCache.Stop()

	txBuilder := chain.NewTransactionBuilder(wallet, blockhashCache, 100_000)

	agg := aggregator.New(cfg.Jupiter.QuoteAPIURL, cfg.Jupiter.SlippageBps,
		time.Duration(cfg.Jupiter.TimeoutSeconds)*time.Second, cfgMgr.JupiterAPIKeys())

	oracle := priceoracle.New(
		priceoracle.NewAggregatorQuoteSource(agg),
		priceoracle.NewDexScreenerSource(),
		priceoracle.NewAggregatorNativeSource(agg),
		cfg.StableMintSet(),
		aggregator.SOLMint,
	)

	riskGate := risk.New(cfg.RiskGateConfig())

	dryRun := !config.LiveMode()
	executor := trading.New(agg, chainClient, wallet, txBuilder, dryRun)

	positionStore, err := store.Open(cfgMgr.DataDir(), profile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open position store")
	}

	emergencyCtl := emergency.New(positionStore)
	if config.KillSwitchAtStartup() {
		if err := emergencyCtl.ActivateKillSwitch("KILL_SWITCH set at startup", "system", domain.UnwindImmediate); err != nil {
			log.Error().Err(err).Msg("failed to apply startup kill switch")
		}
	}

	sellAdapter := func(ctx context.Context, mint string, amount uint64, decimals uint8, slippageBps int) (string, error) {
		outcome, err := executor.ExecuteSell(ctx, trading.Position{Mint: mint, Amount: amount, Decimals: decimals}, slippageBps)
		if err != nil {
			return "", err
		}
		return outcome.Signature, nil
	}

	mon := monitor.New(oracle, monitorSellerFunc(sellAdapter), monitor.PositionStore{
		GetPosition:         positionStore.GetPosition,
		OpenPositions:       positionStore.OpenPositions,
		ClosePosition:       positionStore.ClosePosition,
		PersistOpenPosition: positionStore.PersistOpenPosition,
		UpsertTrigger:       positionStore.UpsertTrigger,
		TriggersForPosition: positionStore.TriggersForPosition,
	})
	mon.SetPollInterval(time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second)

	eng := engine.New(emergencyCtl, riskGate, oracle, executor, chainClient, wallet, positionStore, mon, dryRun, cfg.StableMintSet())

	tokenCache, err := token.NewCache(cfgMgr.DataDir() + "/" + profile + "/token_cache.json")
	var tokenResolver *token.Resolver
	if err != nil {
		log.Warn().Err(err).Msg("failed to open token cache, name resolution disabled")
	} else {
		tokenResolver = token.NewResolver(tokenCache)
	}

	metricsReg := metrics.New()

	db, err := storage.NewDB(cfg.Storage.SQLitePath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open execution stats db")
	} else {
		defer db.Close()
		if err := db.ReplayIntoMetrics(executor.Metrics(), 500); err != nil {
			log.Warn().Err(err).Msg("failed to replay execution history into metrics")
		}
		if records, err := db.RecentExecutions(500); err == nil {
			for _, r := range records {
				metricsReg.RecordExecution(r.Direction, r.Success, r.SlippagePct, r.LatencyMs)
			}
		}
	}

	checker := health.NewChecker(30*time.Second,
		health.RPCCheck("rpc_primary", cfgMgr.RPCURL()),
		health.HTTPCheck("command_api", "http://"+cfg.API.ListenHost+":"+strconv.Itoa(cfg.API.ListenPort)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker.Start(ctx)
	defer checker.Stop()

	apiServer := api.NewServer(cfg.API.ListenHost, cfg.API.ListenPort, eng, positionStore, emergencyCtl, config.AdminIDs())
	if tokenResolver != nil {
		apiServer.SetResolver(tokenResolver)
	}
	apiServer.SetMetrics(metricsReg)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("command API server failed")
		}
	}()
	defer apiServer.Shutdown()

	if wsURL := os.Getenv("TREASURY_WS_URL"); wsURL != "" {
		wsClient, err := ws.Dial(wsURL)
		if err != nil {
			log.Warn().Err(err).Msg("websocket dial failed, continuing on poll-only price/balance updates")
		} else {
			defer wsClient.Close()

			priceFeed := ws.NewPriceFeed(wsClient, wallet.Address())
			ws.WireOracle(priceFeed, oracle, func() float64 {
				price, _, err := oracle.Price(ctx, aggregator.SOLMint)
				if err != nil {
					return 0
				}
				return price
			})

			walletMonitor := ws.NewWalletMonitor(wsClient, wallet.Address())
			ws.WireReconciliation(walletMonitor, func(ws.BalanceUpdate) {
				if _, err := eng.ReconcileWithOnchain(ctx); err != nil {
					log.Warn().Err(err).Msg("reconciliation nudge failed")
				}
			})
			if err := walletMonitor.StartWalletSubscription(); err != nil {
				log.Warn().Err(err).Msg("wallet subscription failed")
			}
			defer walletMonitor.Stop()
		}
	}

	eng.StartMonitoring(ctx)
	defer eng.StopMonitoring()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := eng.UpdatePositions(ctx); err != nil {
				log.Warn().Err(err).Msg("update positions failed")
			}
			eng.HandleEmergencyEscalation(ctx)
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metricsReg.OpenPositions.Set(float64(len(positionStore.OpenPositions())))
			metricsReg.DailyVolumeUSD.Set(positionStore.DailyVolume())
			metricsReg.EmergencyLevel.Set(float64(emergencyCtl.State().Level))
			if riskGate.CircuitOpen() {
				metricsReg.CircuitBreakerOpen.Set(1)
			} else {
				metricsReg.CircuitBreakerOpen.Set(0)
			}
			if _, usd, err := eng.GetPortfolioValue(ctx); err == nil {
				metricsReg.PortfolioUSD.Set(usd)
			}
		}
	}()

	if os.Getenv("TREASURY_DASHBOARD") == "1" {
		go runDashboard(eng, positionStore, emergencyCtl, checker)
	}

	log.Info().
		Str("host", cfg.API.ListenHost).
		Int("port", cfg.API.ListenPort).
		Msg("command surface listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
}

// monitorSellerFunc adapts a plain closure to monitor.Seller so the
// wiring root doesn't need a named type just to satisfy the interface.
type monitorSellerFunc func(ctx context.Context, mint string, amount uint64, decimals uint8, slippageBps int) (string, error)

func (f monitorSellerFunc) ExecuteSell(ctx context.Context, mint string, amount uint64, decimals uint8, slippageBps int) (string, error) {
	return f(ctx, mint, amount, decimals, slippageBps)
}

// dashboardSource adapts the engine, store and health checker to
// dashboard.DataSource without any of those packages depending on
// dashboard themselves.
type dashboardSource struct {
	eng       *engine.Engine
	positions *store.Store
	emergency *emergency.Controller
	checker   *health.Checker
}

func (d dashboardSource) OpenPositions() []*domain.Position { return d.positions.OpenPositions() }

func (d dashboardSource) PortfolioValue(ctx context.Context) (float64, float64, error) {
	return d.eng.GetPortfolioValue(ctx)
}

func (d dashboardSource) EmergencyState() domain.EmergencyStopState { return d.emergency.State() }

func (d dashboardSource) HealthStatuses() []health.Status { return d.checker.Statuses() }

func runDashboard(eng *engine.Engine, positions *store.Store, emergencyCtl *emergency.Controller, checker *health.Checker) {
	model := dashboard.New(dashboardSource{eng: eng, positions: positions, emergency: emergencyCtl, checker: checker})
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Error().Err(err).Msg("dashboard exited")
	}
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
