package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-gate/internal/audit"
	"github.com/xela07ax/agentpay-gate/internal/connectors"
	"github.com/xela07ax/agentpay-gate/internal/engine"
	"github.com/xela07ax/agentpay-gate/internal/facilitator"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/infra/auth"
	"github.com/xela07ax/agentpay-gate/internal/payment"
	"github.com/xela07ax/agentpay-gate/internal/policy"
	"github.com/xela07ax/agentpay-gate/internal/repository/memory"
	"github.com/xela07ax/agentpay-gate/internal/repository/postgres"
	"github.com/xela07ax/agentpay-gate/internal/repository/redisstore"
)

// decisionLedger - журнал решений целиком: движок, расчеты и консоль.
type decisionLedger interface {
	policy.Ledger
	engine.SettlementRecorder
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин; SIGTERM его отменяет
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Инфраструктура и ресурсы
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(appCtx, cfg.Database)
		if err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := postgres.Migrate(appCtx, db, logger); err != nil {
				logger.Fatal("migrations failed", zap.Error(err))
			}
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 2. Хранилища
	var (
		ledger   decisionLedger
		rules    policy.RuleRepository
		auditLog audit.StorageInterface
	)
	if db != nil {
		ledger = postgres.NewDecisionRepo(db)
		rules = postgres.NewRuleRepo(db)
		auditLog = postgres.NewAuditRepo(db)
	} else {
		logger.Warn("database.url is empty: decisions and rules are kept in memory")
		store := memory.NewRuleStore()
		if err := seedRules(appCtx, store); err != nil {
			logger.Fatal("seed rules", zap.Error(err))
		}
		ledger = memory.NewDecisionLedger()
		rules = store
		auditLog = memory.NewAuditLog(10000)
	}

	nonces, err := nonceLedger(cfg, db, rdb)
	if err != nil {
		logger.Fatal("nonce store", zap.Error(err))
	}
	var issued payment.IssuedStore = memory.NewRequirementStore()
	if rdb != nil {
		issued = redisstore.NewRequirementStore(rdb)
	}

	// 3. Control Plane: кэш правил с инвалидацией через Redis
	ruleCache := policy.NewMemoRuleStore(rules, logger)
	if err := ruleCache.Refresh(appCtx); err != nil {
		logger.Fatal("failed to load rules", zap.Error(err))
	}
	if rdb != nil {
		go ruleCache.StartListener(appCtx, rdb, cfg.Engine.RuleRefreshInterval)
		go listenApprovals(appCtx, rdb, logger)
	}

	// 4. Audit Trail
	trail := audit.NewTrail(auditLog, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval).
		WithFillGauge(metrics.AuditBufferFill)
	trail.Start()
	defer trail.Stop()

	// 5. Execution Layer: RPC блокчейна под Rate Limiter / Circuit Breaker / Retry
	var chain facilitator.ChainReader
	if cfg.Chain.Mode == "rpc" {
		chain = connectors.NewSolanaRPC(cfg.Chain.RPCURL, cfg.Chain.Commitment, cfg.Chain.RequestTimeout)
	} else {
		logger.Warn("chain.mode=mock: transfers are read from the in-memory ledger")
		chain = connectors.NewMockLedger()
	}
	safeChain := engine.NewReliabilityWrapper(chain, engine.ReliabilityConfig{
		RateLimit:      cfg.Chain.RateLimit,
		RateBurst:      cfg.Chain.RateBurst,
		Attempts:       cfg.Chain.RetryAttempts,
		RequestTimeout: cfg.Chain.RequestTimeout,
		MaxRequests:    cfg.Chain.CBMaxRequests,
		Interval:       cfg.Chain.CBInterval,
		Timeout:        cfg.Chain.CBTimeout,
		Failures:       cfg.Chain.CBFailures,
	}, metrics)

	opts := []facilitator.Option{
		facilitator.WithAuditor(trail),
		facilitator.WithObserver(metrics),
		facilitator.WithNonceTTL(cfg.Payment.NonceTTL),
	}
	if len(cfg.Auth.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			logger.Fatal("receipt signing key", zap.Error(err))
		}
		opts = append(opts, facilitator.WithSigner(facilitator.NewReceiptSigner(key, "agentpay-facilitator", cfg.Auth.ReceiptTTL)))
	} else {
		logger.Warn("auth.private_key_path is empty: receipts are issued unsigned")
	}
	fac := facilitator.New(nonces, facilitator.NewChainVerifier(safeChain), logger, opts...)

	// 6. Core: движок решений и HTTP-шлюз
	pde := policy.NewEngine(ruleCache, ledger, logger,
		policy.WithLocation(cfg.Location()),
		policy.WithObserver(metrics))

	gw := engine.NewGateway(engine.GatewayDeps{
		Engine: pde,
		Builder: payment.NewBuilder(payment.Config{
			Network:      cfg.Payment.NetworkID,
			Mint:         cfg.Payment.AssetID,
			PayTo:        cfg.Payment.PayTo,
			Facilitator:  cfg.Payment.FacilitatorURL,
			ExpiryWindow: cfg.Payment.ExpiryWindow,
		}),
		Issued:                issued,
		Facilitator:           fac,
		Executor:              &connectors.MockServiceExecutor{MaxLatency: 50 * time.Millisecond},
		Settlements:           ledger,
		Prices:                cfg.Payment.PriceFor,
		Auditor:               trail,
		Metrics:               metrics,
		Logger:                logger,
		FacilitatorSecretHash: cfg.Payment.FacilitatorSecretHash,
		SellerID:              cfg.Payment.SellerID,
	})

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("spend gate started",
			zap.String("addr", srv.Addr),
			zap.String("network", cfg.Payment.NetworkID),
			zap.String("nonce_backend", cfg.Payment.NonceBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 7. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("spend gate stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)
	logger.Info("spend gate exited properly")
}

// nonceLedger выбирает хранилище nonce по payment.nonce_backend.
func nonceLedger(cfg *infra.Config, db *sql.DB, rdb *redis.Client) (facilitator.NonceLedger, error) {
	switch cfg.Payment.NonceBackend {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("nonce_backend=postgres requires database.url")
		}
		return postgres.NewNonceRepo(db), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("nonce_backend=redis requires redis.addr")
		}
		return redisstore.NewNonceStore(rdb), nil
	default:
		return memory.NewNonceStore(), nil
	}
}

// listenApprovals пишет в лог решения ревьюеров, транслируемые консолью.
func listenApprovals(ctx context.Context, rdb *redis.Client, logger *zap.Logger) {
	l := logger.Named("approvals")
	infra.ListenResilient(ctx, rdb, l, infra.RedisChanApprovalDecisions,
		func() error { return nil },
		func(payload string) { l.Info("approval decision received", zap.String("payload", payload)) })
}
