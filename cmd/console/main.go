package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-gate/internal/console/handler"
	"github.com/xela07ax/agentpay-gate/internal/console/server"
	"github.com/xela07ax/agentpay-gate/internal/console/service"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/infra/auth"
	"github.com/xela07ax/agentpay-gate/internal/repository/postgres"
)

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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Инициализация ресурсов
	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required for the console")
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	}

	// Без Redis изменения доходят до шлюзов только по таймеру обновления
	var pub service.Publisher
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pub = rdb
	}

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("console token key", zap.Error(err))
	}

	// 2. Инициализация слоев (Dependency Injection)
	rules := postgres.NewRuleRepo(db)
	decisions := postgres.NewDecisionRepo(db)
	audits := postgres.NewAuditRepo(db)

	srv := server.NewConsoleServer(logger,
		auth.NewReviewerValidator(pubKey,
			auth.WithIssuer(cfg.Auth.ConsoleIssuer),
			auth.WithAudience(cfg.Auth.ConsoleAudience),
			auth.WithLeeway(30*time.Second),
		),
		handler.NewRuleHandler(service.NewRuleService(rules, pub, logger)),
		handler.NewApprovalHandler(service.NewApprovalService(decisions, pub, logger, cfg.Location())),
		handler.NewAuditHandler(service.NewAuditService(audits)),
	)

	// 3. Запуск сервера
	httpSrv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}
	go func() {
		logger.Info("console API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
