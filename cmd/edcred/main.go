// Package main запускает HTTP-сервер реестра учебных сертификатов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/edcred-system/internal/config"
	"github.com/mmeshcher/edcred-system/internal/handler"
	"github.com/mmeshcher/edcred-system/internal/ledger"
	"github.com/mmeshcher/edcred-system/internal/middleware"
	"github.com/mmeshcher/edcred-system/internal/model"
	"github.com/mmeshcher/edcred-system/internal/repository"
	"github.com/mmeshcher/edcred-system/internal/service"
	"github.com/mmeshcher/edcred-system/internal/settlement"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresLedger(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("database URI is empty, ledger state will not survive restart")
		repo = ledger.NewMemoryLedger()
	}

	var settlementClient *settlement.Client
	if cfg.SettlementAddress != "" {
		settlementClient = settlement.NewClient(cfg.SettlementAddress)
	}

	svc := service.NewService(repo, settlementClient, model.Address(cfg.RegistrarAddress))
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware("edcred-secret")
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting edcred server", "addr", cfg.RunAddress, "registrar", cfg.RegistrarAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
