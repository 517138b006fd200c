// Package main runs the group-buy HTTP service: team formation, payment
// callbacks, refunds, the expiry sweeper, and the side-effect worker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"groupbuy/api"
	"groupbuy/auth"
	"groupbuy/campaign"
	"groupbuy/config"
	"groupbuy/db"
	"groupbuy/external"
	"groupbuy/refund"
	"groupbuy/sideeffect"
	"groupbuy/team"
	"groupbuy/teamquery"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, campaign cache disabled", zap.Error(err))
			cache = nil
		}
	}

	// External collaborators.
	identity := external.NewIdentityDirectory(cfg.Partners.IdentityBaseURL, logger)
	balances := external.NewBalanceLedger(cfg.Partners.BalanceBaseURL, logger)
	orders := external.NewOrderLedger(cfg.Partners.OrderBaseURL, logger)
	catalog := external.NewProductCatalog(cfg.Partners.CatalogBaseURL, logger)

	// Auth.
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWT.Secret)

	// Campaigns.
	campaignRepo := campaign.NewRepository(pool)
	campaignSvc := campaign.NewService(campaignRepo, cache, logger)

	// Team formation.
	teamRepo := team.NewRepository(pool)
	effects := sideeffect.NewRepository(pool)
	coordinator := team.NewCoordinator(pool, teamRepo, campaignSvc, identity, orders, catalog, effects, logger).
		WithTTL(cfg.Team.TTL)

	// Refunds.
	refunds := refund.NewCoordinator(pool, teamRepo, balances, orders, effects, logger)
	sweeper := refund.NewSweeper(refunds, cfg.Team.SweepInterval, logger)
	go sweeper.Run(ctx)

	// Side-effect delivery.
	worker := sideeffect.NewWorker(pool, effects, balances, orders, cfg.Team.SideEffectInterval, logger)
	go worker.Run(ctx)

	// Queries.
	queries := teamquery.NewService(pool, identity, logger)

	handler := api.NewHandler(authSvc, campaignSvc, coordinator, refunds, sweeper, queries, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
}
