package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/ufaas/payping-ipg/internal/api"
	"github.com/ufaas/payping-ipg/internal/config"
	"github.com/ufaas/payping-ipg/internal/gateway"
	"github.com/ufaas/payping-ipg/internal/infrastructure/auth"
	"github.com/ufaas/payping-ipg/internal/infrastructure/kafka"
	"github.com/ufaas/payping-ipg/internal/infrastructure/redis"
	"github.com/ufaas/payping-ipg/internal/ledger"
	"github.com/ufaas/payping-ipg/internal/observability"
	core "github.com/ufaas/payping-ipg/internal/repository/postgres"
	service "github.com/ufaas/payping-ipg/internal/services"
)

func main() {
	cfg := config.Load()

	shutdown, _ := observability.Setup("payping-ipg")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	purchaseRepo := core.NewPostgresPurchaseRepository(db)
	businessRepo := core.NewPostgresBusinessRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	gatewayClient := gateway.NewClient(cfg.PayPingBaseURL)
	ledgerClient := ledger.NewClient()
	tokens := auth.NewJWTIssuer(15 * time.Minute)

	svc := service.NewPurchaseService(purchaseRepo, gatewayClient, ledgerClient, redisClient, producer, tokens, service.Options{
		BasePath:          cfg.BasePath,
		Currency:          cfg.Currency,
		AmountSubdivision: cfg.AmountSubdivision,
		MinAmount:         cfg.MinAmount,
	})

	router := api.SetupRouter(svc, businessRepo, redisClient, cfg)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
