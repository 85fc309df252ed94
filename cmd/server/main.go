package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paydeck/backend/docs"
	"github.com/paydeck/backend/internal/database"
	mW "github.com/paydeck/backend/internal/middleware"
	"github.com/paydeck/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title PayDeck Wallet API
// @version 1.0
// @description Secure wallet transaction engine for bill payments
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	docs.SwaggerInfo.Title = "PayDeck Wallet API"
	docs.SwaggerInfo.Description = "Secure wallet transaction engine for bill payments"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	walletStore := services.NewWalletStore(db)
	lockService := services.NewLockService(db)
	limitService := services.NewLimitService(db, walletStore)
	auditService := services.NewAuditService(db)
	walletService := services.NewWalletService(db, redisClient, walletStore, lockService, limitService, auditService)
	fundingService := services.NewFundingService(redisClient, walletService)
	adminService := services.NewAdminService(db, walletStore, limitService)

	// Lock janitor: expired locks self-clean during acquire, this just keeps
	// the table small.
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go runLockJanitor(janitorCtx, lockService)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/wallet/purchase", walletService.HandlePurchase)
			r.Post("/wallet/deposit", walletService.HandleDeposit)
			r.Post("/wallet/refund", walletService.HandleRefund)
			r.Get("/wallet/balance", walletService.HandleGetBalance)
			r.Get("/wallet/limits", walletService.HandleGetLimit)
			r.Get("/wallet/usage", walletService.HandleGetUsage)
			r.Get("/wallet/transactions", walletService.HandleListTransactions)

			r.Post("/wallet/funding-qr", fundingService.HandleGenerateQR)
			r.Post("/wallet/funding-qr/redeem", fundingService.HandleRedeemQR)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)
				r.Get("/admin/tiers", adminService.HandleListTiers)
				r.Put("/admin/tiers/{tierName}/limit", adminService.HandleSetTierLimit)
				r.Post("/admin/wallets", adminService.HandleProvisionWallet)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func runLockJanitor(ctx context.Context, locks *services.LockService) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := locks.Sweep(ctx)
			if err != nil {
				log.Printf("[JANITOR] Lock sweep failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("[JANITOR] Swept %d stale locks", deleted)
			}
		}
	}
}
