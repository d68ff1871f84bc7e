package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loyalty-otp/internal/application/otp"
	"github.com/loyalty-otp/internal/config"
	"github.com/loyalty-otp/internal/infrastructure/dynamo"
	"github.com/loyalty-otp/internal/infrastructure/memory"
	"github.com/loyalty-otp/internal/infrastructure/postgres"
	"github.com/loyalty-otp/internal/infrastructure/smtp"
	"github.com/loyalty-otp/internal/infrastructure/sns"
	"github.com/loyalty-otp/internal/pkg/message"
	transporthttp "github.com/loyalty-otp/internal/transport/http"
)

type stores struct {
	otps      otp.Store
	customers otp.CustomerDirectory
	close     func()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	ctx := context.Background()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.close()

	awsCfg, err := dynamo.LoadAWSConfig(ctx, cfg, cfg.SNSRegion)
	if err != nil {
		log.Fatalf("sns config: %v", err)
	}
	smsSender := sns.NewFromConfig(awsCfg, cfg.SNSSenderID, cfg.AWSEndpointURL)
	mailer := smtp.NewMailer(cfg)
	renderer := message.NewRenderer(cfg.Templates)

	otpCfg := cfg.OTP()
	deps := &transporthttp.Deps{
		EmailOTP: otp.NewEngine(otp.EngineDeps{
			Config:  otpCfg,
			Store:   st.otps,
			Channel: otp.NewEmailChannel(st.customers, mailer, renderer),
		}),
		PhoneOTP: otp.NewEngine(otp.EngineDeps{
			Config:  otpCfg,
			Store:   st.otps,
			Channel: otp.NewPhoneChannel(st.customers, smsSender, renderer),
		}),
	}

	router := transporthttp.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (env=%s, store=%s)", cfg.AppPort, cfg.AppEnv, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDynamo:
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables)
		return &stores{
			otps:      dynamo.NewOTPRepo(client, cfg.DynamoTables.OTPRecords),
			customers: dynamo.NewCustomerRepo(client, cfg.DynamoTables.Customers),
			close:     func() {},
		}, nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &stores{
			otps:      postgres.NewOTPRepo(pool),
			customers: postgres.NewCustomerRepo(pool),
			close:     pool.Close,
		}, nil
	case config.StoreMemory:
		log.Println("WARN: using in-memory store; data is lost on restart")
		customers := memory.NewCustomerRepo()
		n, err := customers.Seed(ctx, cfg.MemorySeedCustomers)
		if err != nil {
			return nil, fmt.Errorf("MEMORY_SEED_CUSTOMERS: %w", err)
		}
		log.Printf("seeded %d customers into memory store", n)
		return &stores{
			otps:      memory.NewOTPRepo(),
			customers: customers,
			close:     func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}
