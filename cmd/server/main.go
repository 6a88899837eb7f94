package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/sequencer/internal/api"
	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/channel/email"
	"github.com/ignite/sequencer/internal/channel/network"
	"github.com/ignite/sequencer/internal/channel/voice"
	"github.com/ignite/sequencer/internal/config"
	"github.com/ignite/sequencer/internal/eventlog"
	"github.com/ignite/sequencer/internal/executor"
	"github.com/ignite/sequencer/internal/pkg/distlock"
	"github.com/ignite/sequencer/internal/personalize"
	"github.com/ignite/sequencer/internal/rategovernor"
	"github.com/ignite/sequencer/internal/store/postgres"
	"github.com/ignite/sequencer/internal/webhook"
)

// checkPortAvailable verifies that the target port is not already in
// use, so a stale process squatting on it fails fast with a clear hint
// instead of a confusing bind error deep in net/http.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting sequence engine control API...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			log.Printf("Warning: sentry init failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeMins) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")
	store := postgres.New(db)

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("Warning: redis unavailable (%v), rate governor falls back to PG advisory locks", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("Connected to redis")
		}
	}

	lockFactory := distlock.NewFactory(redisClient, db)
	governor := rategovernor.New(store, store, redisClient, lockFactory)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	emailAdapter, err := email.New(rootCtx, cfg.Email.AccessKey, cfg.Email.SecretKey, cfg.Email.Region, cfg.Email.Timeout())
	if err != nil {
		log.Fatalf("Failed to initialize email adapter: %v", err)
	}
	adapters := executor.Adapters{
		Email: channel.NewBreakerAdapter("email", emailAdapter),
		Voice: channel.NewBreakerAdapter("voice", voice.New(cfg.Voice.BaseURL, cfg.Voice.APIKey, cfg.Voice.Timeout())),
	}
	networkDriver := network.NewHTTPDriver(cfg.Network.OAuthTokenURL, nil)
	networkAdapter := channel.NewBreakerAdapter("network", network.New(
		networkDriver,
		networkOAuthConfig(cfg),
		cfg.Network.MinInterval(),
		time.Duration(cfg.Network.JitterSecs)*time.Second,
		cfg.Network.DailyCapPerAcct,
	))
	adapters.NetworkConnect = networkAdapter
	adapters.NetworkMessage = networkAdapter

	var personalizer *personalize.Personalizer
	if cfg.AI.Enabled {
		bedrockClient, err := personalize.NewBedrockClient(rootCtx, cfg.AI.Region, cfg.AI.ModelID)
		if err != nil {
			log.Printf("Warning: failed to initialize Bedrock client (%v), falling back to signal_based only", err)
			personalizer = personalize.New(nil)
		} else {
			personalizer = personalize.New(bedrockClient)
		}
	} else {
		personalizer = personalize.New(nil)
	}

	// The Control API only needs the Step Executor for its cached
	// sequence-snapshot invalidation hook; the Scheduler that actually
	// drives it lives in the worker process.
	exec := executor.New(store, store, store, governor, adapters, personalizer, 1000)

	handlers := api.New(store, store, store, personalizer, adapters, exec.InvalidateSequence)

	eventLog := eventlog.New(store)
	ingress := webhook.New(eventLog)

	router := api.SetupRoutes(handlers)
	ingress.Routes(router)

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("Control API and webhook ingress ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func networkOAuthConfig(cfg *config.Config) clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     cfg.Network.OAuthClientID,
		ClientSecret: cfg.Network.OAuthClientSecret,
		TokenURL:     cfg.Network.OAuthTokenURL,
	}
}
