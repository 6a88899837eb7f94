package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/channel/email"
	"github.com/ignite/sequencer/internal/channel/network"
	"github.com/ignite/sequencer/internal/channel/voice"
	"github.com/ignite/sequencer/internal/config"
	"github.com/ignite/sequencer/internal/executor"
	"github.com/ignite/sequencer/internal/pkg/distlock"
	"github.com/ignite/sequencer/internal/pkg/logger"
	"github.com/ignite/sequencer/internal/personalize"
	"github.com/ignite/sequencer/internal/rategovernor"
	"github.com/ignite/sequencer/internal/scheduler"
	"github.com/ignite/sequencer/internal/store/postgres"
)

// buildPublisher wires the Scheduler's enrollment-outcome event bus:
// durable amqp when configured, an in-process gochannel otherwise.
// Nothing outside this process currently subscribes, so the
// in-process bus is a safe default for a single-worker deployment.
func buildPublisher(cfg config.EventBusConfig) message.Publisher {
	if cfg.Driver == "amqp" && cfg.AMQPURL != "" {
		amqpConfig := amqp.NewDurablePubSubConfig(cfg.AMQPURL, amqp.GenerateQueueNameTopicNameWithSuffix("sequencer"))
		publisher, err := amqp.NewPublisher(amqpConfig, watermill.NewStdLogger(false, false))
		if err != nil {
			log.Printf("Warning: failed to build amqp publisher (%v), falling back to in-process bus", err)
		} else {
			log.Printf("Event bus: amqp (%s)", cfg.AMQPURL)
			return publisher
		}
	}
	log.Println("Event bus: in-process (gochannel)")
	return gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
}

func buildEmailAdapter(ctx context.Context, cfg config.EmailConfig) channel.Adapter {
	adapter, err := email.New(ctx, cfg.AccessKey, cfg.SecretKey, cfg.Region, cfg.Timeout())
	if err != nil {
		log.Fatalf("Failed to initialize email adapter: %v", err)
	}
	return channel.NewBreakerAdapter("email", adapter)
}

func buildVoiceAdapter(cfg config.VoiceConfig) channel.Adapter {
	return channel.NewBreakerAdapter("voice", voice.New(cfg.BaseURL, cfg.APIKey, cfg.Timeout()))
}

// buildNetworkAdapters returns the network_connect and network_message
// adapters. They share one pooled, rate-limited driver; only the step
// kind passed at Dispatch time differs.
func buildNetworkAdapters(cfg config.NetworkConfig) (channel.Adapter, channel.Adapter) {
	driver := network.NewHTTPDriver(cfg.OAuthTokenURL, nil)
	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
	}
	adapter := network.New(driver, oauthCfg, cfg.MinInterval(), time.Duration(cfg.JitterSecs)*time.Second, cfg.DailyCapPerAcct)
	wrapped := channel.NewBreakerAdapter("network", adapter)
	return wrapped, wrapped
}

func buildPersonalizer(ctx context.Context, cfg config.AIConfig) *personalize.Personalizer {
	if !cfg.Enabled {
		return personalize.New(nil)
	}
	client, err := personalize.NewBedrockClient(ctx, cfg.Region, cfg.ModelID)
	if err != nil {
		log.Printf("Warning: failed to initialize Bedrock client (%v), falling back to signal_based only", err)
		return personalize.New(nil)
	}
	return personalize.New(client)
}

func main() {
	log.Println("Starting sequence engine scheduler worker...")

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

	emailAdapter := buildEmailAdapter(rootCtx, cfg.Email)
	voiceAdapter := buildVoiceAdapter(cfg.Voice)
	networkConnect, networkMessage := buildNetworkAdapters(cfg.Network)
	personalizer := buildPersonalizer(rootCtx, cfg.AI)

	exec := executor.New(store, store, store, governor, executor.Adapters{
		Email:          emailAdapter,
		Voice:          voiceAdapter,
		NetworkConnect: networkConnect,
		NetworkMessage: networkMessage,
	}, personalizer, 1000)

	publisher := buildPublisher(cfg.EventBus)

	sched := scheduler.New(store, exec, publisher, scheduler.Config{
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		ClaimBatchSize:    cfg.Scheduler.ClaimBatchSize,
		PollInterval:      cfg.Scheduler.PollInterval(),
		DrainTimeout:      cfg.Scheduler.DrainTimeout(),
		StaleThreshold:    cfg.Scheduler.StaleThreshold(),
	})

	sched.Start(rootCtx)
	log.Printf("Scheduler started (concurrency=%d, batch=%d, poll=%s)",
		cfg.Scheduler.GlobalConcurrency, cfg.Scheduler.ClaimBatchSize, cfg.Scheduler.PollInterval())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down scheduler...")
	rootCancel()
	sched.Stop()
	logger.Info("scheduler worker stopped")
}
