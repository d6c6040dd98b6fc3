package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"crossarb/internal/api"
	"crossarb/internal/archive"
	"crossarb/internal/bot"
	cacheredis "crossarb/internal/cache/redis"
	"crossarb/internal/config"
	"crossarb/internal/events"
	"crossarb/internal/exchange"
	"crossarb/internal/repository"
	"crossarb/internal/service"
	"crossarb/internal/websocket"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// tradeStorage - хранилище сделок: движок, история API и архиватор
type tradeStorage interface {
	bot.TradeStore
	service.TradeHistoryRepository
	archive.TradeSource
}

func main() {
	if err := run(); err != nil {
		utils.L().Error("server stopped with error", utils.Err(err))
		_ = utils.L().Sync()
		os.Exit(1)
	}
}

func run() error {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		utils.Any("venues", cfg.Venues.Names()),
		utils.Bool("paper_mode", cfg.Trading.Risk.PaperMode),
		utils.Bool("database", cfg.Database.Enabled()),
		utils.Bool("redis", cfg.Redis.Enabled()),
		utils.Bool("kafka", cfg.Kafka.Enabled()),
		utils.Bool("archive", cfg.Archive.Enabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============ Хранилище ============

	var (
		store     tradeStorage
		notifRepo service.NotificationRepositoryInterface
	)
	if cfg.Database.Enabled() {
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

		store = repository.NewTradeRepository(db)
		notifRepo = repository.NewNotificationRepository(db)
	} else {
		logger.Warn("DATABASE_URL and DB_HOST are empty, trades are kept in memory only")
		store = repository.NewMemoryTradeStore()
	}

	g, gctx := errgroup.WithContext(ctx)

	// ============ WebSocket и уведомления ============

	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	g.Go(func() error { return hub.Run(gctx) })

	notificationService := service.NewNotificationService(notifRepo, cfg.Notifications.DisabledTypes, cfg.Notifications.Keep, logger)
	notificationService.SetWebSocketHub(hub)
	if notifRepo != nil && cfg.Notifications.Keep > 0 {
		g.Go(func() error {
			return runEvery(gctx, cfg.Notifications.CleanupEvery, func(ctx context.Context) {
				if _, err := notificationService.CleanupOld(ctx); err != nil {
					logger.Warn("notification cleanup failed", utils.Err(err))
				}
			})
		})
	}

	deps := bot.EngineDeps{
		Store:     store,
		Listeners: []bot.TradeListener{hub},
		Sinks:     []bot.NotificationSink{notificationService},
		Balances:  make(map[string]float64, len(cfg.Venues.Venues)),
		NumShards: cfg.Bot.NumShards,
		Logger:    logger,
	}

	// ============ Redis: lock и cooldown между процессами ============

	if cfg.Redis.Enabled() {
		rc, err := cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()

		deps.Locker = cacheredis.NewLocker(rc)
		deps.Cooldowns = cacheredis.NewCooldownStore(rc)
		logger.Info("redis connected", utils.String("addr", cfg.Redis.Addr))
	}

	// ============ Kafka: поток событий сделок ============

	if cfg.Kafka.Enabled() {
		writer := events.NewKafkaWriter(events.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			BufferSize: cfg.Kafka.BufferSize,
		})
		publisher := events.NewKafkaPublisher(writer, cfg.Kafka.BufferSize, logger)
		deps.Listeners = append(deps.Listeners, publisher)
		g.Go(func() error { return publisher.Run(gctx) })
		logger.Info("kafka publisher enabled", utils.String("topic", cfg.Kafka.Topic))
	}

	// ============ Архив закрытых сделок ============

	if cfg.Archive.Enabled() {
		s3w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		archiver := archive.NewArchiver(s3w, store, archive.Config{
			Retention: cfg.Archive.Retention,
			Interval:  cfg.Archive.Interval,
			BatchSize: cfg.Archive.BatchSize,
			Prefix:    cfg.Archive.Prefix,
		}, logger)
		g.Go(func() error { return archiver.Run(gctx) })
		logger.Info("trade archive enabled", utils.String("bucket", cfg.Archive.Bucket))
	}

	// ============ Площадки ============

	hc := exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig())
	deps.Venues = make(map[string]exchange.VenueOrderClient)
	tickerURLs := make(map[string]string)
	leverage := make(map[string]float64)
	var quoteRate float64

	for _, v := range cfg.Venues.Venues {
		deps.Balances[v.Name] = cfg.Venues.PaperBalanceUsd
		if v.OrderURL != "" {
			deps.Venues[v.Name] = exchange.NewRESTOrderClient(v.Name, v.OrderURL, v.APIKey, hc, ratelimit.NewLimiter(v.RateLimit, v.RateLimit))
		}
		if v.TickerURL != "" {
			tickerURLs[v.Name] = v.TickerURL
			if quoteRate == 0 || v.RateLimit < quoteRate {
				quoteRate = v.RateLimit
			}
		}
		if v.Leverage > 0 {
			leverage[v.Name] = v.Leverage
		}
	}

	for _, url := range cfg.Venues.FeedURLs {
		feedCfg := exchange.DefaultWSFeedConfig(url)
		feedCfg.Instruments = cfg.Venues.Instruments
		deps.Feeds = append(deps.Feeds, exchange.NewWSPriceFeed(feedCfg, logger))
	}
	if len(tickerURLs) > 0 {
		deps.Verifier = exchange.NewRESTQuoteSource(tickerURLs, hc, ratelimit.NewVenueLimiter(quoteRate, quoteRate))
	}
	if len(leverage) > 0 {
		deps.Oracle = exchange.NewLeverageOracle(leverage, cfg.Venues.MaintenanceMargin)
	}

	logger.Info("venues configured",
		utils.Int("live_clients", len(deps.Venues)),
		utils.Int("feeds", len(deps.Feeds)),
		utils.Bool("spread_verification", deps.Verifier != nil),
		utils.Bool("liquidation_oracle", deps.Oracle != nil),
	)

	// ============ Торговое ядро ============

	engine, err := bot.NewEngine(cfg.Trading, deps)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	tradeService := service.NewTradeService(store, engine)
	stats := service.NewStatsPublisher(engine.GetStats, hub, cfg.Bot.StatsUpdateFreq)
	g.Go(func() error { return stats.Run(gctx) })

	if cfg.Bot.AutoStart {
		// live-режим требует X-Trading-Secret, автостарт возможен только в paper
		if !cfg.Trading.Risk.PaperMode {
			logger.Warn("AUTO_START ignored in live mode, start the engine via POST /api/v1/engine/start")
		} else if err := engine.Start(gctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	// ============ HTTP ============

	router := api.SetupRoutes(&api.Dependencies{
		Engine:              engine,
		TradeService:        tradeService,
		NotificationService: notificationService,
		WebSocket:           hub.ServeWS,
		TradingSecretHash:   cfg.Security.TradingSecretHash,
		AuthLimiter:         ratelimit.NewLimiter(cfg.Security.AuthRate, cfg.Security.AuthBurst),
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		Logger:              logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting server", utils.String("addr", server.Addr), utils.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		engine.Stop()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

// initDatabase создает подключение к базе данных
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// runEvery вызывает fn с периодом every до отмены контекста
func runEvery(ctx context.Context, every time.Duration, fn func(context.Context)) error {
	if every <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
