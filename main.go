package main

import (
	"context"
	"expvar"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"autopost/internal"
	"autopost/pkg/api"
	"autopost/pkg/lifecycle"
	"autopost/pkg/pipeline"
	"autopost/pkg/poller"
	"autopost/pkg/storage"
	"autopost/pkg/storage/events"
	"autopost/pkg/storage/monitors"
	"autopost/pkg/storage/posts"
	"autopost/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := storage.OpenDB(storage.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer storage.CloseDB(db)

	eventStore, err := events.New(db)
	if err != nil {
		logger.Fatalf("event store: %v", err)
	}
	monitorStore, err := monitors.New(db)
	if err != nil {
		logger.Fatalf("monitor store: %v", err)
	}
	postStore, err := posts.New(db)
	if err != nil {
		logger.Fatalf("post store: %v", err)
	}

	publisher, err := internal.NewPublisher(config.Watermill)
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	pipe := pipeline.New(eventStore, monitorStore, postStore, publisher, internal.NewLogger("pipeline"))
	manager := lifecycle.NewManager(postStore, publisher, config.Publish, internal.NewLogger("lifecycle"))

	mux := http.NewServeMux()

	ghHandler, err := webhook.NewGitHubHandler(
		config.GitHub.WebhookSecret,
		pipe,
		eventStore,
		config.Server.MaxBodyBytes,
		internal.NewLogger("webhook"),
	)
	if err != nil {
		logger.Fatalf("github handler: %v", err)
	}
	mux.Handle(config.GitHub.WebhookPath, ghHandler)
	logger.Printf("github webhook enabled on %s", config.GitHub.WebhookPath)

	apiLogger := internal.NewLogger("api")
	mux.Handle("/api/posts", &api.PostsHandler{Manager: manager, Logger: apiLogger})
	mux.Handle("/api/posts/customize", &api.CustomizeHandler{Manager: manager, Logger: apiLogger})
	mux.Handle("/api/posts/publish", &api.PublishHandler{Manager: manager, Logger: apiLogger})
	mux.Handle("/api/posts/delete", &api.DeleteHandler{Manager: manager, Logger: apiLogger})
	mux.Handle("/api/monitors", &api.MonitorsHandler{Store: monitorStore, Logger: apiLogger})
	mux.Handle("/api/monitors/upsert", &api.UpsertMonitorHandler{Store: monitorStore, Logger: apiLogger})
	mux.Handle("/api/monitors/toggle", &api.ToggleMonitorHandler{Store: monitorStore, Logger: apiLogger})
	mux.Handle("/api/events/log", &api.EventLogHandler{Store: eventStore, Logger: apiLogger})

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.GitHub.PollEnabled {
		repoPoller, err := poller.New(
			config.GitHub.Token,
			config.GitHub.BaseURL,
			monitorStore,
			pipe,
			time.Duration(config.GitHub.PollIntervalS)*time.Second,
			internal.NewLogger("poller"),
		)
		if err != nil {
			logger.Fatalf("poller: %v", err)
		}
		go func() {
			if err := repoPoller.Run(rootCtx); err != nil && err != context.Canceled {
				logger.Printf("poller stopped: %v", err)
			}
		}()
		logger.Printf("repository poller enabled, interval %ds", config.GitHub.PollIntervalS)
	}

	handler := internal.NewRateLimitHandler(mux,
		config.Server.RateLimitRPS,
		config.Server.RateLimitBurst,
		time.Minute,
	)

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-rootCtx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
