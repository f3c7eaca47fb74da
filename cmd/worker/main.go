package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"autopost/internal"
	"autopost/pkg/credentials"
	"autopost/pkg/lifecycle"
	"autopost/pkg/linkedin"
	"autopost/pkg/publish"
	"autopost/pkg/storage"
	"autopost/pkg/storage/posts"
	"autopost/pkg/worker"
)

// tokenResolver attaches the post owner's bearer token to each job.
// Resolution failures are left to the publish handler, which re-resolves
// and records the failure on the post instead of dropping the message.
type tokenResolver struct {
	provider credentials.Provider
}

func (r tokenResolver) Resolve(ctx context.Context, job *worker.Job) (string, error) {
	if job.UserID == "" {
		return "", nil
	}
	token, err := r.provider.Token(ctx, job.UserID)
	if err != nil {
		return "", nil
	}
	return token, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to app config")
	flag.Parse()

	log.SetPrefix("autopost/worker ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	postStore, err := posts.Open(storage.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		log.Fatalf("post store: %v", err)
	}
	defer postStore.Close()

	bus, err := internal.NewPublisher(config.Watermill)
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}
	defer bus.Close()

	manager := lifecycle.NewManager(postStore, bus, config.Publish, internal.NewLogger("lifecycle"))

	store := credentials.NewMemoryStore()
	for _, grant := range config.LinkedIn.Grants {
		store.SeedGrant(grant.UserID, grant.AccessToken, grant.RefreshToken)
	}
	if len(config.LinkedIn.Grants) == 0 {
		log.Printf("no linkedin grants configured; every publish will fail until grants are added")
	}
	provider := credentials.NewOAuthProvider(
		config.LinkedIn.OAuthClientID,
		config.LinkedIn.OAuthClientSecret,
		config.LinkedIn.TokenURL,
		store,
	)
	client := linkedin.NewClient(config.LinkedIn.BaseURL, config.Publish.RequestTimeout(), internal.NewLogger("linkedin"))

	handler := publish.NewHandler(manager, provider, client, config.Publish, internal.NewLogger("publish"))

	wk, err := worker.NewFromConfig(config.Watermill,
		worker.WithTopics(internal.TopicPublishRequested),
		worker.WithConcurrency(config.Publish.Concurrency),
		worker.WithCredentialResolver(tokenResolver{provider: provider}),
	)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	defer func() {
		if err := wk.Close(); err != nil {
			log.Printf("worker close: %v", err)
		}
	}()

	wk.HandleTopic(internal.TopicPublishRequested, handler.Handle)

	sweeper := publish.NewSweeper(postStore, bus, config.Publish, internal.NewLogger("sweeper"))
	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	if err := wk.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
