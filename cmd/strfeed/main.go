package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandwichfarm/strfeed/internal/cache"
	"github.com/sandwichfarm/strfeed/internal/config"
	"github.com/sandwichfarm/strfeed/internal/feeds"
	"github.com/sandwichfarm/strfeed/internal/ingest"
	"github.com/sandwichfarm/strfeed/internal/ops"
	"github.com/sandwichfarm/strfeed/internal/relay"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("strfeed %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("strfeed - Nostr feed synchronization daemon")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  strfeed init              Generate example configuration")
		fmt.Println("  strfeed --version         Show version information")
		fmt.Println("  strfeed --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting strfeed %s\n", version)
	fmt.Printf("  Identity: %s\n", cfg.Identity.Pubkey)
	fmt.Printf("  Cache: %s\n", cfg.Cache.Path)
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func relayOptions(cfg *config.Config, logger *ops.Logger) relay.Options {
	p := cfg.Relays.Policy
	return relay.Options{
		ConnectTimeout:   time.Duration(p.ConnectTimeoutMs) * time.Millisecond,
		QueryTimeout:     time.Duration(p.QueryTimeoutMs) * time.Millisecond,
		PublishTimeout:   time.Duration(p.PublishTimeoutMs) * time.Millisecond,
		BackoffInitial:   time.Duration(p.BackoffInitialMs) * time.Millisecond,
		BackoffMax:       time.Duration(p.BackoffMaxMs) * time.Millisecond,
		QueriesPerSecond: p.QueriesPerSecond,
		QueryBurst:       p.QueryBurst,
		Logger:           logger,
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	logger.LogStartup(version, commit)

	fmt.Println("Opening cache...")
	store, err := cache.Open(ctx, &cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer store.Close()
	fmt.Printf("  Cache ready at %s\n", cfg.Cache.Path)

	opts := relayOptions(cfg, logger)

	fmt.Println("Connecting relay sets...")
	userRelays := relay.NewManager(ctx, "user", cfg.Relays.User, opts)
	defer userRelays.Close()
	fmt.Printf("  User relays: %d valid\n", userRelays.Size())

	collector := ops.NewDiagnosticsCollector(version, commit, store.DB())
	collector.RegisterRelaySet("user", userRelays.Diagnostics)

	sets := []*relay.Manager{userRelays}

	var bootstrapRelays *relay.Manager
	if len(cfg.Relays.Bootstrap) > 0 {
		bootstrapRelays = relay.NewManager(ctx, "bootstrap", cfg.Relays.Bootstrap, opts)
		defer bootstrapRelays.Close()
		sets = append(sets, bootstrapRelays)
		collector.RegisterRelaySet("bootstrap", bootstrapRelays.Diagnostics)
		fmt.Printf("  Bootstrap relays: %d valid\n", bootstrapRelays.Size())
	}

	if len(cfg.Relays.Wallet) > 0 {
		walletRelays := relay.NewManager(ctx, "wallet", cfg.Relays.Wallet, opts)
		defer walletRelays.Close()
		sets = append(sets, walletRelays)
		collector.RegisterRelaySet("wallet", walletRelays.Diagnostics)
		fmt.Printf("  Wallet relays: %d valid\n", walletRelays.Size())
	}

	if cfg.Relays.Upload.URL != "" {
		pool, err := relay.NewSessionPool(ctx, cfg.Relays.Upload.URL, cfg.Relays.Upload.PoolSize, opts)
		if err != nil {
			return fmt.Errorf("failed to create upload pool: %w", err)
		}
		defer pool.Close()
		fmt.Printf("  Upload pool: %d sessions to %s\n", cfg.Relays.Upload.PoolSize, cfg.Relays.Upload.URL)
	}

	owner := cfg.Identity.Pubkey
	classifier := ingest.NewClassifier(owner, cfg.Feeds.VerifySignatures, logger)

	// Seed the viewer's mute list before the first feed query so its
	// suppression applies from the first page on. Bootstrap relays carry
	// account metadata; fall back to the user set.
	seedFrom := userRelays
	if bootstrapRelays != nil && bootstrapRelays.Size() > 0 {
		seedFrom = bootstrapRelays
	}
	if err := seedMuteList(ctx, seedFrom, store, classifier, owner); err != nil {
		logger.Warn("mute list seed failed", "error", err)
	}

	fmt.Println("Starting feed mediators...")
	home := feeds.NewMediator(owner, feeds.LatestFeed(owner), store, userRelays, classifier, cfg.Feeds.PageSize, logger)
	notifications := feeds.NewMediator(owner, feeds.NotificationsFeed(owner), store, userRelays, classifier, cfg.Feeds.PageSize, logger)
	mediators := []*feeds.Mediator{home, notifications}

	for _, m := range mediators {
		if _, err := m.Load(ctx, feeds.Refresh); err != nil {
			// Relays may be unreachable at boot; the periodic loop retries.
			logger.Warn("initial refresh failed", "error", err)
		}
	}
	fmt.Printf("  %d mediators running\n", len(mediators))

	// Periodic prepend keeps feeds current without a live subscription.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, m := range mediators {
					if _, err := m.Load(ctx, feeds.Prepend); err != nil {
						logger.Debug("periodic prepend failed", "error", err)
					}
				}
			}
		}
	}()

	fmt.Println()
	fmt.Println("All services started successfully.")
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// SIGHUP dumps a diagnostics report; interrupt shuts down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		diag, err := collector.CollectAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error collecting diagnostics: %v\n", err)
			continue
		}
		fmt.Print(diag.FormatAsText())
	}

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	logger.LogShutdown("signal")
	cancel()

	for _, set := range sets {
		for _, status := range set.Diagnostics() {
			if status.Failures > 0 {
				fmt.Printf("  %s: %d reconnects during this run\n", status.URL, status.Failures)
			}
		}
	}

	fmt.Println("Shutdown complete")
	return nil
}

// seedMuteList fetches the viewer's kind-10000 mute list and runs it
// through ingestion so query-time filtering is in place before any feed
// loads.
func seedMuteList(ctx context.Context, relays *relay.Manager, store *cache.Store, classifier *ingest.Classifier, owner string) error {
	events, err := relays.Query(ctx, relay.Request{
		Verb:    "mutelist",
		Payload: map[string]any{"pubkey": owner},
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	return store.InTx(ctx, func(tx *cache.Tx) error {
		_, err := classifier.Run(ctx, tx, events)
		return err
	})
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
