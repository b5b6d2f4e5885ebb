package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/brandon/email-archiver/internal/config"
	"github.com/brandon/email-archiver/internal/llm"
	"github.com/brandon/email-archiver/internal/provider"
	"github.com/brandon/email-archiver/internal/store"
	syncer "github.com/brandon/email-archiver/internal/sync"
	"github.com/brandon/email-archiver/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")

	providerName = flag.String("provider", "", "Mail provider: gmail, m365 or imap")
	since        = flag.String("since", "", "Archive messages received since this date (YYYY-MM-DD)")
	afterID      = flag.String("after-id", "", "Archive messages received after this message ID (unsupported, use -since)")
	messageID    = flag.String("id", "", "Archive a single message by provider message ID")
	query        = flag.String("query", "", "Provider query string (Gmail search syntax, M365 $search)")
	incremental  = flag.Bool("incremental", false, "Resume from the last saved checkpoint")
	localOnly    = flag.Bool("local-only", false, "Process already downloaded files only, no downloads")

	classify    = flag.Bool("classify", false, "Classify messages with the configured LLM")
	extract     = flag.Bool("extract", false, "Extract structured metadata with the configured LLM")
	reprocessAI = flag.Bool("reprocess-ai", false, "Re-run AI stages on already archived messages")
	retryAI     = flag.Bool("retry-ai", false, "Re-run AI stages on messages whose previous AI run failed, then exit")

	downloadDir    = flag.String("download-dir", "", "Directory for .eml files (default: <data-dir>/downloads)")
	metadataOutput = flag.String("metadata-output", "", "Append classification metadata to this JSONL file")
	webhookURL     = flag.String("webhook-url", "", "Forward each new .eml file to this URL")
	webhookSecret  = flag.String("webhook-secret", "", "Authorization header value for the webhook")

	showStats = flag.Bool("stats", false, "Print archive statistics and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("email-archiver version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// CLI overrides
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}
	if *metadataOutput != "" {
		cfg.MetadataPath = *metadataOutput
	}
	if *webhookURL != "" {
		cfg.WebhookURL = *webhookURL
	}
	if *webhookSecret != "" {
		cfg.WebhookSecret = *webhookSecret
	}

	// Open the archive database
	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open archive database")
	}
	defer db.Close()
	st := store.NewStore(db, logger)

	if *showStats {
		printStats(st)
		return
	}

	if *providerName == "" {
		logger.Fatal("-provider is required (gmail, m365 or imap)")
	}
	prov := types.Provider(*providerName)
	if err := cfg.ValidateProvider(prov); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	var sinceTime time.Time
	if *since != "" {
		sinceTime, err = time.Parse("2006-01-02", *since)
		if err != nil {
			logger.WithError(err).Fatal("Invalid -since date, expected YYYY-MM-DD")
		}
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig).Info("Received shutdown signal, finishing current message")
		cancel()
	}()

	client, err := buildProvider(ctx, prov, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize provider")
	}

	opts := syncer.Options{
		Store:                st,
		Logger:               logger,
		DownloadDir:          cfg.DownloadDir,
		Since:                sinceTime,
		AfterID:              *afterID,
		MessageID:            *messageID,
		Query:                *query,
		Incremental:          *incremental,
		LocalOnly:            *localOnly,
		ReprocessAI:          *reprocessAI,
		LegacyCheckpointPath: cfg.LegacyCheckpointPath(),
	}

	// AI stages
	var breaker *llm.Breaker
	if *classify || *extract || *retryAI {
		if !cfg.AIConfigured() {
			logger.Fatal("AI processing requested but no LLM endpoint configured (set LLM_API_KEY or LLM_BASE_URL)")
		}
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			// local endpoints still want a placeholder
			apiKey = "not-needed"
		}
		llmClient := llm.NewClient(llm.ClientConfig{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, logger)
		breaker = llm.NewBreaker(logger)

		if *classify || *retryAI {
			opts.Classifier = llm.NewClassifier(llmClient, breaker, logger, cfg.LLM.Categories, cfg.LLM.SkipCategories)
		}
		if *extract || *retryAI {
			opts.Extractor = llm.NewExtractor(llmClient, breaker, logger)
		}
		logger.WithFields(logrus.Fields{
			"model":    cfg.LLM.Model,
			"endpoint": endpointLabel(cfg.LLM.BaseURL),
		}).Info("AI processing enabled")
	}

	// Side channels
	if cfg.MetadataPath != "" {
		meta, err := syncer.OpenMetadata(cfg.MetadataPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open metadata log")
		}
		defer meta.Close()
		opts.Metadata = meta
	}
	if cfg.WebhookURL != "" {
		opts.Webhook = syncer.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, logger)
	}

	runner := syncer.NewRunner(client, opts)

	if *retryAI {
		recovered, err := runner.RetryAI(ctx, 100)
		if err != nil {
			logger.WithError(err).Fatal("AI retry failed")
		}
		logger.WithField("recovered", recovered).Info("AI retry complete")
		if breaker != nil {
			logger.WithField("summary", breaker.Summary()).Info("AI call summary")
		}
		return
	}

	res, err := runner.Run(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Sync failed")
	}

	logger.WithFields(logrus.Fields{
		"run_id":     res.RunID,
		"listed":     res.Listed,
		"downloaded": res.Downloaded,
		"reused":     res.Reused,
		"skipped":    res.SkippedByCategory,
		"failed":     res.Failed,
		"cancelled":  res.Cancelled,
	}).Info("Archive run complete")

	if breaker != nil {
		logger.WithField("summary", breaker.Summary()).Info("AI call summary")
	}
}

func buildProvider(ctx context.Context, p types.Provider, cfg *config.Config, logger *logrus.Logger) (provider.Client, error) {
	switch p {
	case types.ProviderGmail:
		svc, err := provider.NewGmailService(ctx, cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.TokenPath)
		if err != nil {
			return nil, err
		}
		return provider.NewGmail(svc, logger), nil
	case types.ProviderM365:
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.M365.AccessToken})
		return provider.NewGraph(source, logger), nil
	case types.ProviderIMAP:
		return provider.NewIMAP(provider.IMAPConfig{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Mailbox:  cfg.IMAP.Mailbox,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", p)
	}
}

func printStats(st *store.Store) {
	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Archived messages: %d\n", stats.TotalArchived)
	fmt.Printf("Classified:        %d\n", stats.Classified)
	fmt.Printf("Extracted:         %d\n", stats.Extracted)
	if len(stats.Categories) > 0 {
		fmt.Println("Categories:")
		for cat, n := range stats.Categories {
			fmt.Printf("  %-15s %d\n", cat, n)
		}
	}
}

func endpointLabel(baseURL string) string {
	if baseURL == "" {
		return "OpenAI"
	}
	return baseURL
}
