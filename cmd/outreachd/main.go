package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/covergrid/outreachd/internal/api"
	"github.com/covergrid/outreachd/internal/config"
	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/scheduler"
	"github.com/covergrid/outreachd/internal/storage"
	"github.com/covergrid/outreachd/internal/webhook"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "outreachd",
		Short: "outreachd — Scheduled outreach dispatcher and webhook fan-out",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(processCmd(&configPath))
	rootCmd.AddCommand(webhookCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the outreachd server and action runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			poller, planner, engine := buildCore(cfg, store, log)

			runner := scheduler.NewRunner(poller, cfg.Scheduler.PollInterval, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			runner.Start(ctx)

			server := api.NewServer(cfg.Server, store, poller, planner, engine, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Dur("poll_interval", cfg.Scheduler.PollInterval).
				Str("storage", cfg.Storage.Driver).
				Msg("outreachd is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			runner.Stop()

			log.Info().Msg("outreachd stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

// processCmd runs a single poll cycle and prints the result. Useful for
// cron-style deployments that don't keep the runner resident.
func processCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Process due actions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			poller, _, _ := buildCore(cfg, store, log)

			result, err := poller.ProcessDue(context.Background())
			if err != nil {
				return fmt.Errorf("failed to process due actions: %w", err)
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func webhookCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage partner webhook subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a webhook subscription for a partner",
		RunE: func(cmd *cobra.Command, args []string) error {
			partnerID, _ := cmd.Flags().GetString("partner")
			url, _ := cmd.Flags().GetString("url")
			events, _ := cmd.Flags().GetString("events")
			locationID, _ := cmd.Flags().GetString("location")
			if partnerID == "" || url == "" || events == "" {
				return fmt.Errorf("--partner, --url and --events are required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			sub := &models.WebhookSubscription{
				ID:         models.NewID("sub"),
				PartnerID:  partnerID,
				LocationID: locationID,
				URL:        url,
				Secret:     models.NewSecret(),
				Events:     strings.Split(events, ","),
				IsActive:   true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}

			if err := store.CreateSubscription(context.Background(), sub); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}

			fmt.Printf("created %s\n", sub.ID)
			fmt.Printf("secret: %s (shown once, store it now)\n", sub.Secret)
			return nil
		},
	}
	createCmd.Flags().String("partner", "", "partner ID")
	createCmd.Flags().String("url", "", "endpoint URL")
	createCmd.Flags().String("events", "", "comma-separated event types")
	createCmd.Flags().String("location", "", "optional location scope")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a partner's webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			partnerID, _ := cmd.Flags().GetString("partner")
			if partnerID == "" {
				return fmt.Errorf("--partner is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := store.ListSubscriptions(context.Background(), partnerID)
			if err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}

			if len(subs) == 0 {
				fmt.Println("No subscriptions found.")
				return nil
			}

			for _, sub := range subs {
				state := "active"
				if !sub.IsActive {
					state = "inactive"
				}
				if sub.Suppressed() {
					state = "suppressed"
				}
				fmt.Printf("  %s  %s  %s  [%s]\n", sub.ID, sub.URL, strings.Join(sub.Events, ","), state)
			}
			return nil
		},
	}
	listCmd.Flags().String("partner", "", "partner ID")

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show action and delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			actions, err := store.ActionStats(context.Background(), time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to get action stats: %w", err)
			}
			deliveries, err := store.DeliveryStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get delivery stats: %w", err)
			}

			out, _ := json.MarshalIndent(map[string]interface{}{
				"actions":    actions,
				"deliveries": deliveries,
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("outreachd v%s\n", version)
		},
	}
}

// buildCore wires the poller, planner and fan-out engine from config.
// Channel gateways are log-only until the telephony/SMS/email providers are
// connected; every dispatch is recorded but nothing leaves the process.
func buildCore(cfg *config.Config, store storage.Store, log zerolog.Logger) (*scheduler.Poller, *scheduler.Planner, *webhook.Engine) {
	gateways := map[models.ActionType]scheduler.Gateway{
		models.ActionCall:  loggingGateway("call", log),
		models.ActionSMS:   loggingGateway("sms", log),
		models.ActionEmail: loggingGateway("email", log),
	}

	dispatcher := scheduler.NewDispatcher(store, gateways, log)
	policy := scheduler.NewRetryPolicy(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap)
	poller := scheduler.NewPoller(store, dispatcher, policy, cfg.Scheduler.BatchLimit, log)
	planner := scheduler.NewPlannerWithMaxAttempts(store, cfg.Scheduler.MaxAttempts, log)

	sender := webhook.NewSender(cfg.Webhook.Timeout, log)
	recorder := webhook.NewRecorder(store, log)
	engine := webhook.NewEngine(store, sender, recorder, log)

	return poller, planner, engine
}

func loggingGateway(channel string, log zerolog.Logger) scheduler.Gateway {
	return scheduler.GatewayFunc(func(ctx context.Context, contact, message string) error {
		log.Info().
			Str("channel", channel).
			Str("contact", contact).
			Str("message", message).
			Msg("outbound dispatch")
		return nil
	})
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
