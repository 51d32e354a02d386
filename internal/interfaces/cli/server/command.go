package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaycore/internal/application/relay/usecases"
	"relaycore/internal/domain/relay"
	"relaycore/internal/infrastructure/config"
	"relaycore/internal/infrastructure/database"
	"relaycore/internal/infrastructure/metrics"
	"relaycore/internal/infrastructure/migration"
	"relaycore/internal/infrastructure/persistence"
	"relaycore/internal/infrastructure/ruleconfig"
	relaysvc "relaycore/internal/infrastructure/services/relay"
	"relaycore/internal/infrastructure/statushub"
	"relaycore/internal/shared/db"
	"relaycore/internal/shared/logger"
)

var (
	env                string
	configPath         string
	autoMigrate        bool
	skipMigrationCheck bool
)

// NewCommand builds the "server" subcommand: it boots the forwarding
// engine, loads declared rules, and serves the operator status
// websocket until a shutdown signal arrives.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the relay server",
		Long:  `Start the relaycore forwarding engine and operator status endpoint with the specified configuration.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./configs/config.yaml)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Automatically run database migrations on startup (not recommended for production)")
	cmd.Flags().BoolVar(&skipMigrationCheck, "skip-migration-check", false, "Skip migration status check on startup")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if envVar := os.Getenv("ENV"); envVar != "" {
		env = envVar
	}

	cfg, err := config.Load(env, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	log := logger.NewLogger()
	log.Infow("starting relaycore", "environment", env, "auto_migrate", autoMigrate)

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := handleMigrations(log); err != nil {
		return fmt.Errorf("migration handling failed: %w", err)
	}

	gormDB := database.Get()
	ruleRepo := persistence.NewRuleRepository(gormDB)
	accessRuleRepo := persistence.NewAccessRuleRepository(gormDB)
	accessPolicy := persistence.NewAccessPolicy(accessRuleRepo)
	connSink := persistence.NewConnectionSink(gormDB)

	metricsSink := metrics.NewRedisMetricsSink(&cfg.Redis, log)
	metricsSink.Start()
	defer metricsSink.Stop()

	statusHub := statushub.NewHub(log)
	defer statusHub.Close()

	scheduler := relaysvc.NewTimerScheduler("relay", 4, log)

	engine := relaysvc.NewEngine(&cfg.Engine, accessPolicy, connSink, metricsSink, statusHub, scheduler, log)

	tm := db.NewTransactionManager(gormDB)

	activateUC := usecases.NewActivateRuleUseCase(ruleRepo, engine, log)
	reconcileUC := usecases.NewReconcileRulesUseCase(ruleRepo, accessRuleRepo, engine, tm, log)

	if err := activateEnabledRules(cmd.Context(), ruleRepo, activateUC, log); err != nil {
		log.Warnw("failed to activate persisted rules at startup", "error", err)
	}

	reconcile := func(rules []ruleconfig.ParsedRule) {
		reconcileUC.Execute(context.Background(), rules)
	}

	watcher, initial, err := ruleconfig.NewWatcher(cfg.RulesPath, reconcile, log)
	if err != nil {
		log.Warnw("declarative rules file unavailable, continuing with database-managed rules only", "path", cfg.RulesPath, "error", err)
	} else {
		reconcileUC.Execute(context.Background(), initial)
		if err := watcher.Start(); err != nil {
			log.Warnw("failed to start rules file watcher", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/status/ws", statusHub)

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("status endpoint listening", "address", cfg.Server.GetAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("status endpoint failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down relaycore")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("status endpoint forced to shutdown", "error", err)
	}
	engine.Shutdown(ctx)

	log.Infow("relaycore exited gracefully")
	return nil
}

// activateEnabledRules brings every persisted, enabled rule online at
// startup. A single rule's failure is logged and skipped rather than
// aborting the whole boot.
func activateEnabledRules(ctx context.Context, repo relay.RuleRepository, uc *usecases.ActivateRuleUseCase, log logger.Interface) error {
	rules, err := repo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled rules: %w", err)
	}
	for _, rule := range rules {
		if err := uc.Execute(ctx, usecases.ActivateRuleCommand{RuleID: rule.ID()}); err != nil {
			log.Warnw("failed to activate rule at startup", "rule_id", rule.ID(), "name", rule.Name(), "error", err)
		}
	}
	return nil
}

func handleMigrations(log logger.Interface) error {
	if skipMigrationCheck {
		log.Infow("skipping migration check")
		return nil
	}

	if autoMigrate {
		if env == "production" {
			log.Warnw("auto-migration is enabled in production environment - this is not recommended")
		}
		log.Infow("running auto-migration")
		if err := database.Get().AutoMigrate(migration.AutoMigrateModels()...); err != nil {
			return fmt.Errorf("auto-migration failed: %w", err)
		}
		log.Infow("auto-migration completed successfully")
		return nil
	}

	scriptsPath, err := filepath.Abs("./internal/infrastructure/migration/scripts")
	if err != nil {
		log.Warnw("failed to resolve migration scripts path", "error", err)
		return nil
	}

	strategy := migration.NewGooseStrategy(scriptsPath)
	if gooseStrategy, ok := strategy.(*migration.GooseStrategy); ok {
		version, err := gooseStrategy.GetVersion(database.Get())
		if err != nil {
			log.Warnw("failed to check migration status", "error", err)
		} else {
			log.Infow("current migration version", "version", version)
		}
	}

	return nil
}
