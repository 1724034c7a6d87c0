package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/auth"
	"github.com/rxlytics/analyst-engine/pkg/catalog"
	"github.com/rxlytics/analyst-engine/pkg/config"
	"github.com/rxlytics/analyst-engine/pkg/database"
	"github.com/rxlytics/analyst-engine/pkg/executor"
	"github.com/rxlytics/analyst-engine/pkg/handlers"
	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/middleware"
	"github.com/rxlytics/analyst-engine/pkg/pipeline"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
	"github.com/rxlytics/analyst-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	migrationsPath   = "migrations"
	shutdownTimeout  = 10 * time.Second
	sessionPurgeTick = time.Hour
)

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", cfg.Database.Database),
		zap.String("llm_endpoint", cfg.LLM.Endpoint),
		zap.String("llm_model", cfg.LLM.Model))

	// Migrations run over database/sql; the app itself uses the pgx pool.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	if err := database.RunMigrations(migrationDB, migrationsPath, logger); err != nil {
		_ = migrationDB.Close()
		return err
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	llmClient, err := llm.NewClient(&llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)
	if err != nil {
		return err
	}

	users := repositories.NewUserRepository(db)
	convs := repositories.NewConversationRepository(db)
	msgs := repositories.NewMessageRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	queryRunner := executor.New(db, cfg.Agent.MaxRows, cfg.Agent.QueryTimeout(), logger)
	security := audit.NewSecurityAuditor(logger)
	pipe := pipeline.New(cat, llmClient, queryRunner, cfg.Agent, cfg.LLM.MaxRetries, security, logger)
	memorySvc := memory.NewService(convs, msgs, llmClient, logger)
	recorder := audit.NewRecorder(auditRepo, logger)

	authSvc := auth.NewService(users, cfg.Auth.SessionTTL(), logger)
	cookies := auth.NewCookieStore(cfg.Auth.CookieSecret, cfg.BaseURL, cfg.Auth.SessionTTL())
	mw := auth.NewMiddleware(authSvc, cookies, cfg.Auth.ServiceTokenSecret, logger)

	chatSvc := services.NewChatService(convs, msgs, pipe, memorySvc, recorder, logger)
	convSvc := services.NewConversationService(convs, msgs, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewAuthHandler(authSvc, cookies, mw, logger).RegisterRoutes(mux)
	handlers.NewConversationHandler(convSvc, mw, logger).RegisterRoutes(mux)
	handlers.NewChatHandler(chatSvc, mw, logger).RegisterRoutes(mux)
	if cfg.Auth.ServiceTokenSecret != "" {
		handlers.NewAuditHandler(auditRepo, mw, logger).RegisterRoutes(mux)
	}

	go purgeSessions(ctx, authSvc)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting analyst-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// purgeSessions deletes expired login sessions on a fixed interval.
func purgeSessions(ctx context.Context, svc *auth.Service) {
	ticker := time.NewTicker(sessionPurgeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.PurgeExpiredSessions(ctx)
		}
	}
}
