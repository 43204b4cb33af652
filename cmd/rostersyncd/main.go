package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	api "github.com/klassbridge/rostersync/internal/api/http"
	auth "github.com/klassbridge/rostersync/internal/auth/middleware"
	"github.com/klassbridge/rostersync/internal/config"
	"github.com/klassbridge/rostersync/internal/db"
	"github.com/klassbridge/rostersync/internal/engine"
	"github.com/klassbridge/rostersync/internal/export"
	"github.com/klassbridge/rostersync/internal/idp"
	"github.com/klassbridge/rostersync/internal/jobs"
	"github.com/klassbridge/rostersync/internal/lms"
	"github.com/klassbridge/rostersync/internal/logging"
	"github.com/klassbridge/rostersync/internal/rbac"
	"github.com/klassbridge/rostersync/internal/schema"
)

func main() {
	cfg := config.FromEnv()

	logger, err := logging.New(cfg.LogLevel, string(cfg.Mode))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer dbh.Close()

	store := lms.NewSQLStore(dbh)
	jobStore := jobs.NewSQLStore(dbh)

	// --- IdP ---
	idpClient := idp.NewKeycloak(idp.KeycloakConfig{
		BaseURL:      cfg.IdPURL,
		Realm:        cfg.IdPRealm,
		ClientID:     cfg.IdPClientID,
		ClientSecret: cfg.IdPClientSecret,
		Timeout:      cfg.IdPTimeout,
	}, logger.Named("idp"))

	// --- Engine factory ---
	schemas, err := loadSchemas(cfg)
	if err != nil {
		logger.Fatal("naming schemas", zap.Error(err))
	}
	opts := engine.Options{
		SuspendMissing:    cfg.SuspendUsers,
		UnenrolMissing:    cfg.UnenrollUsers,
		AutoEnrolTeachers: cfg.AutoEnrollTeachers,
		AutoEnrolStudents: cfg.AutoEnrollStudents,
		PageSize:          cfg.SyncPageSize,
		ParentCategoryID:  cfg.ParentCategoryID,
		Schemas:           schemas,
		TeacherRoleAttr:   cfg.TeacherRoleAttr,
		TeacherRoleValue:  cfg.TeacherRoleValue,
	}
	newEngine := func(sink engine.ProgressSink, o engine.Options) (*engine.Engine, error) {
		return engine.New(engine.Deps{
			IdP: idpClient, Users: store, Courses: store, Categories: store,
			Enrols: store, UserMap: store, Sink: sink, Log: logger.Named("engine"),
		}, o)
	}
	run := func(ctx context.Context, p jobs.StartParams, sink engine.ProgressSink) (*engine.Report, error) {
		o := opts.With(p.Overrides)
		o.Selected = p.Selected
		eng, err := newEngine(sink, o)
		if err != nil {
			return nil, err
		}
		return eng.Run(ctx)
	}
	preview := func(ctx context.Context) (*engine.PreviewResult, error) {
		eng, err := newEngine(engine.NopSink{}, opts)
		if err != nil {
			return nil, err
		}
		return eng.Preview(ctx)
	}

	runner := jobs.NewRunner(jobStore, run, logger.Named("runner"))
	if cfg.SyncEnabled {
		go runner.RunPeriodic(ctx, cfg.SyncInterval)
		logger.Info("scheduled sync enabled", zap.Duration("interval", cfg.SyncInterval))
	}

	// --- Export ---
	snap := export.NewSnapshotter(dbh, cfg, logger.Named("export"))
	exportDefaults := export.Options{
		OutDir:           cfg.SnapshotDir,
		CompressionLevel: cfg.ExportCompression,
		GzipSQL:          cfg.ExportGzipSQL,
		SplitThreshold:   cfg.ExportSplitThreshold,
	}

	// --- Auth ---
	authSvc := auth.NewAuthService(cfg.JWTSecret, map[string]auth.Account{
		cfg.AdminUser: {PassHash: cfg.AdminPassHash, Role: "admin"},
	})

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc))
	r.Get("/healthz", api.HealthzHandler())
	r.Get("/readyz", api.ReadyzHandler(dbh))

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))

		pr.With(rbac.Require("sync:preview")).
			Post("/api/sync/preview", api.PreviewHandler(preview, logger))
		pr.With(rbac.Require("sync:start")).
			Post("/api/sync/start", api.StartSyncHandler(runner, logger))
		pr.With(rbac.Require("sync:read")).
			Get("/api/sync/jobs", api.ListJobsHandler(runner, logger))
		pr.With(rbac.Require("sync:read")).
			Get("/api/sync/jobs/{syncID}", api.JobStatusHandler(runner, logger))
		pr.With(rbac.Require("sync:cancel")).
			Post("/api/sync/jobs/{syncID}/cancel", api.CancelJobHandler(runner, logger))
		pr.With(rbac.Require("sync:read")).
			Get("/api/sync/ongoing", api.OngoingHandler(runner, logger))

		pr.With(rbac.Require("export:run")).
			Post("/api/export", api.ExportHandler(snap, exportDefaults, logger))
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	runner.Wait()
	logger.Info("bye")
}

func loadSchemas(cfg config.Config) ([]schema.NamingSchema, error) {
	if cfg.NamingSchemasJSON == "" {
		return nil, nil // engine falls back to the built-ins
	}
	return schema.ParseSchemas(cfg.NamingSchemasJSON)
}
