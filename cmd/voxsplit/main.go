package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voxsplit/internal/api"
	"voxsplit/internal/config"
	"voxsplit/internal/engine/pyannote"
	fileutil "voxsplit/internal/file"
	"voxsplit/internal/notify"
	"voxsplit/internal/storage"
	"voxsplit/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// .env is optional; it only seeds the process environment
	_ = godotenv.Load()

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.StorageDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("ensure storage dir")
	}
	if err := fileutil.EnsureDir(filepath.Dir(cfg.DBPath)); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("ensure db dir")
	}

	store, err := task.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open task store")
	}
	defer func() { _ = store.Close() }()

	stor, err := storage.New(cfg.StorageDir, cfg.StorageCapacityMB)
	if err != nil {
		log.Fatal().Err(err).Msg("prepare storage layout")
	}

	manager := buildManager(cfg, store, stor)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.SetBaseContext(baseCtx)

	if err := manager.ResumePending(); err != nil {
		log.Warn().Err(err).Msg("resume pending tasks")
	}

	sweeper := task.NewSweeper(store, stor, manager,
		cfg.RetentionWindow(), cfg.TaskTimeout(), cfg.SweepInterval())
	go sweeper.Run(baseCtx)

	router := setupRouter()
	api.NewAPI(manager).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()
	gracefulShutdown(srv, baseCancel, manager)
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())
	return r
}

func buildManager(cfg config.Config, store *task.Store, stor *storage.Manager) *task.Manager {
	eng := pyannote.New(pyannote.Config{BaseURL: cfg.EngineURL})
	notifier := notify.New(cfg.CallbackRetries)
	return task.NewManager(store, stor, eng, notifier, task.Options{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		TaskTimeout:        cfg.TaskTimeout(),
		SupportedFormats:   cfg.SupportedFormats,
		MaxFileSizeBytes:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		EngineRetries:      cfg.EngineRetries,
		EngineBackoff:      cfg.EngineBackoff(),
	})
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, manager *task.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !manager.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
