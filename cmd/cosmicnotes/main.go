package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmicnotes/internal/ai"
	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/cluster"
	"cosmicnotes/internal/config"
	"cosmicnotes/internal/db"
	httpx "cosmicnotes/internal/http"
	"cosmicnotes/internal/jobs"
	"cosmicnotes/internal/note"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, _ := config.Load()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	jwtSvc := auth.NewJWT(cfg.JWTSecret)
	model := ai.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel)

	extractor := &note.Extractor{AI: model, Threshold: cfg.TagConfidenceThreshold}
	builder := &cluster.Builder{DB: gdb, AI: model, Log: log}
	jobsRepo := &jobs.Repo{DB: gdb}

	noteSvc := &note.Service{
		DB:       gdb,
		Extract:  extractor,
		Clusters: builder,
		Jobs:     jobsRepo,
		Log:      log,
	}
	merger := &note.Merger{DB: gdb, Clusters: builder, Log: log}

	r := httpx.NewRouter(httpx.Deps{
		Config:  cfg,
		DB:      gdb,
		JWT:     jwtSvc,
		Notes:   noteSvc,
		Merger:  merger,
		Extract: extractor,
		Builder: builder,
	})

	// worker retries deferred cluster refreshes
	worker := &jobs.Worker{
		ID:       "worker-" + uuid.NewString(),
		Repo:     jobsRepo,
		Clusters: builder,
		Log:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
