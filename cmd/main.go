/*
Package main is the entry point for the trivia backend.

It is responsible for loading configuration, initializing the global logging system,
connecting the database and optional match archive, wiring the gateway, session
manager, and matchmaker together, scheduling the periodic sweeps, and gracefully
handling operating system interrupt signals (SIGINT, SIGTERM) to ensure a smooth
server shutdown.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"triviad/internal/app/archive"
	"triviad/internal/app/game"
	"triviad/internal/app/question"
	"triviad/internal/app/store"
	"triviad/internal/configs"
	"triviad/internal/handler"
	"triviad/internal/pkg/logx"
)

const serverVersion = "1.0.0"

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.Environment == "development")
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("game_types", len(cfg.GameTypes)).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database pool with migrations applied
	pool, err := store.NewPool(cfg.DatabaseDSN)
	if err != nil {
		logx.Fatal(err, "Failed to connect to database")
	}
	st := store.New(pool, cfg.SyncTokenSecret)
	defer st.Close()

	// Match recorder, optionally mirrored into object storage
	rec, err := archive.New(st, archive.ServiceConfig{
		S3BucketName:      cfg.S3BucketName,
		S3Endpoint:        cfg.S3Endpoint,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		logx.Fatal(err, "Failed to initialize match archive")
	}

	// Question bank
	bank := question.DefaultBank(cfg.QuestionSeed)
	logx.Info("Question bank loaded", "questions", bank.Len())

	// Gateway, session manager, and matchmaker
	gateway := game.NewGateway()
	sessions := game.NewSessionManager(game.SessionConfig{
		Hold:          cfg.GraceHold,
		AuthWindow:    cfg.AuthWindow,
		ServerVersion: serverVersion,
	}, gateway, st, rec)
	matchmaker := game.NewMatchmaker(cfg.GameTypes, bank, rec, sessions)
	sessions.AttachRouter(matchmaker, matchmaker)
	gateway.SetHandler(sessions)

	// Periodic eviction and ban sweeps
	sweeper := cron.New(cron.WithSeconds())
	if _, err := sweeper.AddFunc(cfg.SweepCron, func() {
		sessions.SweepEvictions()
		gateway.SweepBans()
	}); err != nil {
		logx.Fatal(err, "Failed to schedule sweep job", "cron", cfg.SweepCron)
	}
	sweeper.Start()

	// Setup HTTP server and routes
	router := handler.Router(&handler.AppDeps{
		Gateway:  gateway,
		Sessions: sessions,
		Config:   cfg,
	})

	serverAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Trivia server starting on %s", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Fatal(err, "Server forced to shutdown")
	}

	<-sweeper.Stop().Done()

	logx.Info("Server gracefully stopped.")
}
