package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikesibiu/BudgetTranslate/internal/asr"
	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/server"
	"github.com/mikesibiu/BudgetTranslate/internal/store"
	"github.com/mikesibiu/BudgetTranslate/internal/translate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	terms, err := config.NewHotTerms(cfg.TermsConfig)
	if err != nil {
		return fmt.Errorf("load terms: %w", err)
	}
	terms.Watch()

	translator, err := translate.NewGoogle(ctx, translate.Options{
		Project:         cfg.Project,
		Location:        cfg.Location,
		Model:           cfg.TranslationModel,
		GlossaryEnabled: cfg.GlossaryEnabled,
		CredentialsJSON: cfg.CredentialsJSON,
	})
	if err != nil {
		return fmt.Errorf("init translator: %w", err)
	}
	defer translator.Close()

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	asrFactory := func(ctx context.Context, language string) (asr.StreamFactory, error) {
		t := terms.Get()
		return asr.NewGoogleFactory(ctx, language, t.PhraseHints, t.PhraseBoost, cfg.CredentialsJSON)
	}

	srv := server.New(cfg, terms, translator, asrFactory, db)

	slog.Info("budgettranslate started",
		"port", cfg.Port,
		"maxConnections", cfg.MaxConnections,
		"maxPerIP", cfg.MaxConnectionsPerIP,
		"inactivityTimeout", cfg.InactivityTimeout,
		"glossary", cfg.GlossaryEnabled,
		"model", cfg.TranslationModel)

	return srv.Run(ctx)
}
