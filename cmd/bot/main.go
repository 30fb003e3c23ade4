// Command bot runs the community activity bot: it serves the platform
// webhook, accrues activity points for registered group chats, and drives
// administrator broadcast sessions.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/faba-community/activity-bot/internal/bot"
	"github.com/faba-community/activity-bot/internal/config"
	httpapi "github.com/faba-community/activity-bot/internal/http"
	"github.com/faba-community/activity-bot/internal/observability"
	"github.com/faba-community/activity-bot/internal/registry"
	"github.com/faba-community/activity-bot/internal/repo"
	"github.com/faba-community/activity-bot/internal/services"
	"github.com/faba-community/activity-bot/internal/sysutil"
	"github.com/faba-community/activity-bot/internal/telegram"
)

const version = "1.2.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("load chat registry")
	}
	access := registry.NewAccessList(cfg.AdminIDs, cfg.OwnerID)
	log.Info().
		Int("chats", len(reg.All())).
		Int("test_chats", len(reg.TestChatIDs())).
		Int("admins", len(cfg.AdminIDs)).
		Msg("registry loaded")

	tg, err := telegram.New(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram authentication failed")
	}

	delivery := &services.DeliveryEngine{
		Transport:   tg,
		Concurrency: cfg.Broadcast.Concurrency,
		Retry: services.RetryPolicy{
			Attempts: cfg.Broadcast.RetryAttempts,
			Delay:    cfg.Broadcast.RetryDelay,
		},
	}
	ledger := &services.LedgerService{DB: db, Registry: reg, XP: cfg.XP}
	broadcast := &services.BroadcastService{
		Registry:      reg,
		Access:        access,
		Delivery:      delivery,
		BufferMax:     cfg.Broadcast.BufferMax,
		OwnerOnlyTest: cfg.Broadcast.OwnerOnlyTest,
	}
	dispatcher := &bot.Dispatcher{
		Ledger:    ledger,
		Broadcast: broadcast,
		Registry:  reg,
		Access:    access,
		Sender:    tg,
		Names:     tg,
	}

	if cfg.WebhookURL != "" {
		url := strings.TrimRight(cfg.WebhookURL, "/") + httpapi.WebhookPath(cfg.WebhookSecret)
		if err := tg.EnsureWebhook(url); err != nil {
			log.Fatal().Err(err).Msg("register webhook")
		}
		log.Info().Msg("webhook registered")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, dispatcher, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// Hourly sweep of expired webhook-dedup rows.
	purgeCtx, stopPurge := context.WithCancel(ctx)
	go purgeLoop(purgeCtx, db)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	stopPurge()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
}

// purgeLoop deletes expired ProcessedUpdate rows once an hour.
func purgeLoop(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := repo.PurgeExpiredUpdates(ctx, db, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("purge processed updates")
			} else if n > 0 {
				log.Debug().Int64("rows", n).Msg("purged processed updates")
			}
		}
	}
}
