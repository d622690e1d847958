package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"mega_coin/internal/abuse"
	"mega_coin/internal/achievements"
	"mega_coin/internal/config"
	"mega_coin/internal/httpapi"
	"mega_coin/internal/leaderboard"
	"mega_coin/internal/metrics"
	"mega_coin/internal/mining"
	"mega_coin/internal/moderation"
	"mega_coin/internal/referral"
	"mega_coin/internal/security"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
	"mega_coin/internal/store/postgres"
	"mega_coin/internal/tasks"
	"mega_coin/internal/tgbot"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp := settings.NewProvider(cfg.Economy)
	board := leaderboard.New()

	// store: Postgres when configured, in-memory otherwise
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		pg.SetOnCommit(board.Update)
		st = pg
		log.Printf("store: postgres")
	default:
		mem := store.NewMemory(cfg.CASAttempts)
		mem.SetOnCommit(board.Update)
		st = mem
		log.Printf("store: in-memory (no DATABASE_URL)")
	}
	warmLeaderboard(ctx, st, board)

	// abuse history: Redis when configured
	var hist abuse.History = abuse.NewMemHistory()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, falling back to in-memory history: %v", err)
		} else {
			hist = abuse.NewRedisHistory(rdb)
			log.Printf("abuse history: redis")
		}
	}

	monitor := abuse.NewMonitor(hist, sp)
	ach := achievements.NewEngine(st, achievements.DefaultRules(), cfg.DayZone)
	ref := referral.NewEngine(st, sp)
	miner := mining.NewProcessor(st, sp, monitor, ach, ref)
	gate := moderation.NewGate(st, sp, monitor)

	var catalog tasks.Catalog = tasks.NewMemCatalog()
	if cfg.DatabaseURL != "" {
		if sqlCat, err := tasks.OpenSQLCatalog(cfg.DatabaseURL); err != nil {
			log.Printf("task catalog on sql failed, using in-memory: %v", err)
		} else {
			defer sqlCat.Close()
			catalog = sqlCat
		}
	}
	taskEngine := tasks.NewEngine(st, catalog)

	if cfg.OwnerID > 0 {
		seedOwner(ctx, st, cfg.OwnerID)
	}

	if cfg.RunBot && cfg.BotToken != "" {
		bot, err := tgbot.New(cfg.BotToken, tgbot.Bot{
			Store:           st,
			Settings:        sp,
			Miner:           miner,
			Referrals:       ref,
			Achievements:    ach,
			Tasks:           taskEngine,
			Gate:            gate,
			Board:           board,
			BroadcastPerSec: cfg.BroadcastPerSec,
			TopK:            cfg.LeaderboardSize,
			StoreTimeout:    cfg.StoreTimeout,
		})
		if err != nil {
			log.Fatalf("tgbot: %v", err)
		}
		bot.StartPolling(ctx)
		log.Printf("tgbot: polling as @%s", bot.API.Self.UserName)
	}

	if !cfg.RunAPI {
		log.Printf("api disabled, waiting for shutdown signal")
		<-ctx.Done()
		return
	}

	mx := metrics.New()
	api := httpapi.NewServer(httpapi.Options{
		Store:        st,
		Settings:     sp,
		Miner:        miner,
		Referrals:    ref,
		Achievements: ach,
		Tasks:        taskEngine,
		Gate:         gate,
		Monitor:      monitor,
		Board:        board,
		Metrics:      mx,
		Guard:        security.NewFromEnv(),
		Auth:         httpapi.NewAuth(st, cfg.JWTSecret, cfg.AdminPasswordHash, cfg.JWTTTL),
		TopK:         cfg.LeaderboardSize,
		StoreTimeout: cfg.StoreTimeout,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("api: listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// warmLeaderboard replays stored accounts into the ranking index at startup.
func warmLeaderboard(ctx context.Context, st store.Store, board *leaderboard.Board) {
	start := time.Now()
	n := 0
	err := st.ForEach(ctx, func(a store.Account) error {
		board.Update(a)
		n++
		return nil
	})
	if err != nil {
		log.Printf("leaderboard warmup: %v", err)
		return
	}
	log.Printf("leaderboard: %d accounts in %s", n, time.Since(start).Round(time.Millisecond))
}

// seedOwner makes sure the configured owner account exists and holds the
// owner role, so moderation commands work on a fresh database.
func seedOwner(ctx context.Context, st store.Store, ownerID int64) {
	_, _, err := st.Create(ctx, store.Account{ID: ownerID, Role: store.RoleOwner, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("seed owner: %v", err)
		return
	}
	if _, err := st.Apply(ctx, ownerID, "", func(a *store.Account) error {
		a.Role = store.RoleOwner
		return nil
	}); err != nil {
		log.Printf("seed owner role: %v", err)
	}
}
