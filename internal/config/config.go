package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"mega_coin/internal/settings"
)

type Config struct {
	BotToken    string
	OwnerID     int64
	DatabaseURL string
	RedisURL    string
	ListenAddr  string
	RunAPI      bool
	RunBot      bool

	// bcrypt hash for the panel login plus the HS256 signing key
	AdminPasswordHash string
	JWTSecret         string
	JWTTTL            time.Duration

	DayZone      *time.Location
	StoreTimeout time.Duration
	CASAttempts  int

	LeaderboardSize int
	BroadcastPerSec int

	Economy settings.Settings
}

func mustEnv(key string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		log.Printf("missing env: %s, using default", key)
		return ""
	}
	return val
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Neon sometimes shows `psql 'postgresql://...'` examples. Accept them too.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Some consoles show `redis-cli -u redis://...` examples. Accept them too.
	// Also allow rediss:// (TLS).
	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	return s
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	listen := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listen == "" {
		port := strings.TrimSpace(os.Getenv("PORT"))
		if port == "" {
			port = "8080"
		}
		listen = ":" + port
	}

	zoneName := strings.TrimSpace(os.Getenv("DAY_TIMEZONE"))
	zone := time.UTC
	if zoneName != "" {
		loc, err := time.LoadLocation(zoneName)
		if err != nil {
			panic("DAY_TIMEZONE: " + err.Error())
		}
		zone = loc
	}

	econ := settings.Default()
	econ.DayZone = zone
	econ.MiningReward = envInt64("MINING_REWARD", econ.MiningReward)
	econ.ReferralReward = envInt64("REFERRAL_REWARD", econ.ReferralReward)
	econ.TaskDefaultReward = envInt64("TASK_DEFAULT_REWARD", econ.TaskDefaultReward)
	econ.Cooldown = envDuration("MINE_COOLDOWN", econ.Cooldown)
	econ.SuspiciousThreshold = int(envInt64("SUSPICIOUS_THRESHOLD", int64(econ.SuspiciousThreshold)))
	econ.SuspiciousWindow = envDuration("SUSPICIOUS_WINDOW", econ.SuspiciousWindow)
	econ.LevelThreshold = envInt64("LEVEL_THRESHOLD", econ.LevelThreshold)
	econ.EnergyCostPerMine = envInt64("ENERGY_COST_PER_MINE", econ.EnergyCostPerMine)
	if plan := strings.TrimSpace(os.Getenv("DEFAULT_PLAN")); plan != "" {
		econ.DefaultPlanID = plan
	}

	cfg := Config{
		BotToken:    mustEnv("BOT_TOKEN"),
		OwnerID:     envInt64("OWNER_ID", 0),
		DatabaseURL: normalizeDatabaseURL(os.Getenv("DATABASE_URL")),
		RedisURL:    normalizeRedisURL(os.Getenv("REDIS_URL")),
		ListenAddr:  listen,
		RunAPI:      envBool("RUN_API", true),
		RunBot:      envBool("RUN_BOT", true),

		AdminPasswordHash: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),
		JWTSecret:         strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTTTL:            envDuration("JWT_TTL", 12*time.Hour),

		DayZone:      zone,
		StoreTimeout: envDuration("STORE_TIMEOUT", 5*time.Second),
		CASAttempts:  int(envInt64("CAS_MAX_ATTEMPTS", 25)),

		LeaderboardSize: int(envInt64("LEADERBOARD_SIZE", 10)),
		BroadcastPerSec: int(envInt64("BROADCAST_PER_SEC", 16)),

		Economy: econ,
	}

	if cfg.Economy.SuspiciousThreshold < 1 {
		panic("SUSPICIOUS_THRESHOLD must be >= 1")
	}
	if cfg.Economy.MiningReward < 0 || cfg.Economy.ReferralReward < 0 {
		panic("rewards must be >= 0")
	}
	if cfg.Economy.Cooldown < 0 {
		panic("MINE_COOLDOWN must be >= 0")
	}
	if _, ok := cfg.Economy.Plans[cfg.Economy.DefaultPlanID]; !ok {
		panic("DEFAULT_PLAN must name a known plan")
	}
	if cfg.CASAttempts < 1 {
		cfg.CASAttempts = 1
	}
	if cfg.LeaderboardSize < 1 {
		cfg.LeaderboardSize = 10
	}
	if cfg.BroadcastPerSec < 1 {
		cfg.BroadcastPerSec = 1
	}
	if cfg.RunAPI && cfg.JWTSecret == "" {
		log.Printf("JWT_SECRET not set, admin API login disabled")
	}

	return cfg
}
