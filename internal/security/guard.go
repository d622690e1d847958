package security

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	Enabled bool

	MaxBodyBytes int64

	APIRate  float64
	APIBurst int

	MineIPRate  float64
	MineIPBurst int

	MineUserRate  float64
	MineUserBurst int

	AuthFailWindowSec int64
	AuthFailThreshold int
	BanSec            int64

	EntryTTLMin int64
}

// Guard applies transport-level rate limits and short bans. It sits in front
// of the HTTP surface; the economy's own mining limits (cooldown, energy)
// live in the domain layer and are not replaced by it.
type Guard struct {
	cfg Config

	mu sync.Mutex

	ipLimiters   map[string]*entry
	userLimiters map[int64]*entry
	authFails    map[string]*failState
	bannedUntil  map[string]time.Time

	lastCleanup time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type failState struct {
	Count      int
	WindowFrom time.Time
	LastSeen   time.Time
}

func NewFromEnv() *Guard {
	cfg := Config{
		Enabled: envBool("SECURITY_ENABLED", true),

		MaxBodyBytes: envInt64("SECURITY_MAX_BODY_BYTES", 64*1024),

		APIRate:  envFloat64("SECURITY_API_RATE", 120),
		APIBurst: int(envInt64("SECURITY_API_BURST", 240)),

		MineIPRate:  envFloat64("SECURITY_MINE_IP_RATE", 10),
		MineIPBurst: int(envInt64("SECURITY_MINE_IP_BURST", 30)),

		MineUserRate:  envFloat64("SECURITY_MINE_USER_RATE", 5),
		MineUserBurst: int(envInt64("SECURITY_MINE_USER_BURST", 15)),

		AuthFailWindowSec: envInt64("SECURITY_AUTH_FAIL_WINDOW_SEC", 20),
		AuthFailThreshold: int(envInt64("SECURITY_AUTH_FAIL_THRESHOLD", 40)),
		BanSec:            envInt64("SECURITY_BAN_SEC", 120),

		EntryTTLMin: envInt64("SECURITY_ENTRY_TTL_MIN", 15),
	}
	if cfg.MaxBodyBytes < 4096 {
		cfg.MaxBodyBytes = 4096
	}
	if cfg.APIRate < 1 {
		cfg.APIRate = 1
	}
	if cfg.APIBurst < int(cfg.APIRate) {
		cfg.APIBurst = int(cfg.APIRate) * 2
	}
	if cfg.MineIPRate < 1 {
		cfg.MineIPRate = 1
	}
	if cfg.MineIPBurst < int(cfg.MineIPRate) {
		cfg.MineIPBurst = int(cfg.MineIPRate) * 2
	}
	if cfg.MineUserRate < 1 {
		cfg.MineUserRate = 1
	}
	if cfg.MineUserBurst < int(cfg.MineUserRate) {
		cfg.MineUserBurst = int(cfg.MineUserRate) * 2
	}
	if cfg.AuthFailWindowSec < 1 {
		cfg.AuthFailWindowSec = 1
	}
	if cfg.AuthFailThreshold < 1 {
		cfg.AuthFailThreshold = 1
	}
	if cfg.BanSec < 1 {
		cfg.BanSec = 1
	}
	if cfg.EntryTTLMin < 1 {
		cfg.EntryTTLMin = 1
	}

	return New(cfg)
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:          cfg,
		ipLimiters:   map[string]*entry{},
		userLimiters: map[int64]*entry{},
		authFails:    map[string]*failState{},
		bannedUntil:  map[string]time.Time{},
		lastCleanup:  time.Now().UTC(),
	}
}

func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

func (g *Guard) MaxBodyBytes() int64 {
	if g == nil {
		return 0
	}
	return g.cfg.MaxBodyBytes
}

func (g *Guard) ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	get := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return ""
		}
		if strings.Contains(s, ",") {
			s = strings.TrimSpace(strings.Split(s, ",")[0])
		}
		return s
	}
	if ip := get(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := get(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (g *Guard) IsBanned(ip string) bool {
	if !g.Enabled() {
		return false
	}
	if strings.TrimSpace(ip) == "" {
		return false
	}
	now := time.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bannedUntil[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.bannedUntil, ip)
		return false
	}
	return true
}

func (g *Guard) AllowAPI(ip string) bool {
	return g.allowIP(ip, rate.Limit(g.cfg.APIRate), g.cfg.APIBurst)
}

func (g *Guard) AllowMineIP(ip string) bool {
	return g.allowIP(ip, rate.Limit(g.cfg.MineIPRate), g.cfg.MineIPBurst)
}

func (g *Guard) AllowMineUser(userID int64) bool {
	if !g.Enabled() || userID <= 0 {
		return true
	}
	now := time.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)
	e := g.userLimiters[userID]
	if e == nil {
		e = &entry{lim: rate.NewLimiter(rate.Limit(g.cfg.MineUserRate), g.cfg.MineUserBurst)}
		g.userLimiters[userID] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

func (g *Guard) RecordAuthFail(ip string) {
	if !g.Enabled() {
		return
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	now := time.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	fs := g.authFails[ip]
	if fs == nil {
		fs = &failState{WindowFrom: now, LastSeen: now}
		g.authFails[ip] = fs
	}
	if now.Sub(fs.WindowFrom) > time.Duration(g.cfg.AuthFailWindowSec)*time.Second {
		fs.Count = 0
		fs.WindowFrom = now
	}
	fs.Count++
	fs.LastSeen = now
	if fs.Count >= g.cfg.AuthFailThreshold {
		g.bannedUntil[ip] = now.Add(time.Duration(g.cfg.BanSec) * time.Second)
		fs.Count = 0
		fs.WindowFrom = now
	}
}

func (g *Guard) allowIP(ip string, limit rate.Limit, burst int) bool {
	if !g.Enabled() {
		return true
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return true
	}
	now := time.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	if until, ok := g.bannedUntil[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(g.bannedUntil, ip)
	}

	e := g.ipLimiters[ip]
	if e == nil {
		e = &entry{lim: rate.NewLimiter(limit, burst)}
		g.ipLimiters[ip] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

func (g *Guard) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < 30*time.Second {
		return
	}
	g.lastCleanup = now
	ttl := time.Duration(g.cfg.EntryTTLMin) * time.Minute

	for ip, e := range g.ipLimiters {
		if e == nil || now.Sub(e.lastSeen) > ttl {
			delete(g.ipLimiters, ip)
		}
	}
	for uid, e := range g.userLimiters {
		if e == nil || now.Sub(e.lastSeen) > ttl {
			delete(g.userLimiters, uid)
		}
	}
	for ip, fs := range g.authFails {
		if fs == nil || now.Sub(fs.LastSeen) > ttl {
			delete(g.authFails, ip)
		}
	}
	for ip, until := range g.bannedUntil {
		if now.After(until) {
			delete(g.bannedUntil, ip)
		}
	}
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
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

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}
