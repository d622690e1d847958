package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mega_coin/internal/abuse"
	"mega_coin/internal/achievements"
	"mega_coin/internal/energy"
	"mega_coin/internal/leaderboard"
	"mega_coin/internal/metrics"
	"mega_coin/internal/mining"
	"mega_coin/internal/moderation"
	"mega_coin/internal/referral"
	"mega_coin/internal/security"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
	"mega_coin/internal/tasks"
)

// Server exposes the economy over REST. All state lives in the wired
// engines; handlers only translate HTTP to engine calls.
type Server struct {
	store        store.Store
	settings     *settings.Provider
	miner        *mining.Processor
	referrals    *referral.Engine
	achievements *achievements.Engine
	tasks        *tasks.Engine
	gate         *moderation.Gate
	monitor      *abuse.Monitor
	board        *leaderboard.Board
	metrics      *metrics.Metrics
	guard        *security.Guard
	auth         *Auth

	topK         int
	storeTimeout time.Duration
	now          func() time.Time
}

type Options struct {
	Store        store.Store
	Settings     *settings.Provider
	Miner        *mining.Processor
	Referrals    *referral.Engine
	Achievements *achievements.Engine
	Tasks        *tasks.Engine
	Gate         *moderation.Gate
	Monitor      *abuse.Monitor
	Board        *leaderboard.Board
	Metrics      *metrics.Metrics
	Guard        *security.Guard
	Auth         *Auth

	TopK         int
	StoreTimeout time.Duration
	Now          func() time.Time
}

func NewServer(o Options) *Server {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TopK <= 0 {
		o.TopK = 10
	}
	return &Server{
		store:        o.Store,
		settings:     o.Settings,
		miner:        o.Miner,
		referrals:    o.Referrals,
		achievements: o.Achievements,
		tasks:        o.Tasks,
		gate:         o.Gate,
		monitor:      o.Monitor,
		board:        o.Board,
		metrics:      o.Metrics,
		guard:        o.Guard,
		auth:         o.Auth,
		topK:         o.TopK,
		storeTimeout: o.StoreTimeout,
		now:          o.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware(func(req *http.Request) string {
			if ctx := chi.RouteContext(req.Context()); ctx != nil {
				if p := ctx.RoutePattern(); p != "" {
					return p
				}
			}
			return "unmatched"
		}))
	}
	r.Use(s.guardMiddleware)

	r.Route("/v1", func(r chi.Router) {
		// the live stream is long-lived, everything else is deadline-bounded
		r.Get("/leaderboard/live", s.handleLeaderboardWS)

		r.Group(func(r chi.Router) {
			r.Use(s.storeTimeoutMiddleware)
			r.Post("/accounts", s.handleRegister)
			r.Get("/accounts/{id}", s.handleProfile)
			r.Get("/accounts/{id}/energy", s.handleEnergy)
			r.Post("/accounts/{id}/mine", s.handleMine)
			r.Get("/accounts/{id}/achievements", s.handleAccountAchievements)
			r.Post("/accounts/{id}/tasks/{taskID}", s.handleCompleteTask)

			r.Get("/achievements", s.handleAchievementCatalog)
			r.Get("/tasks", s.handleTasks)
			r.Get("/leaderboard", s.handleLeaderboard)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.storeTimeoutMiddleware)
		r.Post("/admin/login", s.handleLogin)
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/flagged", s.handleFlagged)
			r.Post("/accounts/{id}/suspend", s.handleSuspend)
			r.Post("/accounts/{id}/role", s.handleSetRole)
			r.Post("/accounts/{id}/plan", s.handleSetPlan)
			r.Get("/config", s.handleConfigGet)
			r.Post("/config", s.handleConfigSet)
			r.Post("/tasks", s.handleAddTask)
			r.Delete("/tasks/{taskID}", s.handleRemoveTask)
			r.Get("/tasks/stats", s.handleTaskStats)
			r.Get("/broadcast/audience", s.handleAudience)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// storeTimeoutMiddleware bounds request contexts so a stuck store cannot
// hold a handler forever. A timed-out attempt aborts before any credit and
// is safe to retry.
func (s *Server) storeTimeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.storeTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.guard == nil || !s.guard.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		ip := s.guard.ClientIP(r)
		if s.guard.IsBanned(ip) || !s.guard.AllowAPI(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.guard.MaxBodyBytes())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps sentinel errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tasks.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrExists), errors.Is(err, tasks.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, referral.ErrInvalidReferral), errors.Is(err, moderation.ErrUnknownPlan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, moderation.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, mining.ErrSuspended):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type registerRequest struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	ReferrerID int64  `json:"referrer_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "id must be positive")
		return
	}
	acct, created, err := s.referrals.Register(r.Context(), req.ID, req.Username, req.FirstName, req.ReferrerID, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if s.metrics != nil {
			s.metrics.Accounts.Inc()
		}
	}
	writeJSON(w, status, s.accountView(acct))
}

type accountView struct {
	ID            int64    `json:"id"`
	Username      string   `json:"username"`
	Balance       int64    `json:"balance"`
	TotalMined    int64    `json:"total_mined"`
	MiningCount   int64    `json:"mining_count"`
	Level         int64    `json:"level"`
	Streak        int64    `json:"streak"`
	HighestStreak int64    `json:"highest_streak"`
	Plan          string   `json:"plan"`
	Suspended     bool     `json:"suspended"`
	ReferralCount int64    `json:"referral_count"`
	Achievements  []string `json:"achievements"`
	Rank          int      `json:"rank,omitempty"`
}

func (s *Server) accountView(a store.Account) accountView {
	set := s.settings.Snapshot()
	v := accountView{
		ID:            a.ID,
		Username:      a.Username,
		Balance:       a.Balance,
		TotalMined:    a.TotalMined,
		MiningCount:   a.MiningCount,
		Streak:        a.Streak,
		HighestStreak: a.HighestStreak,
		Plan:          set.Plan(a.PlanID).Name,
		Suspended:     a.Suspended,
		ReferralCount: a.ReferralCount,
		Achievements:  []string{},
	}
	if set.LevelThreshold > 0 {
		v.Level = a.TotalMined / set.LevelThreshold
	}
	for id, ok := range a.Achievements {
		if ok {
			v.Achievements = append(v.Achievements, id)
		}
	}
	if s.board != nil {
		v.Rank = s.board.Rank(a.ID)
	}
	return v
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	acct, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.accountView(acct))
}

type energyView struct {
	Plan      string    `json:"plan"`
	Available int64     `json:"available"`
	Capacity  int64     `json:"capacity"`
	ResetAt   time.Time `json:"reset_at"`
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	acct, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	set := s.settings.Snapshot()
	plan := set.Plan(acct.PlanID)
	now := s.now()
	writeJSON(w, http.StatusOK, energyView{
		Plan:      plan.Name,
		Available: energy.Available(plan, acct, now, set.DayZone),
		Capacity:  plan.Capacity,
		ResetAt:   energy.ResetAt(plan, acct, now, set.DayZone),
	})
}

type mineResponse struct {
	Account    accountView `json:"account"`
	Reward     rewardView  `json:"reward"`
	Unlocked   []string    `json:"unlocked,omitempty"`
	Suspicious bool        `json:"suspicious,omitempty"`
}

type rewardView struct {
	Base        int64 `json:"base"`
	Streak      int64 `json:"streak_bonus"`
	Level       int64 `json:"level_bonus"`
	Achievement int64 `json:"achievement_bonus"`
	Lucky       int64 `json:"lucky_bonus"`
	Weekly      int64 `json:"weekly_bonus"`
	Total       int64 `json:"total"`
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if s.guard != nil && s.guard.Enabled() {
		if !s.guard.AllowMineIP(s.guard.ClientIP(r)) || !s.guard.AllowMineUser(id) {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.miner.Mine(r.Context(), id, s.now())
	switch {
	case errors.Is(err, mining.ErrCooldown):
		s.countMine("cooldown")
		writeJSON(w, http.StatusTooEarly, map[string]any{
			"error":    "mining on cooldown",
			"retry_at": res.RetryAt,
		})
		return
	case errors.Is(err, energy.ErrExhausted):
		s.countMine("exhausted")
		writeJSON(w, http.StatusTooEarly, map[string]any{
			"error":    "energy exhausted",
			"reset_at": res.EnergyResetAt,
		})
		return
	case errors.Is(err, mining.ErrSuspended):
		s.countMine("suspended")
		writeError(w, http.StatusForbidden, "account suspended")
		return
	case err != nil:
		s.countMine("error")
		writeEngineError(w, err)
		return
	}
	s.countMine("ok")
	s.recordReward(res)

	resp := mineResponse{
		Account: s.accountView(res.Account),
		Reward: rewardView{
			Base:        res.Reward.Base,
			Streak:      res.Reward.StreakBonus,
			Level:       res.Reward.LevelBonus,
			Achievement: res.Reward.AchievementBonus,
			Lucky:       res.Reward.LuckyBonus,
			Weekly:      res.Reward.WeeklyBonus,
			Total:       res.Reward.Total,
		},
		Suspicious: res.Suspicious,
	}
	for _, rule := range res.Unlocked {
		resp.Unlocked = append(resp.Unlocked, rule.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) countMine(outcome string) {
	if s.metrics != nil {
		s.metrics.MinesTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) recordReward(res mining.MineResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.MinedTokens.Add(float64(res.Reward.Total))
	for kind, amount := range map[string]int64{
		"streak":      res.Reward.StreakBonus,
		"level":       res.Reward.LevelBonus,
		"achievement": res.Reward.AchievementBonus,
		"lucky":       res.Reward.LuckyBonus,
		"weekly":      res.Reward.WeeklyBonus,
	} {
		if amount > 0 {
			s.metrics.BonusTokens.WithLabelValues(kind).Add(float64(amount))
		}
	}
	s.metrics.Achievements.Add(float64(len(res.Unlocked)))
	if res.ReferralPaid {
		s.metrics.Referrals.Inc()
	}
	if res.Suspicious {
		s.metrics.Flagged.Set(float64(len(s.monitor.Flagged())))
	}
}

type achievementView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Reward      int64  `json:"reward"`
	BonusPct    int64  `json:"bonus_pct,omitempty"`
	Earned      bool   `json:"earned,omitempty"`
}

func (s *Server) handleAchievementCatalog(w http.ResponseWriter, r *http.Request) {
	out := make([]achievementView, 0)
	for _, rule := range s.achievements.Rules() {
		out = append(out, achievementView{
			ID: rule.ID, Name: rule.Name, Description: rule.Desc,
			Reward: rule.Reward, BonusPct: rule.BonusPct,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountAchievements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	acct, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]achievementView, 0)
	for _, rule := range s.achievements.Rules() {
		out = append(out, achievementView{
			ID: rule.ID, Name: rule.Name, Description: rule.Desc,
			Reward: rule.Reward, BonusPct: rule.BonusPct,
			Earned: acct.HasAchievement(rule.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.Catalog().List(r.Context(), true)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.tasks.Complete(r.Context(), id, taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TaskCompletes.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "reward": task.Reward})
}

type leaderboardEntry struct {
	Rank     int    `json:"rank"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

func (s *Server) leaderboardView(k int) []leaderboardEntry {
	top := s.board.Top(k)
	out := make([]leaderboardEntry, 0, len(top))
	for i, e := range top {
		out = append(out, leaderboardEntry{Rank: i + 1, ID: e.ID, Username: e.Username, Balance: e.Balance})
	}
	return out
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	k := s.topK
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			k = n
		}
	}
	writeJSON(w, http.StatusOK, s.leaderboardView(k))
}
