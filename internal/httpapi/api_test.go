package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mega_coin/internal/abuse"
	"mega_coin/internal/achievements"
	"mega_coin/internal/leaderboard"
	"mega_coin/internal/mining"
	"mega_coin/internal/moderation"
	"mega_coin/internal/referral"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
	"mega_coin/internal/tasks"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory(0)
	sp := settings.NewProvider(settings.Default())
	mon := abuse.NewMonitor(abuse.NewMemHistory(), sp)
	ach := achievements.NewEngine(st, achievements.DefaultRules(), time.UTC)
	ref := referral.NewEngine(st, sp)
	miner := mining.NewProcessor(st, sp, mon, ach, ref)
	miner.SetLuckyRoll(func() float64 { return 1 })

	board := leaderboard.New()
	st.SetOnCommit(board.Update)

	hash, err := bcrypt.GenerateFromPassword([]byte("panel-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := NewAuth(st, "test-secret", string(hash), time.Hour)
	auth.now = clock.Now

	api := NewServer(Options{
		Store:        st,
		Settings:     sp,
		Miner:        miner,
		Referrals:    ref,
		Achievements: ach,
		Tasks:        tasks.NewEngine(st, tasks.NewMemCatalog()),
		Gate:         moderation.NewGate(st, sp, mon),
		Monitor:      mon,
		Board:        board,
		Auth:         auth,
		Now:          clock.Now,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRegisterAndMine(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/v1/accounts", map[string]any{"id": 1, "username": "alice"}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d (%v)", resp.StatusCode, body)
	}

	resp, body = f.do(t, "POST", "/v1/accounts/1/mine", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mine status = %d (%v)", resp.StatusCode, body)
	}
	rewardBody := body["reward"].(map[string]any)
	if rewardBody["total"].(float64) != 100 {
		t.Fatalf("reward = %v", rewardBody)
	}

	// second mine the same day hits the cooldown
	resp, body = f.do(t, "POST", "/v1/accounts/1/mine", nil, "")
	if resp.StatusCode != http.StatusTooEarly {
		t.Fatalf("cooldown status = %d (%v)", resp.StatusCode, body)
	}
	if body["retry_at"] == nil {
		t.Fatalf("no retry_at in %v", body)
	}

	f.clock.Advance(24 * time.Hour)
	resp, _ = f.do(t, "POST", "/v1/accounts/1/mine", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mine after cooldown = %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/v1/accounts/1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d", resp.StatusCode)
	}
	// two mines plus the first-mine achievement credit
	if body["balance"].(float64) <= 200 {
		t.Fatalf("balance = %v", body["balance"])
	}
}

func TestRegisterRejectsBadReferral(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, "POST", "/v1/accounts", map[string]any{"id": 5, "referrer_id": 5}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-referral status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/v1/accounts", map[string]any{"id": 5, "referrer_id": 404}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown referrer status = %d", resp.StatusCode)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		f.do(t, "POST", "/v1/accounts", map[string]any{"id": i}, "")
		_, err := f.store.Apply(ctx, int64(i), "", func(a *store.Account) error {
			a.Balance = int64(i) * 100
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	req, _ := http.NewRequest("GET", f.srv.URL+"/v1/leaderboard?limit=2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[0]["id"].(float64) != 3 || entries[0]["rank"].(float64) != 1 {
		t.Fatalf("top entry = %v", entries[0])
	}
}

func TestTaskCompletionEndpoint(t *testing.T) {
	f := newFixture(t)

	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 1}, "")
	token := login(t, f, 1)

	resp, body := f.do(t, "POST", "/admin/tasks", map[string]any{"title": "Join channel"}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add task = %d (%v)", resp.StatusCode, body)
	}
	taskID := int64(body["ID"].(float64))

	resp, body = f.do(t, "POST", fmt.Sprintf("/v1/accounts/1/tasks/%d", taskID), nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d (%v)", resp.StatusCode, body)
	}
	if body["reward"].(float64) != 50 {
		t.Fatalf("reward = %v", body["reward"])
	}

	resp, _ = f.do(t, "POST", fmt.Sprintf("/v1/accounts/1/tasks/%d", taskID), nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat complete = %d", resp.StatusCode)
	}
}

func login(t *testing.T, f *fixture, id int64) string {
	t.Helper()
	_, err := f.store.Apply(context.Background(), id, "", func(a *store.Account) error {
		a.Role = store.RoleOwner
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, body := f.do(t, "POST", "/admin/login", map[string]any{"user_id": id, "password": "panel-pass"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d (%v)", resp.StatusCode, body)
	}
	return body["token"].(string)
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 1}, "")

	t.Run("no token", func(t *testing.T) {
		resp, _ := f.do(t, "GET", "/admin/stats", nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/admin/login", map[string]any{"user_id": 1, "password": "nope"}, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("unprivileged account", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/admin/login", map[string]any{"user_id": 1, "password": "panel-pass"}, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("owner flow", func(t *testing.T) {
		token := login(t, f, 1)

		resp, body := f.do(t, "GET", "/admin/stats", nil, token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stats = %d (%v)", resp.StatusCode, body)
		}
		if body["TotalAccounts"].(float64) != 1 {
			t.Fatalf("stats = %v", body)
		}

		resp, body = f.do(t, "POST", "/admin/config", map[string]any{"name": "mining_reward", "value": "250"}, token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("config set = %d (%v)", resp.StatusCode, body)
		}
		if body["mining_reward"].(string) != "250" {
			t.Fatalf("config = %v", body)
		}
	})
}

func TestSetPlanEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 1}, "")
	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 2}, "")
	token := login(t, f, 1)

	resp, body := f.do(t, "POST", "/admin/accounts/2/plan", map[string]any{"plan": "unlimited"}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set plan = %d (%v)", resp.StatusCode, body)
	}
	if body["plan"].(string) != "Unlimited" {
		t.Fatalf("plan = %v", body["plan"])
	}
	acct, err := f.store.Get(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if acct.PlanID != "unlimited" {
		t.Fatalf("stored plan = %q", acct.PlanID)
	}

	resp, _ = f.do(t, "POST", "/admin/accounts/2/plan", map[string]any{"plan": "nope"}, token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown plan = %d", resp.StatusCode)
	}
}

// stalledStore blocks reads until the request context gives up.
type stalledStore struct{ store.Store }

func (s stalledStore) Get(ctx context.Context, id int64) (store.Account, error) {
	<-ctx.Done()
	return store.Account{}, ctx.Err()
}

func TestStoreTimeoutBoundsRequests(t *testing.T) {
	s := &Server{storeTimeout: 5 * time.Second}
	var hasDeadline bool
	h := s.storeTimeoutMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/accounts/1", nil))
	if !hasDeadline {
		t.Fatal("request context has no deadline")
	}

	s.storeTimeout = 0
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/accounts/1", nil))
	if hasDeadline {
		t.Fatal("deadline applied with the timeout disabled")
	}
}

func TestStoreTimeoutAbortsStuckStore(t *testing.T) {
	sp := settings.NewProvider(settings.Default())
	api := NewServer(Options{
		Store:        stalledStore{store.NewMemory(0)},
		Settings:     sp,
		Auth:         NewAuth(nil, "", "", 0),
		StoreTimeout: 50 * time.Millisecond,
	})
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Get(srv.URL + "/v1/accounts/1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("stuck store held the handler past the timeout")
	}
}

func TestSuspendEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 1}, "")
	f.do(t, "POST", "/v1/accounts", map[string]any{"id": 2}, "")
	token := login(t, f, 1)

	resp, body := f.do(t, "POST", "/admin/accounts/2/suspend", map[string]any{"suspended": true}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend = %d (%v)", resp.StatusCode, body)
	}

	resp, _ = f.do(t, "POST", "/v1/accounts/2/mine", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("suspended mine = %d", resp.StatusCode)
	}
}
