package security

import (
	"net/http/httptest"
	"testing"
)

func testConfig() Config {
	return Config{
		Enabled:           true,
		MaxBodyBytes:      4096,
		APIRate:           1000,
		APIBurst:          2000,
		MineIPRate:        1,
		MineIPBurst:       3,
		MineUserRate:      1,
		MineUserBurst:     2,
		AuthFailWindowSec: 20,
		AuthFailThreshold: 3,
		BanSec:            120,
		EntryTTLMin:       15,
	}
}

func TestMineBursts(t *testing.T) {
	g := New(testConfig())

	for i := 0; i < 3; i++ {
		if !g.AllowMineIP("10.0.0.1") {
			t.Fatalf("request %d inside burst denied", i)
		}
	}
	if g.AllowMineIP("10.0.0.1") {
		t.Fatal("request beyond burst allowed")
	}
	if !g.AllowMineIP("10.0.0.2") {
		t.Fatal("other ip throttled")
	}

	if !g.AllowMineUser(7) || !g.AllowMineUser(7) {
		t.Fatal("user burst denied")
	}
	if g.AllowMineUser(7) {
		t.Fatal("user beyond burst allowed")
	}
	if !g.AllowMineUser(8) {
		t.Fatal("other user throttled")
	}
	if !g.AllowMineUser(0) {
		t.Fatal("anonymous user must pass through")
	}
}

func TestAuthFailBan(t *testing.T) {
	g := New(testConfig())

	g.RecordAuthFail("10.0.0.9")
	g.RecordAuthFail("10.0.0.9")
	if g.IsBanned("10.0.0.9") {
		t.Fatal("banned below threshold")
	}
	g.RecordAuthFail("10.0.0.9")
	if !g.IsBanned("10.0.0.9") {
		t.Fatal("not banned at threshold")
	}
	if g.AllowAPI("10.0.0.9") {
		t.Fatal("banned ip allowed through api limiter")
	}
	if g.IsBanned("10.0.0.10") {
		t.Fatal("unrelated ip banned")
	}
}

func TestDisabledGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	g := New(cfg)

	for i := 0; i < 100; i++ {
		if !g.AllowMineIP("10.0.0.1") {
			t.Fatal("disabled guard denied a request")
		}
	}
	g.RecordAuthFail("10.0.0.1")
	if g.IsBanned("10.0.0.1") {
		t.Fatal("disabled guard banned an ip")
	}
}

func TestClientIP(t *testing.T) {
	g := New(testConfig())

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	if ip := g.ClientIP(r); ip != "192.0.2.1" {
		t.Fatalf("ip = %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := g.ClientIP(r); ip != "203.0.113.5" {
		t.Fatalf("forwarded ip = %q", ip)
	}

	r.Header.Set("CF-Connecting-IP", "198.51.100.7")
	if ip := g.ClientIP(r); ip != "198.51.100.7" {
		t.Fatalf("cf ip = %q", ip)
	}
}
