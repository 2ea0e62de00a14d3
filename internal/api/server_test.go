package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/db"
	"github.com/blockfort/blockfort/internal/game"
	"github.com/blockfort/blockfort/internal/health"
	"github.com/blockfort/blockfort/internal/network"
)

type fakeGame struct {
	conns     []network.ConnectionInfo
	players   []game.PlayerInfo
	kicked    []int
	bans      map[netip.Addr]string
	announced []string
	err       error
}

func newFakeGame() *fakeGame {
	return &fakeGame{
		conns: []network.ConnectionInfo{
			{ConnectionID: 0, PlayerID: 0, Address: "10.0.0.1:4000"},
			{ConnectionID: 1, PlayerID: -1, Address: "10.0.0.2:4000"},
		},
		players: []game.PlayerInfo{{ID: 0, ConnectionID: 0, Name: "Alice"}},
		bans:    make(map[netip.Addr]string),
	}
}

func (f *fakeGame) Counts() (int, int)   { return len(f.conns), len(f.players) }
func (f *fakeGame) Stats() network.Stats { return network.Stats{Datagrams: 42} }

func (f *fakeGame) Snapshot(ctx context.Context) ([]network.ConnectionInfo, error) {
	return f.conns, f.err
}

func (f *fakeGame) Kick(ctx context.Context, id int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, c := range f.conns {
		if c.ConnectionID == id {
			f.kicked = append(f.kicked, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGame) Players(ctx context.Context) ([]game.PlayerInfo, error) {
	return f.players, f.err
}

func (f *fakeGame) Ban(ctx context.Context, ip netip.Addr, reason string) (int, error) {
	f.bans[ip] = reason
	return 1, f.err
}

func (f *fakeGame) Unban(ctx context.Context, ip netip.Addr) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.bans[ip]; !ok {
		return errors.New("not banned")
	}
	delete(f.bans, ip)
	return nil
}

func (f *fakeGame) Announce(ctx context.Context, text string) (int, error) {
	f.announced = append(f.announced, text)
	return len(f.players), f.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.Name = "test-server"
	cfg.API.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T, audit AuditReader) (*Server, *fakeGame) {
	t.Helper()
	g := newFakeGame()
	return NewServer(testConfig(t), g, audit), g
}

func do(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, body := do(t, s, http.MethodGet, "/api/public/ping", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("ping = %d %v", w.Code, body)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, body := do(t, s, http.MethodGet, "/api/public/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if body["name"] != "test-server" || body["players"] != float64(1) || body["loading"] != float64(1) {
		t.Errorf("status body = %v", body)
	}
}

func TestConnectionsAndPlayers(t *testing.T) {
	s, g := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/api/connections", nil)
	if w.Code != http.StatusOK || body["total"] != float64(2) {
		t.Errorf("connections = %d %v", w.Code, body)
	}

	w, body = do(t, s, http.MethodGet, "/api/players", nil)
	if w.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("players = %d %v", w.Code, body)
	}

	g.err = network.ErrNotRunning
	w, _ = do(t, s, http.MethodGet, "/api/connections", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped dispatcher: got %d", w.Code)
	}
}

func TestKick(t *testing.T) {
	s, g := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/api/connections/1/kick", nil)
	if w.Code != http.StatusOK || len(g.kicked) != 1 || g.kicked[0] != 1 {
		t.Errorf("kick = %d, kicked %v", w.Code, g.kicked)
	}

	w, _ = do(t, s, http.MethodPost, "/api/connections/9/kick", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: got %d", w.Code)
	}

	w, _ = do(t, s, http.MethodPost, "/api/connections/abc/kick", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", w.Code)
	}
}

func TestBanAndUnban(t *testing.T) {
	s, g := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/bans", map[string]string{"ip": "10.0.0.5"})
	if w.Code != http.StatusOK || body["kicked"] != float64(1) {
		t.Fatalf("ban = %d %v", w.Code, body)
	}
	if g.bans[netip.MustParseAddr("10.0.0.5")] != "banned by operator" {
		t.Errorf("bans = %v", g.bans)
	}

	w, _ = do(t, s, http.MethodPost, "/api/bans", map[string]string{"ip": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad ip: got %d", w.Code)
	}

	w, _ = do(t, s, http.MethodDelete, "/api/bans/10.0.0.5", nil)
	if w.Code != http.StatusOK {
		t.Errorf("unban: got %d", w.Code)
	}
	w, _ = do(t, s, http.MethodDelete, "/api/bans/10.0.0.5", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second unban: got %d", w.Code)
	}
}

func TestAnnounce(t *testing.T) {
	s, g := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/announce", map[string]string{"text": " restart soon "})
	if w.Code != http.StatusOK || body["recipients"] != float64(1) {
		t.Fatalf("announce = %d %v", w.Code, body)
	}
	if len(g.announced) != 1 || g.announced[0] != "restart soon" {
		t.Errorf("announced = %v", g.announced)
	}

	w, _ = do(t, s, http.MethodPost, "/api/announce", map[string]string{"text": "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank text: got %d", w.Code)
	}
}

func TestAuditRoutes(t *testing.T) {
	store, err := db.NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	store.RecordSession(db.Session{Address: "10.0.0.1:1", Reason: "timeout", StartedAt: now, EndedAt: now})
	store.RecordAnomaly(db.Anomaly{Address: "10.0.0.1:1", Rate: 4, Threshold: 3, CreatedAt: now})

	s, _ := newTestServer(t, store)

	w, body := do(t, s, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("sessions = %d %v", w.Code, body)
	}

	w, body = do(t, s, http.MethodGet, "/api/anomalies?limit=10", nil)
	if w.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("anomalies = %d %v", w.Code, body)
	}

	w, _ = do(t, s, http.MethodGet, "/api/sessions?limit=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", w.Code)
	}
}

func TestAuditRoutesDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodGet, "/api/public/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("without checks: got %d, want 503", w.Code)
	}

	failing := false
	m := health.NewManager(0)
	m.Register("dispatcher", func(context.Context) error {
		if failing {
			return errors.New("stalled")
		}
		return nil
	})
	s.SetHealth(m)

	m.RunOnce(context.Background())
	w, body := do(t, s, http.MethodGet, "/api/public/health", nil)
	if w.Code != http.StatusOK || body["healthy"] != true {
		t.Errorf("healthy = %d %v", w.Code, body)
	}

	failing = true
	m.RunOnce(context.Background())
	w, body = do(t, s, http.MethodGet, "/api/public/health", nil)
	if w.Code != http.StatusServiceUnavailable || body["healthy"] != false {
		t.Errorf("failing = %d %v", w.Code, body)
	}
	checks, _ := body["checks"].([]interface{})
	if len(checks) != 1 {
		t.Fatalf("checks = %v", body["checks"])
	}
	if first, _ := checks[0].(map[string]interface{}); first["error"] != "stalled" {
		t.Errorf("check = %v", checks[0])
	}
}

func TestSetServerField(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/api/config/server", map[string]interface{}{"key": "name", "value": "renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d", w.Code)
	}
	if s.cfg.GetServer().Name != "renamed" {
		t.Errorf("name = %q", s.cfg.GetServer().Name)
	}

	w, _ = do(t, s, http.MethodPost, "/api/config/server", map[string]interface{}{"key": "bogus", "value": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown key: got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodGet, "/api/nothing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	if !rl.Allow("1.1.1.1", now) || !rl.Allow("1.1.1.1", now) {
		t.Fatal("burst should allow two requests")
	}
	if rl.Allow("1.1.1.1", now) {
		t.Error("third request in the same instant should be limited")
	}
	if !rl.Allow("2.2.2.2", now) {
		t.Error("other clients have their own bucket")
	}
	if !rl.Allow("1.1.1.1", now.Add(time.Second)) {
		t.Error("bucket should refill")
	}

	if n := rl.Sweep(now.Add(time.Hour), time.Minute); n != 2 {
		t.Errorf("swept %d, want 2", n)
	}

	if !NewRateLimiter(0).Allow("x", now) {
		t.Error("disabled limiter should allow")
	}
}
