package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apsidal/beamline-core/internal/auth"
	"github.com/apsidal/beamline-core/internal/catalog"
	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/infrastructure/config"
	"github.com/apsidal/beamline-core/internal/infrastructure/logging"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/motorpos"
	"github.com/apsidal/beamline-core/internal/scan"
)

const (
	testJWTSecret    = "test-secret-key-at-least-32-characters-long"
	adminPassword    = "aperture-flux-2931"
	observerPassword = "corundum-gaze-7025"
)

// testDB creates a temporary SQLite database with the run catalog,
// motor position, and account schemas applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE runs (
			uid TEXT PRIMARY KEY,
			plan_name TEXT NOT NULL,
			plan_args TEXT,
			metadata TEXT,
			hints TEXT,
			start_time TEXT NOT NULL,
			stop_time TEXT,
			exit_status TEXT,
			reason TEXT,
			num_events INTEGER NOT NULL DEFAULT 0
		) STRICT;

		CREATE INDEX idx_runs_plan_name ON runs(plan_name);
		CREATE INDEX idx_runs_start_time ON runs(start_time);

		CREATE TABLE run_streams (
			uid TEXT PRIMARY KEY,
			run_uid TEXT NOT NULL,
			name TEXT NOT NULL,
			data_keys TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (run_uid, name),
			FOREIGN KEY (run_uid) REFERENCES runs(uid) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE run_events (
			uid TEXT PRIMARY KEY,
			stream_uid TEXT NOT NULL,
			seq_num INTEGER NOT NULL,
			time TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamps TEXT NOT NULL,
			FOREIGN KEY (stream_uid) REFERENCES run_streams(uid) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_run_events_stream ON run_events(stream_uid, seq_num);

		CREATE TABLE motor_positions (
			uid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			save_time TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_motor_positions_name ON motor_positions(name);

		CREATE TABLE motor_position_axes (
			position_uid TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			motor_name TEXT NOT NULL,
			readback REAL NOT NULL,
			offset REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (position_uid, ordinal),
			FOREIGN KEY (position_uid) REFERENCES motor_positions(uid) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			email TEXT,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'observer',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_by TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
		) STRICT;

		CREATE TABLE refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			device_info TEXT,
			expires_at TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_refresh_tokens_user ON refresh_tokens(user_id);
		CREATE INDEX idx_refresh_tokens_family ON refresh_tokens(family_id);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}
	return db
}

// testServer builds a Server over a simulated beamline: two sim motors,
// a run engine wired to a SQLite catalog, a position store, and two
// seeded accounts (beamline_admin, guest_observer).
func testServer(t *testing.T) (*Server, *instrument.Registry) {
	t.Helper()

	sim := devices.NewSim()
	sim.SimulateMotor("TEST:m1", 1000)
	sim.SimulateMotor("TEST:m2", 1000)

	reg := instrument.NewRegistry()
	for _, cfg := range []struct{ prefix, name string }{
		{"TEST:m1", "stage_x"}, {"TEST:m2", "stage_y"},
	} {
		m := devices.NewMotor(cfg.prefix, cfg.name)
		if err := m.Connect(context.Background(), sim); err != nil {
			t.Fatalf("connect %s: %v", cfg.name, err)
		}
		if err := reg.Register(m); err != nil {
			t.Fatalf("register %s: %v", cfg.name, err)
		}
	}

	db := testDB(t)
	cat := catalog.NewSQLiteRepository(db)
	engine := scan.NewEngine("25-ID-C", "Advanced Photon Source", "test")
	engine.Subscribe(cat)

	users := auth.NewUserRepository(db)
	for _, u := range []struct {
		username, password string
		role               auth.Role
	}{
		{"beamline_admin", adminPassword, auth.RoleAdmin},
		{"guest_observer", observerPassword, auth.RoleObserver},
	} {
		hash, err := auth.HashPassword(u.password)
		if err != nil {
			t.Fatalf("hashing password: %v", err)
		}
		err = users.Create(context.Background(), &auth.User{
			Username:     u.username,
			DisplayName:  u.username,
			PasswordHash: hash,
			Role:         u.role,
			IsActive:     true,
		})
		if err != nil {
			t.Fatalf("seeding user %s: %v", u.username, err)
		}
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testJWTSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:    log,
		Beamline:  "25-ID-C",
		Registry:  reg,
		Engine:    engine,
		Catalog:   cat,
		Positions: motorpos.NewService(motorpos.NewSQLiteRepository(db), reg),
		Users:     users,
		Tokens:    auth.NewTokenRepository(db),
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Initialise hub for tests
	srv.hub = NewHub(srv.wsCfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, reg
}

// login authenticates against the router and returns the token pair.
func login(t *testing.T, router http.Handler, username, password string) tokenResponse {
	t.Helper()

	body := `{"username": "` + username + `", "password": "` + password + `"}`
	w := request(router, http.MethodPost, "/api/v1/auth/login", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	return resp
}

// request performs one request against the router, attaching a bearer
// token when given.
func request(router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// waitForPosition polls a motor's readback until it reaches the target.
func waitForPosition(t *testing.T, reg *instrument.Registry, name string, want float64) {
	t.Helper()

	d, err := reg.Find(name)
	if err != nil {
		t.Fatalf("find %s: %v", name, err)
	}
	m, ok := d.(devices.Movable)
	if !ok {
		t.Fatalf("%s is not movable", name)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pos, err := m.Position(context.Background())
		if err == nil && math.Abs(pos-want) < 1e-3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	pos, _ := m.Position(context.Background())
	t.Fatalf("%s = %g, want %g", name, pos, want)
}

// ─── Health & Middleware Tests ─────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := request(router, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["beamline"] != "25-ID-C" {
		t.Errorf("beamline = %v, want 25-ID-C", resp["beamline"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := request(router, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "console-4a-1187")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "console-4a-1187" {
		t.Errorf("X-Request-ID = %q, want console-4a-1187", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := request(router, http.MethodGet, "/api/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func TestLogin_Success(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	resp := login(t, router, "beamline_admin", adminPassword)
	if resp.AccessToken == "" {
		t.Error("expected access_token to be non-empty")
	}
	if resp.RefreshToken == "" {
		t.Error("expected refresh_token to be non-empty")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.Role != auth.RoleAdmin {
		t.Errorf("role = %q, want admin", resp.Role)
	}
	if resp.ExpiresIn != 15*60 {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, 15*60)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"username": "beamline_admin", "password": "wrong"}`
	w := request(router, http.MethodPost, "/api/v1/auth/login", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"username": "nobody", "password": "anything"}`
	w := request(router, http.MethodPost, "/api/v1/auth/login", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRefresh_RotationAndReuseDetection(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	first := login(t, router, "beamline_admin", adminPassword)

	// Rotate: the old refresh token is spent, a new pair comes back.
	body := `{"refresh_token": "` + first.RefreshToken + `"}`
	w := request(router, http.MethodPost, "/api/v1/auth/refresh", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d; body: %s", w.Code, w.Body.String())
	}
	var second tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Error("refresh did not rotate the token")
	}

	// Replaying the spent token must fail and revoke the family.
	w = request(router, http.MethodPost, "/api/v1/auth/refresh", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// The successor is collateral damage of the family revocation.
	body = `{"refresh_token": "` + second.RefreshToken + `"}`
	w = request(router, http.MethodPost, "/api/v1/auth/refresh", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("post-revocation status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestProtectedRoute_MissingToken(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := request(router, http.MethodGet, "/api/v1/devices", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var apiErr Error
	if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if apiErr.Code != ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeUnauthorized)
	}
}

func TestProtectedRoute_WrongScheme(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Token abcdef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMe(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/auth/me", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		User        auth.User         `json:"user"`
		Permissions []auth.Permission `json:"permissions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.User.Username != "beamline_admin" {
		t.Errorf("username = %q, want beamline_admin", resp.User.Username)
	}
	if len(resp.Permissions) == 0 {
		t.Error("expected a non-empty permission list")
	}
}

func TestObserverCannotOperate(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "guest_observer", observerPassword)

	// Reads work.
	w := request(router, http.MethodGet, "/api/v1/devices", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Errorf("list status = %d, want %d", w.Code, http.StatusOK)
	}

	// Moves and plan submissions do not.
	w = request(router, http.MethodPut, "/api/v1/devices/stage_x/set", tok.AccessToken, `{"target": 1.0}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("set status = %d, want %d", w.Code, http.StatusForbidden)
	}
	w = request(router, http.MethodPost, "/api/v1/plans", tok.AccessToken, `{"plan": "count"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("plan status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPost, "/api/v1/auth/ws-ticket", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ticket, ok := resp["ticket"].(string)
	if !ok || ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	if _, ok := srv.tickets.consume(ticket); !ok {
		t.Error("ticket should be valid on first use")
	}
	if _, ok := srv.tickets.consume(ticket); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	srv, _ := testServer(t)

	ticket := generateTicket()
	srv.tickets.mu.Lock()
	srv.tickets.tickets[ticket] = ticketEntry{
		expiresAt: time.Now().Add(-1 * time.Second),
	}
	srv.tickets.mu.Unlock()

	if _, ok := srv.tickets.consume(ticket); ok {
		t.Error("expired ticket should not be valid")
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Devices []deviceSummary `json:"devices"`
		Count   int             `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Devices[0].Name != "stage_x" || resp.Devices[1].Name != "stage_y" {
		t.Errorf("devices = %+v, want stage_x then stage_y", resp.Devices)
	}
	if !resp.Devices[0].Movable {
		t.Error("stage_x should be movable")
	}
}

func TestListDevices_FilterByLabel(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices?label=motors", tok.AccessToken, "")
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("motors count = %v, want 2", resp["count"])
	}

	w = request(router, http.MethodGet, "/api/v1/devices?label=shutters", tok.AccessToken, "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["count"].(float64)) != 0 {
		t.Errorf("shutters count = %v, want 0", resp["count"])
	}
}

func TestListLabels(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices/labels", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Labels map[string]int `json:"labels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Labels["motors"] != 2 {
		t.Errorf("labels = %v, want motors: 2", resp.Labels)
	}
}

func TestGetDevice(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices/stage_x", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Device   deviceSummary  `json:"device"`
		DataKeys map[string]any `json:"data_keys"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Device.Name != "stage_x" {
		t.Errorf("name = %q, want stage_x", resp.Device.Name)
	}
	if len(resp.DataKeys) == 0 {
		t.Error("expected data_keys to be non-empty")
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices/undulator_gap", tok.AccessToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDeviceReadings(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices/stage_x/readings", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Readings map[string]any `json:"readings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Readings) == 0 {
		t.Error("expected readings to be non-empty")
	}
}

func TestDeviceConfiguration(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/devices/stage_x/configuration", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Configuration map[string]any `json:"configuration"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Configuration) == 0 {
		t.Error("expected configuration to be non-empty")
	}
}

func TestSetDevice_MovesMotor(t *testing.T) {
	srv, reg := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPut, "/api/v1/devices/stage_x/set", tok.AccessToken, `{"target": 1.25}`)
	if w.Code != http.StatusOK && w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	waitForPosition(t, reg, "stage_x", 1.25)
}

func TestSetDevice_InvalidBody(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPut, "/api/v1/devices/stage_x/set", tok.AccessToken, "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestStopDevice(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPost, "/api/v1/devices/stage_x/stop", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "stopped" {
		t.Errorf("status = %q, want stopped", resp["status"])
	}
}

// ─── Plan Tests ────────────────────────────────────────────────────

func TestSubmitPlan_MoveMotors(t *testing.T) {
	srv, reg := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	body := `{"plan": "mv", "targets": {"stage_x": 2.5}}`
	w := request(router, http.MethodPost, "/api/v1/plans", tok.AccessToken, body)
	if w.Code != http.StatusOK && w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	waitForPosition(t, reg, "stage_x", 2.5)

	w = request(router, http.MethodGet, "/api/v1/plans/current", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("current status = %d; body: %s", w.Code, w.Body.String())
	}
	var status scan.RunStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.UID == "" {
		t.Error("expected a run uid")
	}
	if status.PlanName != "mv" {
		t.Errorf("plan_name = %q, want mv", status.PlanName)
	}
}

func TestSubmitPlan_UnknownPlan(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPost, "/api/v1/plans", tok.AccessToken, `{"plan": "tomography"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSubmitPlan_UnknownDevice(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	body := `{"plan": "mv", "targets": {"no_such_motor": 1.0}}`
	w := request(router, http.MethodPost, "/api/v1/plans", tok.AccessToken, body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSubmitPlan_InvalidParameters(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	// count with num 0 fails inside the engine before any motion.
	body := `{"plan": "count", "detectors": ["stage_x"], "num": 0}`
	w := request(router, http.MethodPost, "/api/v1/plans", tok.AccessToken, body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestCurrentPlan_NoRuns(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/plans/current", tok.AccessToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAbortPlan_NoRunInProgress(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPost, "/api/v1/plans/abort", tok.AccessToken, `{"reason": "test"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ─── Run Catalogue Tests ───────────────────────────────────────────

// runCountPlan executes a short count through the API and returns the
// run's uid once it has completed and landed in the catalog.
func runCountPlan(t *testing.T, srv *Server, router http.Handler, tok string) string {
	t.Helper()

	body := `{"plan": "count", "detectors": ["stage_x"], "num": 2}`
	w := request(router, http.MethodPost, "/api/v1/plans", tok, body)
	if w.Code != http.StatusOK && w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d; body: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := srv.engine.Status()
		if status.State == scan.StateCompleted {
			return status.UID
		}
		if status.State == scan.StateFailed || status.State == scan.StateAborted {
			t.Fatalf("run finished %s: %s", status.State, status.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not complete in time")
	return ""
}

func TestListRuns(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	uid := runCountPlan(t, srv, router, tok.AccessToken)

	w := request(router, http.MethodGet, "/api/v1/runs", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var result catalog.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	run := result.Runs[0]
	if run.UID != uid {
		t.Errorf("uid = %q, want %q", run.UID, uid)
	}
	if run.PlanName != "count" {
		t.Errorf("plan_name = %q, want count", run.PlanName)
	}
	if run.NumEvents != 2 {
		t.Errorf("num_events = %d, want 2", run.NumEvents)
	}
	if run.ExitStatus != string(scan.ExitSuccess) {
		t.Errorf("exit_status = %q, want %q", run.ExitStatus, scan.ExitSuccess)
	}
}

func TestListRuns_FilterByPlan(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	runCountPlan(t, srv, router, tok.AccessToken)

	w := request(router, http.MethodGet, "/api/v1/runs?plan=line_scan", tok.AccessToken, "")
	var result catalog.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("total for line_scan = %d, want 0", result.Total)
	}
}

func TestGetRunAndStreams(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	uid := runCountPlan(t, srv, router, tok.AccessToken)

	w := request(router, http.MethodGet, "/api/v1/runs/"+uid, tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d; body: %s", w.Code, w.Body.String())
	}
	var run catalog.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.PlanName != "count" {
		t.Errorf("plan_name = %q, want count", run.PlanName)
	}

	w = request(router, http.MethodGet, "/api/v1/runs/"+uid+"/streams", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("streams status = %d; body: %s", w.Code, w.Body.String())
	}
	var streams struct {
		Streams []catalog.Stream `json:"streams"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &streams); err != nil {
		t.Fatalf("unmarshal streams: %v", err)
	}
	if len(streams.Streams) != 1 || streams.Streams[0].Name != "primary" {
		t.Fatalf("streams = %+v, want one primary stream", streams.Streams)
	}

	w = request(router, http.MethodGet, "/api/v1/runs/"+uid+"/streams/primary/events", tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d; body: %s", w.Code, w.Body.String())
	}
	var events struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if events.Count != 2 {
		t.Errorf("event count = %d, want 2", events.Count)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodGet, "/api/v1/runs/"+scan.NewUID(), tok.AccessToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Motor Position Tests ──────────────────────────────────────────

func TestPositions_SaveRecallDelete(t *testing.T) {
	srv, reg := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Park the motor somewhere memorable, then snapshot it.
	d, err := reg.Find("stage_x")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	motor := d.(devices.Movable)
	if err := motor.Set(ctx, 1.5); err != nil {
		t.Fatalf("move: %v", err)
	}

	body := `{"name": "sample_transfer", "motors": ["stage_x"]}`
	w := request(router, http.MethodPost, "/api/v1/positions", tok.AccessToken, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("save status = %d; body: %s", w.Code, w.Body.String())
	}
	var pos motorpos.MotorPosition
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pos.UID == "" || len(pos.Motors) != 1 {
		t.Fatalf("position = %+v", pos)
	}

	w = request(router, http.MethodGet, "/api/v1/positions", tok.AccessToken, "")
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	// Drift away, then recall through the engine.
	if err := motor.Set(ctx, 0); err != nil {
		t.Fatalf("drift: %v", err)
	}
	w = request(router, http.MethodPost, "/api/v1/positions/"+pos.UID+"/recall", tok.AccessToken, "")
	if w.Code != http.StatusOK && w.Code != http.StatusAccepted {
		t.Fatalf("recall status = %d; body: %s", w.Code, w.Body.String())
	}
	waitForPosition(t, reg, "stage_x", 1.5)

	w = request(router, http.MethodDelete, "/api/v1/positions/"+pos.UID, tok.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body: %s", w.Code, w.Body.String())
	}
	w = request(router, http.MethodGet, "/api/v1/positions/"+pos.UID, tok.AccessToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSavePosition_MissingName(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	w := request(router, http.MethodPost, "/api/v1/positions", tok.AccessToken, `{"motors": ["stage_x"]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSavePosition_UnknownMotor(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	tok := login(t, router, "beamline_admin", adminPassword)

	body := `{"name": "bad", "motors": ["no_such_motor"]}`
	w := request(router, http.MethodPost, "/api/v1/positions", tok.AccessToken, body)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelDocuments: {}},
	}
	hub.Register(client)

	hub.Broadcast(ChannelDocuments, map[string]any{"doc_type": "start"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent {
			t.Errorf("type = %q, want %q", wsMsg.Type, WSTypeEvent)
		}
		if wsMsg.EventType != ChannelDocuments {
			t.Errorf("event_type = %q, want %q", wsMsg.EventType, ChannelDocuments)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelRuns: {}},
	}
	hub.Register(client)

	hub.Broadcast(ChannelDocuments, map[string]any{"doc_type": "event"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
		// OK — no message received
	}
}

func TestHub_ClientCount(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}
