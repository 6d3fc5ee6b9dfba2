package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/auth"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/devicemaster"
	"github.com/nerrad567/laserlink-core/internal/discovery"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/database"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/logging"
	_ "github.com/nerrad567/laserlink-core/migrations"
)

const (
	testJWTSecret = "test-secret-key-at-least-32-characters-long"
	testUUID      = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"
)

type fakeDiscovery struct {
	mu        sync.Mutex
	devices   []device.Info
	listeners map[string]discovery.Listener
	poked     []string
}

func (f *fakeDiscovery) Role() discovery.Role { return discovery.RoleMaster }
func (f *fakeDiscovery) CheckConnection() bool {
	return true
}

func (f *fakeDiscovery) Devices() []device.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeDiscovery) PokeIP(_ context.Context, ip string, _ discovery.PokeOptions) error {
	if ip == "bogus" {
		return discovery.ErrInvalidIP
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poked = append(f.poked, ip)
	return nil
}

func (f *fakeDiscovery) Register(id string, fn discovery.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[string]discovery.Listener)
	}
	f.listeners[id] = fn
}

func (f *fakeDiscovery) Unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}

func (f *fakeDiscovery) push(devices []device.Info) {
	f.mu.Lock()
	fns := make([]discovery.Listener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(devices)
	}
}

type fakeController struct {
	mu       sync.Mutex
	current  *device.Info
	ops      []string
	opErr    error
	selected error
}

func (f *fakeController) Select(_ context.Context, info device.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected != nil {
		return f.selected
	}
	f.current = &info
	return nil
}

func (f *fakeController) Current() (device.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return device.Info{}, false
	}
	return *f.current, true
}

func (f *fakeController) GetReport(context.Context) (device.Status, error) {
	return device.Status{StatusID: device.StatusRunning, Progress: 0.25}, nil
}

func (f *fakeController) op(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, name)
	return f.opErr
}

func (f *fakeController) Start(context.Context) error  { return f.op("start") }
func (f *fakeController) Pause(context.Context) error  { return f.op("pause") }
func (f *fakeController) Resume(context.Context) error { return f.op("resume") }
func (f *fakeController) Stop(context.Context) error   { return f.op("stop") }
func (f *fakeController) Quit(context.Context) error   { return f.op("quit") }
func (f *fakeController) Kick(context.Context) error   { return f.op("kick") }

type testEnv struct {
	srv     *Server
	handler http.Handler
	disc    *fakeDiscovery
	ctrl    *fakeController
	clients *auth.SQLiteClientRepository
	journal *audit.SQLiteRepository
	reg     *device.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	reg := device.NewRegistry(time.Minute)
	reg.UpdateBroadcast(device.Info{UUID: testUUID, Name: "beamo", Model: "fbm1", IPAddress: "10.0.0.2", Alive: true})

	env := &testEnv{
		disc:    &fakeDiscovery{devices: reg.Devices()},
		ctrl:    &fakeController{},
		clients: auth.NewClientRepository(db.DB),
		journal: audit.NewSQLiteRepository(db.DB),
		reg:     reg,
	}
	env.srv, err = New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:     config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
		},
		Logger:    logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Registry:  reg,
		Discovery: env.disc,
		Devices:   env.ctrl,
		Clients:   env.clients,
		Journal:   env.journal,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.handler = env.srv.buildRouter()
	return env
}

func (e *testEnv) addClient(t *testing.T, name, secret string, role auth.Role) {
	t.Helper()
	hash, err := auth.HashSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.clients.Create(context.Background(), &auth.Client{Name: name, SecretHash: hash, Role: role, IsActive: true}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(&auth.Client{ID: "cli-test", Role: role}, testJWTSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no deps error = nil")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" || body["discovery_role"] != "master" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Discovery.Devices != 1 || m.Discovery.BySource["firmware"] != 1 {
		t.Errorf("discovery metrics = %+v", m.Discovery)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "shop-pc", "s3cret", auth.RoleOperator)

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"name":"shop-pc","secret":"s3cret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body)
	}
	resp := decode[loginResponse](t, w)
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 900 || resp.Role != auth.RoleOperator {
		t.Errorf("login response = %+v", resp)
	}
	claims, err := auth.ParseToken(resp.AccessToken, testJWTSecret)
	if err != nil || claims.Role != auth.RoleOperator {
		t.Errorf("token claims = %+v, %v", claims, err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong secret", `{"name":"shop-pc","secret":"nope"}`, http.StatusUnauthorized},
		{"unknown client", `{"name":"ghost","secret":"s3cret"}`, http.StatusUnauthorized},
		{"bad name", `{"name":"a b","secret":"x"}`, http.StatusUnauthorized},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestProtectedRoutes(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/v1/devices/", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}

	viewer := env.token(t, auth.RoleViewer)
	if w := env.do(t, http.MethodGet, "/api/v1/devices/", viewer, ""); w.Code != http.StatusOK {
		t.Errorf("viewer list status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/"+testUUID+"/select", viewer, ""); w.Code != http.StatusForbidden {
		t.Errorf("viewer select status = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/discovery/poke", viewer, `{"ip":"10.0.0.9"}`); w.Code != http.StatusForbidden {
		t.Errorf("viewer poke status = %d, want 403", w.Code)
	}
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, auth.RoleOperator)

	w := env.do(t, http.MethodGet, "/api/v1/devices/", tok, "")
	list := decode[struct {
		Devices []device.Info `json:"devices"`
		Count   int           `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Devices[0].UUID != testUUID {
		t.Errorf("list = %+v", list)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/"+testUUID, tok, ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/1a2b3c4d-5e6f-7081-92a3-b4c5d6e7f809", tok, ""); w.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/current", tok, ""); w.Code != http.StatusNotFound {
		t.Errorf("current before select status = %d, want 404", w.Code)
	}
}

func TestSelectAndOperate(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, auth.RoleOperator)
	base := "/api/v1/devices/" + testUUID

	if w := env.do(t, http.MethodPost, base+"/start", tok, ""); w.Code != http.StatusConflict {
		t.Errorf("start before select status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/not-a-uuid/select", tok, ""); w.Code != http.StatusBadRequest {
		t.Errorf("select bad uuid status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/1a2b3c4d-5e6f-7081-92a3-b4c5d6e7f809/select", tok, ""); w.Code != http.StatusNotFound {
		t.Errorf("select unknown status = %d, want 404", w.Code)
	}

	if w := env.do(t, http.MethodPost, base+"/select", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("select status = %d, want 200 (%s)", w.Code, w.Body)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/current", tok, ""); w.Code != http.StatusOK {
		t.Errorf("current status = %d, want 200", w.Code)
	}

	for _, op := range []string{"start", "pause", "resume", "stop", "quit", "kick"} {
		if w := env.do(t, http.MethodPost, base+"/"+op, tok, ""); w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", op, w.Code)
		}
	}
	if len(env.ctrl.ops) != 6 {
		t.Errorf("ops = %v", env.ctrl.ops)
	}
	if w := env.do(t, http.MethodPost, base+"/explode", tok, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown op status = %d, want 404", w.Code)
	}

	w := env.do(t, http.MethodPost, base+"/report", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d, want 200", w.Code)
	}
	if st := decode[device.Status](t, w); st.StatusID != device.StatusRunning {
		t.Errorf("report = %+v", st)
	}
}

func TestDeviceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"auth", devicemaster.ErrAuth, http.StatusForbidden, devicemaster.CodeAuthError},
		{"serial", devicemaster.ErrUpdateSerialFailed, http.StatusBadGateway, devicemaster.CodeUpdateSerialFailed},
		{"no device", devicemaster.ErrNoDevice, http.StatusConflict, ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tok := env.token(t, auth.RoleOperator)
			info, _ := env.reg.Get(testUUID)
			env.ctrl.current = &info
			env.ctrl.opErr = tt.err

			w := env.do(t, http.MethodPost, "/api/v1/devices/"+testUUID+"/start", tok, "")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if e := decode[Error](t, w); e.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", e.Code, tt.wantBody)
			}
		})
	}
}

func TestPoke(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, auth.RoleOperator)

	if w := env.do(t, http.MethodPost, "/api/v1/discovery/poke", tok, `{"ip":"10.0.0.9","tcp":true}`); w.Code != http.StatusAccepted {
		t.Errorf("poke status = %d, want 202", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/discovery/poke", tok, `{"ip":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad poke status = %d, want 400", w.Code)
	}
	if len(env.disc.poked) != 1 || env.disc.poked[0] != "10.0.0.9" {
		t.Errorf("poked = %v", env.disc.poked)
	}
}

func TestWebSocket_DeviceEvents(t *testing.T) {
	env := newTestEnv(t)
	env.srv.watchDiscovery()
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without ticket succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without ticket response = %v, want 401", resp)
	}

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", env.token(t, auth.RoleViewer), "")
	ticket := decode[map[string]any](t, w)["ticket"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?ticket="+ticket, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelDevicesUpdated}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe ack = %+v, %v", ack, err)
	}

	env.disc.push(env.reg.Devices())

	var ev struct {
		Type      string        `json:"type"`
		EventType string        `json:"event_type"`
		Payload   []device.Info `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != ChannelDevicesUpdated || len(ev.Payload) != 1 {
		t.Errorf("event = %+v", ev)
	}

	// Tickets are single use.
	if _, _, err := websocket.DefaultDialer.Dial(wsURL+"?ticket="+ticket, nil); err == nil {
		t.Error("ticket accepted twice")
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ts.now = func() time.Time { return now }

	ticket, err := ts.issue("cli-1", auth.RoleViewer)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(ticketTTL + time.Second)
	if _, ok := ts.consume(ticket); ok {
		t.Error("expired ticket accepted")
	}

	if _, err := ts.issue("cli-1", auth.RoleViewer); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * ticketTTL)
	ts.clean()
	if len(ts.tickets) != 0 {
		t.Errorf("tickets after clean = %d, want 0", len(ts.tickets))
	}
}

func TestJournal(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "shop-pc", "s3cret", auth.RoleOperator)
	op := env.token(t, auth.RoleOperator)
	base := "/api/v1/devices/" + testUUID

	env.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"name":"shop-pc","secret":"wrong"}`)
	env.do(t, http.MethodPost, base+"/select", op, "")
	env.do(t, http.MethodPost, base+"/start", op, "")
	env.ctrl.opErr = devicemaster.ErrAuth
	env.do(t, http.MethodPost, base+"/pause", op, "")
	env.do(t, http.MethodPost, "/api/v1/discovery/poke", op, `{"ip":"bogus"}`)

	if w := env.do(t, http.MethodGet, "/api/v1/journal", op, ""); w.Code != http.StatusForbidden {
		t.Errorf("operator journal status = %d, want 403", w.Code)
	}

	admin := env.token(t, auth.RoleAdmin)
	w := env.do(t, http.MethodGet, "/api/v1/journal?limit=10", admin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("journal status = %d, want 200 (%s)", w.Code, w.Body)
	}
	res := decode[audit.ListResult](t, w)
	if res.Total != 5 {
		t.Fatalf("journal total = %d, want 5: %+v", res.Total, res.Entries)
	}

	want := map[string]string{
		audit.ActionLogin:  "invalid_credentials",
		audit.ActionSelect: audit.OutcomeOK,
		"start":            audit.OutcomeOK,
		"pause":            devicemaster.CodeAuthError,
		audit.ActionPoke:   "error",
	}
	for _, e := range res.Entries {
		if e.Outcome != want[e.Action] {
			t.Errorf("%s outcome = %q, want %q", e.Action, e.Outcome, want[e.Action])
		}
		if e.Action != audit.ActionLogin && e.ClientID != "cli-test" {
			t.Errorf("%s client = %q, want cli-test", e.Action, e.ClientID)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/journal?device="+testUUID+"&action=start", admin, "")
	if res := decode[audit.ListResult](t, w); res.Total != 1 {
		t.Errorf("filtered total = %d, want 1", res.Total)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/journal?limit=-1", admin, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}
