package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/controlroom/internal/audit"
	"github.com/nerrad567/controlroom/internal/auth"
	"github.com/nerrad567/controlroom/internal/broker"
	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/infrastructure/config"
	"github.com/nerrad567/controlroom/internal/infrastructure/logging"
	"github.com/nerrad567/controlroom/internal/module"
	"github.com/nerrad567/controlroom/internal/process"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// stubModule is a loopback module that answers the handshake and records
// every other frame it receives.
type stubModule struct {
	port   int
	frames chan string
}

func newStubModule(t *testing.T, pcomms string) *stubModule {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	m := &stubModule{
		port:   ln.Addr().(*net.TCPAddr).Port,
		frames: make(chan string, 16),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			msg := string(buf[:n])
			if msg == module.HandshakeRequest {
				conn.Write([]byte(pcomms))
				continue
			}
			m.frames <- msg
		}
	}()
	return m
}

func (m *stubModule) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("module received no frame")
		return ""
	}
}

// connectedModule registers a module that is connected and handshaken.
func connectedModule(t *testing.T, reg *module.Registry, name, pcomms string, defaults map[string]string) *stubModule {
	t.Helper()
	stub := newStubModule(t, pcomms)
	c := module.NewConnection(module.Options{
		Name:           name,
		Port:           stub.port,
		PcommDefaults:  defaults,
		RetryInterval:  5 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
		ReadTimeout:    time.Second,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s) error = %v", name, err)
	}
	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake(%s) error = %v", name, err)
	}
	t.Cleanup(func() { c.StopSocket() })
	if err := reg.Add(c); err != nil {
		t.Fatalf("Add(%s) error = %v", name, err)
	}
	return stub
}

// idleModule registers a module that never connected.
func idleModule(t *testing.T, reg *module.Registry, name string) {
	t.Helper()
	if err := reg.Add(module.NewConnection(module.Options{Name: name, Port: 1})); err != nil {
		t.Fatalf("Add(%s) error = %v", name, err)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

type fakeCommandLog struct {
	got    audit.Filter
	result *audit.ListResult
	err    error
}

func (f *fakeCommandLog) Create(context.Context, *audit.Entry) error { return nil }

func (f *fakeCommandLog) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.got = filter
	return f.result, f.err
}

func testDeps(reg *module.Registry) Deps {
	return Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Registry: reg,
		Macros: []config.MacroConfig{
			{
				Name:           "warm-up",
				DefaultPayload: "{}",
				Steps: []config.MacroStep{
					{Module: "alpha", Command: "START"},
					{Module: "idle", Command: "START"},
				},
			},
			{
				Name:  "alpha-only",
				Steps: []config.MacroStep{{Module: "alpha", Command: "STOP", Payload: "now"}},
			},
		},
		State:   func() string { return "running" },
		Version: "test",
	}
}

func testServer(t *testing.T, mutate func(d *Deps)) (*Server, *eventLog) {
	t.Helper()
	log := &eventLog{}
	deps := testDeps(module.NewRegistry())
	deps.Events = log
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, log
}

func do(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Registry: module.NewRegistry()}); err == nil {
		t.Error("New() without logger: error = nil, want error")
	}
	deps := testDeps(nil)
	deps.Registry = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without registry: error = nil, want error")
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, nil)
	w := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" || body["state"] != "running" {
		t.Errorf("health = %v", body)
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	w = do(t, srv, http.MethodGet, "/api/v1/health", "", map[string]string{"X-Request-ID": "client-id-123"})
	if got := w.Header().Get("X-Request-ID"); got != "client-id-123" {
		t.Errorf("X-Request-ID = %q, want client-id-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t, nil)
	w := do(t, srv, http.MethodOptions, "/api/v1/modules", "", map[string]string{"Origin": "http://localhost:3000"})

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestModules_ListAndGet(t *testing.T) {
	srv, _ := testServer(t, nil)
	connectedModule(t, srv.registry, "alpha", "START|STOP", map[string]string{"START": "{}"})
	idleModule(t, srv.registry, "idle")

	w := do(t, srv, http.MethodGet, "/api/v1/modules", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	var list struct {
		Modules []module.Info `json:"modules"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 || list.Modules[0].Name != "alpha" || list.Modules[1].Name != "idle" {
		t.Fatalf("modules = %+v, want alpha then idle", list.Modules)
	}
	if !list.Modules[0].Connected || list.Modules[1].Connected {
		t.Errorf("connected flags = %v, %v; want true, false", list.Modules[0].Connected, list.Modules[1].Connected)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/modules/alpha", "", nil)
	var info module.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(info.Pcomms, ",") != "START,STOP" {
		t.Errorf("pcomms = %v, want [START STOP]", info.Pcomms)
	}
	if info.PcommDefaults["START"] != "{}" {
		t.Errorf("pcomm_defaults = %v", info.PcommDefaults)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/modules/ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d, want 404", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeUnknownModule {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeUnknownModule)
	}
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
		wantCode   string
		wantFrame  string
	}{
		{name: "explicit payload", target: "alpha", body: `{"command":"STOP","payload":"x=1"}`, wantStatus: http.StatusAccepted, wantFrame: "STOP|x=1"},
		{name: "default payload", target: "alpha", body: `{"command":"START"}`, wantStatus: http.StatusAccepted, wantFrame: "START|{}"},
		{name: "empty payload kept", target: "alpha", body: `{"command":"START","payload":""}`, wantStatus: http.StatusAccepted, wantFrame: "START|"},
		{name: "unknown module", target: "ghost", body: `{"command":"START"}`, wantStatus: http.StatusNotFound, wantCode: ErrCodeUnknownModule},
		{name: "unsupported command", target: "alpha", body: `{"command":"RESET"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeUnsupportedCommand},
		{name: "not connected", target: "idle", body: `{"command":"START"}`, wantStatus: http.StatusServiceUnavailable, wantCode: ErrCodeNotConnected},
		{name: "missing command", target: "alpha", body: `{"payload":"x"}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeValidation},
		{name: "invalid json", target: "alpha", body: `not json`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, log := testServer(t, nil)
			stub := connectedModule(t, srv.registry, "alpha", "START|STOP", map[string]string{"START": "{}"})
			idleModule(t, srv.registry, "idle")

			w := do(t, srv, http.MethodPost, "/api/v1/modules/"+tt.target+"/commands", tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantCode != "" {
				if e := decodeError(t, w); e.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
				}
				if n := len(log.all()); n != 0 {
					t.Errorf("events = %d, want 0 for a rejected command", n)
				}
				return
			}

			if got := stub.next(t); got != tt.wantFrame {
				t.Errorf("module received %q, want %q", got, tt.wantFrame)
			}
			evs := log.all()
			if len(evs) != 1 {
				t.Fatalf("events = %d, want 1", len(evs))
			}
			e := evs[0]
			if e.Kind != events.KindCommandSent || e.Source != SourceAPI || e.Target != "alpha" {
				t.Errorf("event = %+v", e)
			}
		})
	}
}

func TestSendErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", module.ErrUnknownModule), http.StatusNotFound},
		{fmt.Errorf("x: %w", module.ErrUnsupportedCommand), http.StatusUnprocessableEntity},
		{module.ErrNotConnected, http.StatusServiceUnavailable},
		{module.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("broken pipe"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got, _ := sendErrorStatus(tt.err); got != tt.want {
			t.Errorf("sendErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMacros(t *testing.T) {
	srv, log := testServer(t, nil)
	stub := connectedModule(t, srv.registry, "alpha", "START|STOP", nil)
	idleModule(t, srv.registry, "idle")

	w := do(t, srv, http.MethodGet, "/api/v1/macros", "", nil)
	var list struct {
		Macros []config.MacroConfig `json:"macros"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Macros) != 2 || list.Macros[0].Name != "warm-up" {
		t.Fatalf("macros = %+v, want config order", list.Macros)
	}

	// One step succeeds, one hits an idle module.
	w = do(t, srv, http.MethodPost, "/api/v1/macros/warm-up/run", "", nil)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("run status = %d, want 207", w.Code)
	}
	var run MacroRunResponse
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Sent != 1 || run.Failed != 1 {
		t.Errorf("sent, failed = %d, %d; want 1, 1", run.Sent, run.Failed)
	}
	if run.Steps[1].Code != ErrCodeNotConnected {
		t.Errorf("step 2 code = %q, want %q", run.Steps[1].Code, ErrCodeNotConnected)
	}
	if got := stub.next(t); got != "START|{}" {
		t.Errorf("module received %q, want macro default START|{}", got)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/macros/alpha-only/run", `{"payload":"override"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202", w.Code)
	}
	if got := stub.next(t); got != "STOP|override" {
		t.Errorf("module received %q, want STOP|override", got)
	}
	if n := len(log.all()); n != 2 {
		t.Errorf("command.sent events = %d, want 2", n)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/macros/ghost/run", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown macro status = %d, want 404", w.Code)
	}
}

func TestStepPayload(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.registry.Add(module.NewConnection(module.Options{
		Name:          "alpha",
		PcommDefaults: map[string]string{"START": "module-default"},
	})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	override := "override"

	tests := []struct {
		name     string
		macro    config.MacroConfig
		step     config.MacroStep
		override *string
		want     string
	}{
		{"override wins", config.MacroConfig{DefaultPayload: "m"}, config.MacroStep{Module: "alpha", Command: "START", Payload: "s"}, &override, "override"},
		{"step payload", config.MacroConfig{DefaultPayload: "m"}, config.MacroStep{Module: "alpha", Command: "START", Payload: "s"}, nil, "s"},
		{"macro default", config.MacroConfig{DefaultPayload: "m"}, config.MacroStep{Module: "alpha", Command: "START"}, nil, "m"},
		{"module default", config.MacroConfig{}, config.MacroStep{Module: "alpha", Command: "START"}, nil, "module-default"},
		{"unknown module", config.MacroConfig{}, config.MacroStep{Module: "ghost", Command: "START"}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := srv.stepPayload(tt.macro, tt.step, tt.override); got != tt.want {
				t.Errorf("stepPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListCommands(t *testing.T) {
	srv, _ := testServer(t, nil)
	w := do(t, srv, http.MethodGet, "/api/v1/commands", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", w.Code)
	}

	repo := &fakeCommandLog{result: &audit.ListResult{
		Entries: []audit.Entry{{ID: "cmd-1", Kind: string(events.KindCommandSent), Target: "alpha"}},
		Total:   1,
		Limit:   10,
	}}
	srv, _ = testServer(t, func(d *Deps) { d.CommandLog = repo })

	w = do(t, srv, http.MethodGet, "/api/v1/commands?kind=command.sent&target=alpha&limit=10&offset=5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := audit.Filter{Kind: "command.sent", Target: "alpha", Limit: 10, Offset: 5}
	if repo.got != want {
		t.Errorf("filter = %+v, want %+v", repo.got, want)
	}
	var result audit.ListResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 1 || result.Entries[0].ID != "cmd-1" {
		t.Errorf("result = %+v", result)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/commands?limit=abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}

	repo.err = errors.New("disk full")
	w = do(t, srv, http.MethodGet, "/api/v1/commands", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("repo error status = %d, want 500", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.BrokerStats = func() (broker.Stats, bool) { return broker.Stats{Routed: 3}, true }
		d.DispatcherStats = func() events.Stats { return events.Stats{Published: 4} }
	})
	idleModule(t, srv.registry, "idle")

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "", nil)
	var m SystemMetrics
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Modules.Total != 1 || m.Modules.Connected != 0 {
		t.Errorf("modules = %+v, want 1 total, 0 connected", m.Modules)
	}
	if m.Broker == nil || m.Broker.Routed != 3 {
		t.Errorf("broker = %+v, want routed 3", m.Broker)
	}
	if m.Events == nil || m.Events.Published != 4 {
		t.Errorf("events = %+v, want published 4", m.Events)
	}
	if m.LogSink != nil {
		t.Errorf("log_sink = %+v, want omitted when unmanaged", m.LogSink)
	}
}

func TestMetrics_LogSink(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.SinkStats = func() process.Stats {
			return process.Stats{Name: "log-sink", Status: process.StatusRunning, PID: 42, RestartCount: 2}
		}
	})

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "", nil)
	var m SystemMetrics
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.LogSink == nil {
		t.Fatal("log_sink missing")
	}
	if m.LogSink.PID != 42 || m.LogSink.RestartCount != 2 || m.LogSink.Status != process.StatusRunning {
		t.Errorf("log_sink = %+v, want pid 42, 2 restarts, running", m.LogSink)
	}
}

func issue(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, 5)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func TestAuth(t *testing.T) {
	viewer := issue(t, auth.RoleViewer)
	operator := issue(t, auth.RoleOperator)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{"health is open", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/modules", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/modules", "", "not-a-jwt", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/modules", "", viewer, http.StatusOK},
		{"viewer cannot send", http.MethodPost, "/api/v1/modules/alpha/commands", `{"command":"START"}`, viewer, http.StatusForbidden},
		{"viewer cannot run macro", http.MethodPost, "/api/v1/macros/alpha-only/run", "", viewer, http.StatusForbidden},
		{"operator sends", http.MethodPost, "/api/v1/modules/alpha/commands", `{"command":"START"}`, operator, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) {
				d.Security.JWT.Secret = testSecret
			})
			connectedModule(t, srv.registry, "alpha", "START|STOP", nil)

			header := map[string]string{}
			if tt.token != "" {
				header["Authorization"] = "Bearer " + tt.token
			}
			w := do(t, srv, tt.method, tt.path, tt.body, header)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header string
		want   string
	}{
		{"header", "/api/v1/modules", "Bearer abc", "abc"},
		{"lowercase scheme", "/api/v1/modules", "bearer abc", "abc"},
		{"wrong scheme", "/api/v1/modules", "Basic abc", ""},
		{"query on ws", "/api/v1/ws?token=qq", "", "qq"},
		{"query ignored elsewhere", "/api/v1/modules?token=qq", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

// startServer runs srv on a loopback port and returns its address.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv, _ := testServer(t, func(d *Deps) {
		d.Config.Port = ln.Addr().(*net.TCPAddr).Port
	})
	if err := srv.Start(context.Background()); err == nil {
		srv.Close()
		t.Fatal("Start() on a bound port: error = nil, want error")
	}
}

func TestWebSocket_EventStream(t *testing.T) {
	srv, _ := testServer(t, nil)
	addr := startServer(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{string(events.KindFrameRouted)}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readMessage(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	// Not subscribed: dropped.
	dropped := events.New(events.KindFrameDropped)
	srv.Hub().Observe(dropped)

	routed := events.New(events.KindFrameRouted)
	routed.Source, routed.Target, routed.Command, routed.Payload = "thismodule", "thatmodule", "START", "{}"
	srv.Hub().Observe(routed)

	msg := readMessage(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != string(events.KindFrameRouted) {
		t.Fatalf("message = %+v, want frame.routed event", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["id"] != routed.ID || payload["target"] != "thatmodule" {
		t.Errorf("payload = %v", payload)
	}

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-2",
		Payload: WSSubscribePayload{Channels: []string{"device.state_changed"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readMessage(t, ws); resp.Type != WSTypeError || resp.ID != "sub-2" {
		t.Errorf("unknown channel response = %+v, want error", resp)
	}

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if resp := readMessage(t, ws); resp.Type != WSTypePong {
		t.Errorf("ping response = %+v, want pong", resp)
	}
}

func TestWebSocket_AllChannel(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.New(config.LoggingConfig{Level: "error"}, "test"))
	client := newWSClient(hub, nil, "test")
	client.channels[WSChannelAll] = struct{}{}
	hub.Register(client)

	hub.Observe(events.New(events.KindCommandSent))
	hub.Observe(events.New(events.KindFrameDropped))

	if got := len(client.send); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if client.trySend([]byte("late")) {
		t.Error("trySend() to a stopped client = true, want false")
	}
}

func TestWebSocket_ModuleFilter(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.New(config.LoggingConfig{Level: "error"}, "test"))
	client := newWSClient(hub, nil, "test")
	hub.Register(client)

	client.handle([]byte(`{"type":"subscribe","id":"s","payload":{"channels":["frame.routed"],"modules":["thatmodule"]}}`))
	<-client.send // subscribe response

	tests := []struct {
		name   string
		kind   events.Kind
		source string
		target string
		want   bool
	}{
		{"target matches", events.KindFrameRouted, "thismodule", "thatmodule", true},
		{"source matches", events.KindFrameRouted, "thatmodule", "other", true},
		{"neither matches", events.KindFrameRouted, "thismodule", "other", false},
		{"wrong channel", events.KindCommandSent, "api", "thatmodule", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := events.New(tt.kind)
			e.Source, e.Target = tt.source, tt.target
			if got := client.wants(e); got != tt.want {
				t.Errorf("wants(%s %s->%s) = %v, want %v", tt.kind, tt.source, tt.target, got, tt.want)
			}
		})
	}
}

func TestWebSocket_FullBufferCountsDrops(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.New(config.LoggingConfig{Level: "error"}, "test"))
	client := newWSClient(hub, nil, "test")
	client.channels[WSChannelAll] = struct{}{}
	hub.Register(client)

	for i := 0; i < wsSendBuffer+3; i++ {
		hub.Observe(events.New(events.KindFrameRouted))
	}
	if got := hub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestWebSocket_TokenQuery(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })
	addr := startServer(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err == nil {
		t.Fatal("dial without token succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?token="+issue(t, auth.RoleViewer), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	ws.Close()
}

func TestClose_BeforeStart(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}
