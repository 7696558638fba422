package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/db"
	"skywatch/internal/domain"
	"skywatch/internal/engine"
	"skywatch/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-signing-secret")
	e := engine.New(conn, cfg)
	baseCtx, cancel := context.WithCancel(context.Background())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Context: baseCtx})
	if err != nil {
		cancel()
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// seedRecommendations sets up one observer with a generated batch and returns
// a credential for them.
func seedRecommendations(t *testing.T, e engine.Engine) engine.Credential {
	t.Helper()
	ctx := context.Background()
	u, err := e.AddUser(ctx, domain.User{Email: "ada@example.com", Alias: "ada"})
	if err != nil {
		t.Fatal(err)
	}
	f, err := e.AddFacility(ctx, domain.Facility{Name: "Mount Test", LimitingMagnitude: 18})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterFacility(ctx, u.ID, f.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddObservationType(ctx, domain.ObservationType{Name: "g-mag", Units: "mag"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddModelType(ctx, domain.ModelType{Name: "conv_auto_encoder"}); err != nil {
		t.Fatal(err)
	}
	acc := 0.9
	for i, mag := range []float64{15, 16} {
		o, err := e.AddObject(ctx, domain.Object{Name: "2024ab" + string(rune('c'+i)), RA: 10, Dec: 20})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.AddForecast(ctx, engine.ForecastOptions{
			ModelTypeName:       "conv_auto_encoder",
			ObservationTypeName: "g-mag",
			ObjectID:            o.ID,
			Value:               mag,
			Time:                time.Now().UTC(),
			Accuracy:            &acc,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.GenerateGroup(ctx, engine.GenerateOptions{PerUserLimit: 2}); err != nil {
		t.Fatal(err)
	}
	cred, err := e.CreateClient(ctx, u.ID, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cred
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", data, err)
	}
	return env.Error.Code
}

func TestHealthOpenAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/users", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestLoginAndRecommendationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cred := seedRecommendations(t, srv.Engine)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/login", map[string]any{
		"key": cred.Key, "secret": "0000000000000000000000000000000000000000000000000000000000000000",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/login", map[string]any{
		"key": cred.Key, "secret": cred.Secret,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, data)
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil || sess.Token == "" {
		t.Fatalf("bad session %q: %v", data, err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/whoami", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, data)
	}
	var me domain.Client
	_ = json.Unmarshal(data, &me)
	if me.ID != cred.Client.ID {
		t.Fatalf("whoami returned client %d, want %d", me.ID, cred.Client.ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/recommendations", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next status %d: %s", res.StatusCode, data)
	}
	var pending []domain.Recommendation
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal recommendations: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	first := pending[0]

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v1/recommendations?limiting_magnitude=15.5", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered next status %d: %s", res.StatusCode, data)
	}
	var bright []domain.Recommendation
	if err := json.Unmarshal(data, &bright); err != nil {
		t.Fatalf("unmarshal filtered recommendations: %v", err)
	}
	if len(bright) != 1 {
		t.Fatalf("expected 1 target brighter than 15.5, got %d", len(bright))
	}

	res, data = doJSON(t, client, http.MethodPut,
		srv.URL+"/v1/recommendations/"+itoa(first.ID)+"/accept", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, data)
	}
	var accepted domain.Recommendation
	_ = json.Unmarshal(data, &accepted)
	if !accepted.Accepted {
		t.Fatalf("row not accepted: %+v", accepted)
	}

	res, data = doJSON(t, client, http.MethodPut,
		srv.URL+"/v1/recommendations/"+itoa(first.ID)+"/reject", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "conflicting_state" {
		t.Fatalf("expected conflicting_state, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPut,
		srv.URL+"/v1/recommendations/"+itoa(first.ID)+"/observed", map[string]any{
			"type_name": "g-mag", "value": 15.3,
		}, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("observed status %d: %s", res.StatusCode, data)
	}
	var fulfilled domain.Recommendation
	_ = json.Unmarshal(data, &fulfilled)
	if fulfilled.ObservationID == nil {
		t.Fatalf("observed did not attach an observation: %s", data)
	}
}

func TestObserverCannotAdminister(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cred := seedRecommendations(t, srv.Engine)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/login", map[string]any{
		"key": cred.Key, "secret": cred.Secret,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, data)
	}
	var sess SessionResponse
	_ = json.Unmarshal(data, &sess)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"email": "eve@example.com", "alias": "eve",
	}, bearer(sess.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", code)
	}
}

func TestAdminRotatesCredential(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	cred := seedRecommendations(t, srv.Engine)
	admin, err := srv.Engine.CreateClient(ctx, cred.Client.UserID, 1)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/login", map[string]any{
		"key": admin.Key, "secret": admin.Secret,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin login: %d %s", res.StatusCode, data)
	}
	var sess SessionResponse
	_ = json.Unmarshal(data, &sess)

	res, data = doJSON(t, client, http.MethodPut,
		srv.URL+"/v1/clients/"+itoa(cred.Client.ID)+"/secret", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rotate status %d: %s", res.StatusCode, data)
	}
	var rotated CredentialResponse
	if err := json.Unmarshal(data, &rotated); err != nil {
		t.Fatalf("unmarshal credential: %v", err)
	}
	if rotated.Secret == "" || rotated.Secret == cred.Secret {
		t.Fatalf("expected a fresh secret")
	}
	if _, err := srv.Engine.Login(ctx, cred.Key, cred.Secret); err == nil {
		t.Fatalf("old secret should no longer work")
	}
	if _, err := srv.Engine.Login(ctx, rotated.Key, rotated.Secret); err != nil {
		t.Fatalf("rotated secret should work: %v", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestWebhookDeliveryAndShutdown(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("test-signing-secret"))

	received := make(chan webhookMessage, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m webhookMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if r.Header.Get("X-Skywatch-Topic") != "alerts" {
			t.Errorf("unexpected topic header %q", r.Header.Get("X-Skywatch-Topic"))
		}
		received <- m
	}))
	defer hook.Close()

	ctx := context.Background()
	if _, err := e.PublishMessage(ctx, "alerts", "info", "tester", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{{Name: "ops", URL: hook.URL, Topics: []string{"alerts"}}},
		client:   hook.Client(),
	}
	d.dispatchAll(ctx)
	select {
	case m := <-received:
		if m.Text != "hello" {
			t.Fatalf("unexpected delivery %+v", m)
		}
	default:
		t.Fatalf("expected a delivery")
	}
	// The receipt makes a second pass a no-op.
	d.dispatchAll(ctx)
	select {
	case m := <-received:
		t.Fatalf("message %d delivered twice", m.ID)
	default:
	}

	// Cancelling the base context stops the run loop.
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop on cancel")
	}
}
