// Package integration provides a reusable test harness for end-to-end
// testing of the jornada server. It starts the full HTTP stack with JWT
// actor attribution, a Redis-backed notification queue and idempotency store
// (miniredis), and a fake clock shared by every engine.
//
// The harness uses the in-memory store unless JORNADA_TEST_POSTGRES_DSN is
// set, in which case it runs against PostgreSQL with the embedded schema.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/catalog"
	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/internal/idempotency"
	"github.com/pitabwire/jornada/internal/journey"
	"github.com/pitabwire/jornada/internal/notify"
	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/internal/transport"
)

// PostgresDSNEnv names the variable that switches the harness to PostgreSQL.
const PostgresDSNEnv = "JORNADA_TEST_POSTGRES_DSN"

const (
	testSecret   = "segredo-de-integracao"
	testIssuer   = "https://auth.escritorio.example"
	testQueueKey = "escritorio:avisos"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired jornada instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Clock      *clock.Fake
	Store      store.Store
	Catalog    *catalog.Catalog
	Engine     *journey.Engine
	Linker     *billing.Linker
	Reconciler *billing.Reconciler
	Metrics    *observability.Metrics
	Redis      *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker     config.CircuitBreakerConfig
	idempotency bool
}

// WithCircuitBreaker overrides the notification circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithoutIdempotency disables Idempotency-Key replay.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// NewTestHarness creates and starts a full test instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker:     config.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 30 * time.Second},
		idempotency: true,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t, Clock: clock.NewFake(Epoch)}
	logger := zap.NewNop()

	// Step 1: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = 10 * time.Second
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{JWTSecret: testSecret, Issuer: testIssuer}
	h.cfg.Idempotency.Enabled = hc.idempotency
	h.cfg.Notifications.CircuitBreaker = hc.breaker

	// Step 2: Open the store.
	var storeCheck observability.HealthChecker
	h.Store, storeCheck = openStore(t)

	// Step 3: Start Redis.
	h.Redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Step 4: Build the notification channel and engines.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	queue := notify.NewRedisQueue(client, testQueueKey)
	breaker := notify.NewBreaker(hc.breaker.FailureThreshold, hc.breaker.SuccessThreshold, hc.breaker.Timeout, h.Clock)
	dispatcher := notify.NewGuarded(queue, breaker, notify.WithLogger(logger), notify.WithObserver(h.Metrics))

	h.Catalog = catalog.New(h.Store, catalog.WithClock(h.Clock), catalog.WithLogger(logger))
	h.Linker = billing.NewLinker(h.Store, billing.WithClock(h.Clock), billing.WithObserver(h.Metrics))
	h.Reconciler = billing.NewReconciler(h.Store, billing.WithClock(h.Clock), billing.WithObserver(h.Metrics))
	h.Engine = journey.NewEngine(h.Store, h.Linker,
		journey.WithClock(h.Clock),
		journey.WithObserver(h.Metrics),
		journey.WithDispatcher(dispatcher),
	)

	var idem idempotency.Store
	if hc.idempotency {
		idem = idempotency.NewRedisStore(client, h.cfg.Idempotency.KeyPrefix)
	}

	// Step 5: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Logger:      logger,
		Catalog:     h.Catalog,
		Engine:      h.Engine,
		Linker:      h.Linker,
		Metrics:     h.Metrics,
		Idempotency: idem,
		Readiness: observability.ReadinessChecks{
			Store:             storeCheck,
			NotificationQueue: queue,
			Sweep:             h.Reconciler,
		},
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// openStore returns PostgreSQL when PostgresDSNEnv is set, otherwise memory.
func openStore(t *testing.T) (store.Store, observability.HealthChecker) {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		s := store.NewMemoryStore()
		return s, s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	s := store.NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, s
}

// Token issues a bearer token for actor.
func (h *TestHarness) Token(actor string) string {
	h.t.Helper()
	token, err := transport.SignActorToken(h.cfg.Identity, actor, time.Hour)
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return token
}

// UniqueClient returns a client id no other test uses, so assertions hold on
// a shared PostgreSQL database.
func UniqueClient(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Notifications returns the deliveries queued so far, oldest first.
func (h *TestHarness) Notifications() []notify.Delivery {
	h.t.Helper()
	if !h.Redis.Exists(testQueueKey) {
		return nil
	}
	items, err := h.Redis.List(testQueueKey)
	if err != nil {
		h.t.Fatalf("read queue: %v", err)
	}
	out := make([]notify.Delivery, len(items))
	for i, raw := range items {
		// LPUSH keeps the newest delivery at the head.
		if err := json.Unmarshal([]byte(raw), &out[len(items)-1-i]); err != nil {
			h.t.Fatalf("decode delivery: %v", err)
		}
	}
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
