// Package integration provides a reusable test harness for end-to-end
// testing of docketd. It starts the full HTTP server over a scripted
// navigation source, in-memory stores, and a logged-in operator token.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/jobs"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/transport"
	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

const (
	testUsername = "clerk"
	testPassword = "correct-horse-battery"
	testSecret   = "integration-signing-secret-0123456789"
)

// TestHarness encapsulates a fully wired docketd instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	token  string

	// Internal components exposed for advanced test scenarios.
	Config    *config.Config
	Manager   *jobs.Manager
	JobStore  *jobs.MemoryJobStore
	Sessions  *decision.Registry
	Decisions *decision.Channel
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithMode sets the scraping mode.
func WithMode(mode string) HarnessOption {
	return func(c *config.Config) { c.Jobs.Mode = mode }
}

// WithDecisionTimeout sets how long prompts wait for the operator.
func WithDecisionTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Decision.Timeout = d }
}

// WithMaxActive caps concurrently running jobs.
func WithMaxActive(n int) HarnessOption {
	return func(c *config.Config) { c.Jobs.MaxActive = n }
}

// NewTestHarness creates and starts a full docketd test instance. The server
// and any running jobs are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Auth = config.AuthConfig{
		Enabled:       true,
		Username:      testUsername,
		Password:      testPassword,
		SigningSecret: testSecret,
		Issuer:        "docket-test",
		TokenTTL:      time.Hour,
	}
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Decision.Timeout = 5 * time.Second
	cfg.Capture.RaceTimeout = 3 * time.Second
	cfg.Capture.StrategyAttempts = 2
	cfg.Capture.RetryDelay = 10 * time.Millisecond
	cfg.Capture.FetchInitialDelay = 100 * time.Millisecond
	cfg.Navigation.MinDelay = 0
	cfg.Navigation.MaxDelay = 0
	cfg.Navigation.ScriptedFixture = filepath.Join(testdataDir(), "fixture.yaml")
	cfg.Recovery.SettleDelay = 0
	cfg.Jobs.DownloadDir = t.TempDir()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid harness config: %v", err)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: Navigation sources and transcript patterns.
	fixture, err := navigation.LoadFixture(cfg.Navigation.ScriptedFixture)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	sources := navigation.NewRegistry()
	sources.Register(navigation.ScriptedSource, navigation.NewScriptedFactory(fixture, navigation.ScriptedOptions{
		Fetch: capture.FetchOptions{
			Attempts:     cfg.Capture.StrategyAttempts,
			Interval:     cfg.Capture.RetryDelay,
			InitialDelay: cfg.Capture.FetchInitialDelay,
			MaxSize:      cfg.Capture.MaxSize,
		},
	}))
	patterns, err := navigation.CompilePatterns(cfg.Navigation.TranscriptPatterns)
	if err != nil {
		t.Fatalf("compile patterns: %v", err)
	}

	h := &TestHarness{t: t, Config: cfg}

	// Step 2: Operator channel and the capture race.
	h.Sessions = decision.NewRegistry(metrics, logger)
	h.Decisions = decision.NewChannel(h.Sessions, metrics, logger)
	breakers := capture.NewBreakerSet(cfg.Capture.Breaker.FailureThreshold, cfg.Capture.Breaker.Cooldown, metrics)

	coordinator := workflow.NewCoordinator(cfg, workflow.Deps{
		Sources:   sources,
		Decisions: h.Decisions,
		Race:      capture.NewRace(cfg.Capture, breakers, metrics, logger),
		Patterns:  patterns,
		Metrics:   metrics,
		Logger:    logger,
	})

	// Step 3: Job ledger.
	h.JobStore = jobs.NewMemoryJobStore()
	h.Manager = jobs.NewManager(h.JobStore, coordinator, sources, jobs.NewMemoryIdempotencyStore(), jobs.Options{
		MaxActive:     cfg.Jobs.MaxActive,
		DownloadPath:  cfg.Jobs.DownloadDir,
		DefaultSource: cfg.Navigation.DefaultSource,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Manager.Shutdown(ctx); err != nil {
			t.Errorf("jobs still running at cleanup: %v", err)
		}
	})

	// Step 4: Router and server.
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Auth:      transport.NewAuthenticator(cfg.Auth),
		Jobs:      h.Manager,
		Sessions:  h.Sessions,
		Decisions: h.Decisions,
		Readiness: observability.ReadinessChecks{
			DownloadDir: observability.HealthCheckFunc(h.Manager.CheckDownloadPath),
			JobStore:    h.JobStore,
		},
		MetricsHandler: observability.HandlerFor(prometheus.NewRegistry()),
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	// Step 5: Log in.
	var login struct {
		Token string `json:"token"`
	}
	resp := h.POST("/api/auth/login", map[string]string{"username": testUsername, "password": testPassword}, "")
	h.AssertJSON(t, resp, http.StatusOK, &login)
	h.token = login.Token
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token returns the logged-in operator token.
func (h *TestHarness) Token() string {
	return h.token
}

// --- HTTP helpers ---

// GET sends a GET request with an optional bearer token.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do("GET", path, nil, token, nil)
}

// POST sends a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do("POST", path, body, token, nil)
}

// DELETE sends a DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do("DELETE", path, nil, token, nil)
}

// Do sends a request with the given body, token, and extra headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
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

// --- Job helpers ---

// CreateJob submits a job and returns it as created.
func (h *TestHarness) CreateJob(req model.CreateJobRequest) model.Job {
	h.t.Helper()
	var job model.Job
	h.AssertJSON(h.t, h.POST("/api/jobs", req, h.token), http.StatusCreated, &job)
	return job
}

// GetJob fetches a job through the API.
func (h *TestHarness) GetJob(jobID string) model.Job {
	h.t.Helper()
	var job model.Job
	h.AssertJSON(h.t, h.GET("/api/jobs/"+jobID, h.token), http.StatusOK, &job)
	return job
}

// WaitForJob polls until the job reaches a terminal status.
func (h *TestHarness) WaitForJob(jobID string, timeout time.Duration) model.Job {
	h.t.Helper()
	return h.waitFor(jobID, timeout, "a terminal status", func(j model.Job) bool { return !j.IsActive() })
}

// WaitForState polls until the job reaches state.
func (h *TestHarness) WaitForState(jobID string, state model.State, timeout time.Duration) model.Job {
	h.t.Helper()
	return h.waitFor(jobID, timeout, string(state), func(j model.Job) bool { return j.State == state })
}

func (h *TestHarness) waitFor(jobID string, timeout time.Duration, what string, done func(model.Job) bool) model.Job {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := h.Manager.Get(context.Background(), jobID)
		if err != nil {
			h.t.Fatalf("get job %s: %v", jobID, err)
		}
		if done(job) {
			return job
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("job %s did not reach %s within %s (status %s, state %s)",
				jobID, what, timeout, job.Status, job.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Transitions returns the job's transition log through the API.
func (h *TestHarness) Transitions(jobID string) []model.Transition {
	h.t.Helper()
	var body struct {
		Transitions []model.Transition `json:"transitions"`
	}
	h.AssertJSON(h.t, h.GET("/api/jobs/"+jobID+"/transitions", h.token), http.StatusOK, &body)
	return body.Transitions
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
