// Package integration provides a reusable test harness for end-to-end
// testing of the steward approval service. It starts the full HTTP stack
// with templates and role assignments loaded from testdata, in-memory
// stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/approval"
	"github.com/pitabwire/steward/internal/audit"
	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/roles"
	"github.com/pitabwire/steward/internal/transport"
	"github.com/pitabwire/steward/model"
)

// TestHarness encapsulates a fully wired steward instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Catalog          *catalog.Registry
	Store            *approval.MemoryStore
	Audit            *audit.MemorySink
	IdempotencyStore *approval.MemoryIdempotencyStore
	Engine           *approval.Engine
	Metrics          *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateFiles   []string
	assignmentsFile string
	handlerTimeout  time.Duration
}

// WithTemplates replaces the default template catalog files.
func WithTemplates(files ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateFiles = files
	}
}

// WithAssignments replaces the default role assignments file.
func WithAssignments(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.assignmentsFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full steward test instance. The server
// is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		templateFiles:   []string{filepath.Join(testdataDir(), "templates.yaml")},
		assignmentsFile: filepath.Join(testdataDir(), "assignments.yaml"),
		handlerTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	templates, checksum, err := catalog.NewLoader().LoadFiles(hc.templateFiles)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if verrs := catalog.NewValidator().Validate(templates); len(verrs) > 0 {
		t.Fatalf("template validation: %v", verrs)
	}
	h.Catalog = catalog.NewRegistry(templates, checksum)

	members, err := roles.NewStaticMembership(hc.assignmentsFile)
	if err != nil {
		t.Fatalf("load role assignments: %v", err)
	}

	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Store = approval.NewMemoryStore()
	h.Audit = audit.NewMemorySink()
	h.IdempotencyStore = approval.NewMemoryIdempotencyStore()

	resolver := roles.NewResolver(
		roles.NewTable(h.cfg.Roles.NodeTypes),
		roles.NewCachedMembership(members, time.Minute, h.Metrics),
		logger,
	)
	h.Engine = approval.NewEngine(h.Catalog, resolver, h.Store, audit.NewLoggingSink(h.Audit, logger),
		approval.WithLogger(logger),
		approval.WithMetrics(h.Metrics),
		approval.WithIdempotency(h.IdempotencyStore, time.Hour),
	)

	keys, err := transport.NewKeySource(h.cfg.Identity, logger)
	if err != nil {
		t.Fatalf("key source: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Engine:       h.Engine,
		Templates:    h.Catalog,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, keys),
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded:  func() bool { return h.Catalog.Len() > 0 },
			Store:            h.Store,
			IdempotencyStore: h.IdempotencyStore,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// TokenFor returns a valid token for subject with the given roles.
func (h *TestHarness) TokenFor(subject string, roles ...string) string {
	return h.issuer.GenerateToken(TestClaims{
		SubjectID: subject,
		Email:     subject + "@steward.example.com",
		Roles:     roles,
	})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
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

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
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

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// Submit creates an approval request as applicant and returns it.
func (h *TestHarness) Submit(t *testing.T, applicant string, body map[string]any) model.ApprovalRequest {
	t.Helper()
	var req model.ApprovalRequest
	h.AssertJSON(t, h.POST("/v1/approvals", body, h.TokenFor(applicant)), http.StatusCreated, &req)
	return req
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
