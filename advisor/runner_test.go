package advisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockSession struct {
	mu        sync.Mutex
	vars      map[string]string
	plans     map[string]string
	failPlans map[string]bool
	used      []string
	explained []string
	closed    bool
}

func (m *mockSession) GlobalVariable(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vars[name], nil
}

func (m *mockSession) UseDatabase(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = append(m.used, name)
	return nil
}

func (m *mockSession) ExplainJSON(_ context.Context, query string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explained = append(m.explained, query)
	if m.failPlans[query] {
		return "", errors.New("Error 1146 (42S02): Table doesn't exist")
	}
	if p, ok := m.plans[query]; ok {
		return p, nil
	}
	return `{"query_block": {"select_id": 1}}`, nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockDigest struct {
	report string
	err    error
	calls  int
}

func (m *mockDigest) Report(_ context.Context, _ string) ([]byte, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return []byte(m.report), nil
}

type mockCompleter struct {
	mu       sync.Mutex
	answer   func(prompt string) (Completion, error)
	prompts  []string
	modelErr error
	checks   int
}

func (m *mockCompleter) CheckModel(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	return m.modelErr
}

func (m *mockCompleter) Complete(_ context.Context, prompt string) (Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.answer == nil {
		return Completion{Content: longSuggestion}, nil
	}
	return m.answer(prompt)
}

type mockMailer struct {
	calls []string
	body  []byte
	err   error
}

func (m *mockMailer) SendReport(_ context.Context, path string, _ time.Time) error {
	m.calls = append(m.calls, path)
	m.body, _ = os.ReadFile(path)
	return m.err
}

type mockNotifier struct {
	messages []string
}

func (m *mockNotifier) Notify(_ context.Context, text string) NotifyResult {
	m.messages = append(m.messages, text)
	return NotifyResult{StatusCode: http.StatusOK}
}

var longSuggestion = "**Bottlenecks in query**\n- Full table scan on `orders` because `customer_id` has no index.\n\n" +
	"**Impact on server resources and database**\n- Every call reads the whole table into the buffer pool.\n\n" +
	"**Fixes**\n- Add an index on `orders(customer_id)`.\n- Test in a non-production environment first.\n"

// fixedNow makes yesterday 2026-10-15.
var fixedNow = time.Date(2026, 10, 16, 2, 0, 0, 0, time.Local)

type runnerFixture struct {
	runner   *Runner
	session  *mockSession
	digest   *mockDigest
	llm      *mockCompleter
	mailer   *mockMailer
	notifier *mockNotifier
	workDir  string
	logDir   string
	logs     *observer.ObservedLogs
}

func newRunnerFixture(t *testing.T, report string) *runnerFixture {
	t.Helper()
	tmp := t.TempDir()
	f := &runnerFixture{
		workDir:  filepath.Join(tmp, "work"),
		logDir:   filepath.Join(tmp, "mysql"),
		digest:   &mockDigest{report: report},
		llm:      &mockCompleter{},
		mailer:   &mockMailer{},
		notifier: &mockNotifier{},
	}
	for _, d := range []string{f.workDir, f.logDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	f.session = &mockSession{vars: map[string]string{
		"slow_query_log_file": filepath.Join(f.logDir, "mysql-slow.log"),
		"version":             "8.0.36",
	}}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs

	cfg := Config{
		Host:           "10.0.0.9",
		WorkDir:        f.workDir,
		TopN:           10,
		MinReportBytes: DefaultMinReportBytes,
		Mail:           MailConfig{Recipients: []string{"dba@example.com"}},
	}
	r := NewRunner(cfg, zap.New(core))
	r.open = func(context.Context) (Session, error) { return f.session, nil }
	r.digest = f.digest
	r.llm = f.llm
	r.mailer = f.mailer
	r.notifier = f.notifier
	r.now = func() time.Time { return fixedNow }
	f.runner = r
	return f
}

func writeGzip(t *testing.T, path string, content string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *runnerFixture) addRotatedLog(t *testing.T) {
	t.Helper()
	writeGzip(t, filepath.Join(f.logDir, "mysql-slow.log-20261015.gz"), "# Time: 2026-10-15T01:00:00Z\nSELECT 1;\n")
}

func assertNoArtifacts(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Fatalf("expected empty work dir, found %s", e.Name())
	}
}

const threeQueryReport = `# Databases    shop
SELECT * FROM orders WHERE customer_id = 42\G
SELECT * FROM missing_table WHERE id = 1\G
# Databases    crm
SELECT id FROM users WHERE email = 'a@b.c'\G
`

func TestRunner_OnePlanFailureLeavesOtherSuggestions(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.addRotatedLog(t)
	f.session.failPlans = map[string]bool{"SELECT * FROM missing_table WHERE id = 1": true}

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.calls) != 1 {
		t.Fatalf("expected one mail, got %d", len(f.mailer.calls))
	}
	body := string(f.mailer.body)
	if strings.Count(body, "**DB:") != 2 {
		t.Fatalf("expected 2 suggestion blocks, got:\n%s", body)
	}
	if !strings.Contains(body, "**DB:shop Query:**\n SELECT * FROM orders WHERE customer_id = 42\n") {
		t.Fatalf("missing shop block:\n%s", body)
	}
	if !strings.Contains(body, "**DB:crm Query:**") {
		t.Fatalf("missing crm block:\n%s", body)
	}
	if strings.Contains(body, "missing_table") {
		t.Fatalf("failed query must not be reported:\n%s", body)
	}
	if len(f.llm.prompts) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(f.llm.prompts))
	}
	if got := f.session.used; len(got) != 3 || got[0] != "shop" || got[2] != "crm" {
		t.Fatalf("unexpected USE sequence: %q", got)
	}
	if len(f.notifier.messages) != 0 {
		t.Fatalf("unexpected failure notice: %q", f.notifier.messages)
	}
	if f.logs.FilterMessage("error executing EXPLAIN").Len() != 1 {
		t.Fatalf("expected the plan failure to be logged")
	}
	if !f.session.closed {
		t.Fatalf("session not closed")
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_NoLogsFailsBeforePlans(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	// A file from another day must not match.
	writeGzip(t, filepath.Join(f.logDir, "mysql-slow.log-20261014.gz"), "SELECT 1;\n")

	err := f.runner.RunOnce(context.Background())
	var nl *NoLogsFoundError
	if !errors.As(err, &nl) {
		t.Fatalf("expected NoLogsFoundError, got %v", err)
	}
	if nl.Stamp != "20261015" {
		t.Fatalf("unexpected stamp %q", nl.Stamp)
	}
	if len(f.session.explained) != 0 || f.digest.calls != 0 {
		t.Fatalf("pipeline continued after missing logs: explained=%d digest=%d", len(f.session.explained), f.digest.calls)
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "20261015") {
		t.Fatalf("expected one failure notice, got %q", f.notifier.messages)
	}
	if !f.session.closed {
		t.Fatalf("session not closed on failure")
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_SmallReportIsNotMailed(t *testing.T) {
	f := newRunnerFixture(t, "# Databases    shop\nSELECT a FROM t;\n")
	f.addRotatedLog(t)
	f.llm.answer = func(string) (Completion, error) {
		return Completion{Content: "Add an index on t(a)."}, nil
	}

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(f.mailer.calls) != 0 {
		t.Fatalf("small report must not be mailed")
	}
	entries := f.logs.FilterMessage("report smaller than expected, not sending").All()
	if len(entries) != 1 {
		t.Fatalf("expected size log line")
	}
	if size := entries[0].ContextMap()["bytes"].(int64); size >= DefaultMinReportBytes {
		t.Fatalf("fixture report too large: %d", size)
	}
	if len(f.notifier.messages) != 0 {
		t.Fatalf("unexpected failure notice")
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_NoSuggestionsIsFatal(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.addRotatedLog(t)
	f.llm.answer = func(string) (Completion, error) {
		return Completion{}, errors.New("connection refused")
	}

	err := f.runner.RunOnce(context.Background())
	if !errors.Is(err, ErrNoSuggestions) {
		t.Fatalf("expected ErrNoSuggestions, got %v", err)
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "No AI suggestions received on host: 10.0.0.9") {
		t.Fatalf("unexpected notice: %q", f.notifier.messages)
	}
	if len(f.mailer.calls) != 0 {
		t.Fatalf("partial report mailed")
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_MissingModelStopsBeforeFirstCall(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.addRotatedLog(t)
	f.llm.modelErr = errors.New(`model "qwen3:8b" not found`)

	err := f.runner.RunOnce(context.Background())
	var se *SuggestionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SuggestionError, got %v", err)
	}
	if f.llm.checks != 1 || len(f.llm.prompts) != 0 {
		t.Fatalf("checks=%d prompts=%d", f.llm.checks, len(f.llm.prompts))
	}
	if len(f.session.explained) != 0 {
		t.Fatalf("plans fetched for a missing model")
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "not found") {
		t.Fatalf("unexpected notice: %q", f.notifier.messages)
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_DigestFailureIsFatal(t *testing.T) {
	f := newRunnerFixture(t, "")
	f.addRotatedLog(t)
	f.digest.err = &DigestToolError{Tool: "pt-query-digest", Stderr: "boom", Err: errors.New("exit status 255")}

	err := f.runner.RunOnce(context.Background())
	var dte *DigestToolError
	if !errors.As(err, &dte) {
		t.Fatalf("expected DigestToolError, got %v", err)
	}
	if len(f.session.explained) != 0 {
		t.Fatalf("plans fetched after digest failure")
	}
	if _, err := os.Stat(filepath.Join(f.workDir, ExtractionName)); !os.IsNotExist(err) {
		t.Fatalf("extraction artifact left behind")
	}
	assertNoArtifacts(t, f.workDir)
}

func TestRunner_MailFailureIsNotFatal(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.addRotatedLog(t)
	f.mailer.err = &DeliveryError{Recipients: []string{"dba@example.com"}, Err: errors.New("535 auth failed")}

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("delivery errors must not fail the run: %v", err)
	}
	if len(f.notifier.messages) != 0 {
		t.Fatalf("delivery errors must not post a failure notice")
	}
	if f.logs.FilterMessage("failed to send mail").Len() != 1 {
		t.Fatalf("expected delivery error log line")
	}
}

func TestRunner_ConnectFailureIsFatal(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.runner.open = func(context.Context) (Session, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	if err := f.runner.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "connection refused") {
		t.Fatalf("unexpected notice: %q", f.notifier.messages)
	}
}

func TestRunner_WebhookFailureDoesNotEscalate(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newRunnerFixture(t, threeQueryReport)
	f.runner.notifier = NewWebhookClient(srv.URL, 2*time.Second, f.runner.log)

	err := f.runner.RunOnce(context.Background())
	var nl *NoLogsFoundError
	if !errors.As(err, &nl) {
		t.Fatalf("expected the originating NoLogsFoundError, got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one webhook call, got %d", n)
	}
	warn := f.logs.FilterMessage("chat notification failed, check the workflow logs or webhook URL").All()
	if len(warn) != 1 || warn[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected webhook warning log, got %+v", warn)
	}
}

func TestRunner_ThrottlesEveryModelCall(t *testing.T) {
	f := newRunnerFixture(t, threeQueryReport)
	f.addRotatedLog(t)
	f.runner.cfg.LLM.Delay = 5 * time.Second
	var slept []time.Duration
	f.runner.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 3 {
		t.Fatalf("expected 3 throttles, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 5*time.Second {
			t.Fatalf("unexpected delay %s", d)
		}
	}
	if !strings.Contains(f.llm.prompts[0], "MySQL version: 8.0.36") {
		t.Fatalf("version missing from prompt")
	}
}
