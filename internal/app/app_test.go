package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/config"
	"listingwatch/internal/dispatch"
	"listingwatch/internal/notifier"
	"listingwatch/internal/transport/telegram"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type recordingViewer struct {
	mu     sync.Mutex
	opened []string
}

func (v *recordingViewer) Open(_ context.Context, url string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opened = append(v.opened, url)
	return nil
}

func (v *recordingViewer) Opened() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.opened...)
}

func noEnv(string) (string, bool) { return "", false }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	dir     string
	urls    string
	sender  *recordingSender
	viewer  *recordingViewer
	cfgPath string
}

func newFixture(t *testing.T, sourcesYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		urls:    filepath.Join(dir, "urls.txt"),
		sender:  &recordingSender{},
		viewer:  &recordingViewer{},
		cfgPath: filepath.Join(dir, "config.yaml"),
	}
	cfg := `
logging:
  level: error
  console: false
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "links.db") + `
scheduler:
  enabled: false
sources:
` + strings.ReplaceAll(sourcesYAML, "{urls}", f.urls)
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(cfg), 0o644))
	return f
}

func (f *fixture) writeURLs(t *testing.T, urls ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.urls, []byte(strings.Join(urls, "\n")+"\n"), 0o644))
}

func (f *fixture) newApp(t *testing.T, extra ...Option) *App {
	t.Helper()
	opts := append([]Option{
		WithSender(f.sender),
		WithViewer(f.viewer),
		WithEnv(noEnv),
		WithDotEnv(),
		WithQueueOptions(notifier.WithSleep(noSleep)),
	}, extra...)
	a, err := New(f.cfgPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

const fileSource = `
  - name: feed
    kind: file
    path: {urls}
`

func TestRunOnceNotifiesOnlyNewURLs(t *testing.T) {
	f := newFixture(t, fileSource)
	f.writeURLs(t, "https://www.tori.fi/vi/1", "https://www.tori.fi/vi/2", "https://www.tori.fi/vi/1")
	a := f.newApp(t)
	ctx := context.Background()

	stats, err := a.RunOnce(ctx, nil, nil, a.DispatchOptions())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].URLsFound)
	assert.Equal(t, 2, stats[0].NewURLs)
	assert.Equal(t, []string{"https://www.tori.fi/vi/1", "https://www.tori.fi/vi/2"}, f.sender.Sent())

	run, ok := a.Monitor().Run("feed")
	require.True(t, ok)
	assert.Equal(t, 2, run.NotificationsSent)

	f.writeURLs(t, "https://www.tori.fi/vi/2", "https://www.tori.fi/vi/3")
	stats, err = a.RunOnce(ctx, []string{"feed"}, nil, a.DispatchOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[0].NewURLs)
	assert.Equal(t, []string{"https://www.tori.fi/vi/1", "https://www.tori.fi/vi/2", "https://www.tori.fi/vi/3"}, f.sender.Sent())
	assert.Empty(t, f.viewer.Opened())
}

func TestRunOnceSeenURLsSurviveRestart(t *testing.T) {
	f := newFixture(t, fileSource)
	f.writeURLs(t, "https://www.tori.fi/vi/1")

	first := f.newApp(t)
	_, err := first.RunOnce(context.Background(), nil, nil, first.DispatchOptions())
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background(), StopOnceComplete))

	second := f.newApp(t)
	stats, err := second.RunOnce(context.Background(), nil, nil, second.DispatchOptions())
	require.NoError(t, err)
	assert.Zero(t, stats[0].NewURLs)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestRunOnceViewerAndSkipStorage(t *testing.T) {
	f := newFixture(t, fileSource)
	f.writeURLs(t, "https://www.tori.fi/vi/1", "https://www.tori.fi/vi/2")
	a := f.newApp(t)

	_, err := a.RunOnce(context.Background(), nil, nil, dispatch.Options{OpenInViewer: true, SkipStorage: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://www.tori.fi/vi/1", "https://www.tori.fi/vi/2"}, f.viewer.Opened())
	assert.Empty(t, f.sender.Sent())

	// Nothing was stored, so a normal run still sees both as new.
	stats, err := a.RunOnce(context.Background(), nil, nil, dispatch.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats[0].NewURLs)
}

func TestRunOnceSourceSelection(t *testing.T) {
	f := newFixture(t, fileSource+`
  - name: paused
    kind: file
    path: {urls}
    enabled: false
`)
	f.writeURLs(t, "https://www.tori.fi/vi/1")
	a := f.newApp(t)
	ctx := context.Background()

	_, err := a.RunOnce(ctx, []string{"nope"}, nil, dispatch.Options{})
	require.ErrorIs(t, err, ErrUnknownSource)

	stats, err := a.RunOnce(ctx, nil, nil, dispatch.Options{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "feed", stats[0].Source)

	// Disabled sources still run when named.
	stats, err = a.RunOnce(ctx, []string{"paused"}, nil, dispatch.Options{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "paused", stats[0].Source)
}

func TestRunOnceWithoutSources(t *testing.T) {
	f := newFixture(t, "  []\n")
	a := f.newApp(t)
	_, err := a.RunOnce(context.Background(), nil, nil, dispatch.Options{})
	require.ErrorIs(t, err, ErrNoSources)
}

func TestCommandSourceUsesCustomTerms(t *testing.T) {
	f := newFixture(t, `
  - name: search
    kind: command
    command: sh
    args: ["-c", "echo https://www.tori.fi/vi/$0"]
    term_spacing: 0s
`)
	a := f.newApp(t)

	stats, err := a.RunOnce(context.Background(), nil, []string{"genelec", "rigol"}, dispatch.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats[0].TermsProcessed)
	assert.Equal(t, []string{"https://www.tori.fi/vi/genelec", "https://www.tori.fi/vi/rigol"}, f.sender.Sent())
}

func TestMissingCredentialsDisableNotifications(t *testing.T) {
	f := newFixture(t, fileSource)
	f.writeURLs(t, "https://www.tori.fi/vi/1")
	a, err := New(f.cfgPath, WithViewer(f.viewer), WithEnv(noEnv), WithDotEnv())
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopUnknown)

	assert.False(t, a.Queue().Configured())
	stats, err := a.RunOnce(context.Background(), nil, nil, dispatch.Options{})
	require.NoError(t, err)
	// Storage still records the URL.
	assert.Equal(t, 1, stats[0].NewURLs)
}

func TestNewRejectsInvalidSources(t *testing.T) {
	tests := []struct {
		name    string
		sources string
	}{
		{"bad schedule", "  - {name: s, kind: file, path: /tmp/x, schedule: \"every banana\"}\n"},
		{"bad include", "  - {name: s, kind: file, path: /tmp/x, include: \"(\"}\n"},
		{"missing command", "  - {name: s, kind: command}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.sources)
			_, err := New(f.cfgPath, WithSender(f.sender), WithEnv(noEnv), WithDotEnv())
			require.Error(t, err)
		})
	}
}

func TestApplyConfigReloadsSourcesAndSchedules(t *testing.T) {
	f := newFixture(t, fileSource)
	a := f.newApp(t)
	prev := a.cfgm.Get()
	require.Empty(t, a.Scheduler().Jobs())

	next := *prev
	next.Sources = append([]config.SourceConfig{}, prev.Sources...)
	next.Sources[0].Schedule = "every:30m"
	next.Sources = append(next.Sources, config.SourceConfig{Name: "extra", Kind: "file", Path: f.urls})
	next.Dispatch.OpenInViewer = true

	a.applyConfig(context.Background(), prev, &next)

	assert.Equal(t, []string{"feed", "extra"}, a.SourceNames())
	jobs := a.Scheduler().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "feed", jobs[0].Name)
	assert.True(t, a.DispatchOptions().OpenInViewer)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, fileSource)
	a := f.newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("app context not cancelled")
	}
	require.NoError(t, a.Stop(context.Background(), StopSignal))
	assert.NoError(t, a.Err())
}

func TestStatusServerReportsRuns(t *testing.T) {
	f := newFixture(t, fileSource)
	cfg, err := os.ReadFile(f.cfgPath)
	require.NoError(t, err)
	cfg = append(cfg, []byte("status:\n  enabled: true\n  addr: 127.0.0.1:0\n")...)
	require.NoError(t, os.WriteFile(f.cfgPath, cfg, 0o644))
	f.writeURLs(t, "https://www.tori.fi/vi/1")

	a := f.newApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	select {
	case <-a.Status().Bound():
	case <-ctx.Done():
		t.Fatal("status server did not bind")
	}

	_, err = a.RunOnce(ctx, nil, nil, a.DispatchOptions())
	require.NoError(t, err)

	resp, err := http.Get("http://" + a.Status().Addr() + "/runs")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"source":"feed"`)

	resp, err = http.Get("http://" + a.Status().Addr() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatCommands(t *testing.T) {
	f := newFixture(t, fileSource)
	f.writeURLs(t, "https://www.tori.fi/vi/1")
	a := f.newApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := a.cmdRuns(ctx, &telegram.Request{})
	require.NoError(t, err)
	assert.Equal(t, "no runs yet", reply)

	_, err = a.cmdRun(ctx, &telegram.Request{})
	require.Error(t, err)
	_, err = a.cmdRun(ctx, &telegram.Request{Args: []string{"ghost"}})
	require.ErrorIs(t, err, ErrUnknownSource)

	require.NoError(t, a.Start(ctx))
	reply, err = a.cmdRun(ctx, &telegram.Request{Args: []string{"feed"}})
	require.NoError(t, err)
	assert.Equal(t, "started feed", reply)

	require.Eventually(t, func() bool {
		r, ok := a.Monitor().Run("feed")
		return ok && !r.Active() && r.NotificationsSent == 1
	}, 3*time.Second, 10*time.Millisecond)

	reply, err = a.cmdRuns(ctx, &telegram.Request{})
	require.NoError(t, err)
	assert.Contains(t, reply, "feed:")
	assert.Contains(t, reply, "1 new")

	reply, err = a.cmdStatus(ctx, &telegram.Request{})
	require.NoError(t, err)
	assert.Contains(t, reply, "status: healthy")
}
