package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/monitor"
	"listingwatch/internal/runtime/supervisor"
	"listingwatch/internal/scheduler"
	logx "listingwatch/pkg/logx"
)

type fakeRuns struct{}

func (fakeRuns) Health() monitor.Health {
	return monitor.Health{Status: monitor.StatusWarning, RecentErrors: 1}
}

func (fakeRuns) Runs() []monitor.RunStats {
	return []monitor.RunStats{{Source: "tori", NewURLs: 2}}
}

type fakeJobs struct {
	ran chan string
}

func (f *fakeJobs) Jobs() []scheduler.Info {
	return []scheduler.Info{{Name: "tori", Schedule: "every:30m"}}
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.ran <- name
	return nil
}

type fakeQueue struct{}

func (fakeQueue) Pending() int      { return 4 }
func (fakeQueue) Processing() bool { return true }

func newService(cfg Config) (*Service, *fakeJobs) {
	jobs := &fakeJobs{ran: make(chan string, 1)}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("listingwatch_up 1\n"))
	})
	goroutines := func() supervisor.Counters { return supervisor.Counters{Active: 3, Started: 5} }
	return New(cfg, Deps{Runs: fakeRuns{}, Jobs: jobs, Queue: fakeQueue{}, Metrics: metrics, Goroutines: goroutines}, logx.Nop()), jobs
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newService(Config{})
	rec := do(t, s.Handler(Config{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, monitor.StatusWarning, got.Status)
	assert.Equal(t, 1, got.RecentErrors)
	assert.Equal(t, 4, got.QueuePending)
	assert.True(t, got.QueueProcessing)
	require.NotNil(t, got.Goroutines)
	assert.EqualValues(t, 3, got.Goroutines.Active)
}

func TestRunsJobsAndMetrics(t *testing.T) {
	s, _ := newService(Config{})
	h := s.Handler(Config{})

	rec := do(t, h, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []monitor.RunStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "tori", runs[0].Source)

	rec = do(t, h, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"schedule":"every:30m"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "listingwatch_up 1")
}

func TestRunJob(t *testing.T) {
	s, jobs := newService(Config{})
	h := s.Handler(Config{})

	rec := do(t, h, http.MethodPost, "/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs/tori/run", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case name := <-jobs.ran:
		assert.Equal(t, "tori", name)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not run")
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := Config{Token: "s3cret"}
	s, _ := newService(cfg)
	h := s.Handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s, _ := newService(Config{})
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(Config{}), http.MethodGet, "/debug/pprof/", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(Config{Pprof: true}), http.MethodGet, "/debug/pprof/", nil).Code)
}

func TestStartServesAndStops(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s, _ := newService(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	select {
	case <-s.Bound():
	case <-ctx.Done():
		t.Fatal("server did not bind")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Bound())
}

func TestReconfigureDisables(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s, _ := newService(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	<-s.Bound()
	s.Reconfigure(ctx, Config{})
	assert.False(t, s.Enabled())
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9465"))
	assert.True(t, isLoopbackAddr("localhost:9465"))
	assert.True(t, isLoopbackAddr("[::1]:9465"))
	assert.False(t, isLoopbackAddr(":9465"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9465"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
