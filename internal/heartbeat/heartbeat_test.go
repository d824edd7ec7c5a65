package heartbeat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/logrelay-dev/logrelay/internal/config"
	"github.com/logrelay-dev/logrelay/internal/metrics"
)

type capturedCall struct {
	path string
	auth string
	body map[string]any
}

type fakeAPI struct {
	*httptest.Server
	mu        sync.Mutex
	calls     []capturedCall
	failFirst bool // reject the first register with a 500
}

func newFakeAPI(failFirst bool) *fakeAPI {
	api := &fakeAPI{failFirst: failFirst}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		api.mu.Lock()
		api.calls = append(api.calls, capturedCall{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		first := len(api.calls) == 1
		api.mu.Unlock()

		if first && api.failFirst && r.URL.Path == "/relays/register" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return api
}

func (api *fakeAPI) wait(t *testing.T, n int) []capturedCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		api.mu.Lock()
		if len(api.calls) >= n {
			out := make([]capturedCall, len(api.calls))
			copy(out, api.calls)
			api.mu.Unlock()
			return out
		}
		api.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("API never received %d calls", n)
	return nil
}

func testConfig(endpoint string) *config.Config {
	cfg := config.DefaultDev()
	cfg.API.Endpoint = endpoint
	cfg.API.RelayID = "relay-1"
	cfg.API.APIKey = "key-1"
	cfg.Auth.StreamToken = "stream-1"
	return cfg
}

func TestRegisterThenReport(t *testing.T) {
	api := newFakeAPI(false)
	defer api.Close()

	mc := metrics.New()
	mc.SessionOpened()
	mc.StreamOpened()

	hb := New(testConfig(api.URL), mc)
	hb.Start(10 * time.Millisecond)
	defer hb.Stop()

	calls := api.wait(t, 2)

	reg := calls[0]
	assert.Equal(t, "/relays/register", reg.path)
	assert.Equal(t, "Bearer key-1", reg.auth)
	assert.Equal(t, "relay-1", reg.body["relay_id"])
	assert.Equal(t, "stream-1", reg.body["stream_token"])

	report := calls[1]
	assert.Equal(t, "/heartbeats", report.path)
	assert.Equal(t, "Bearer key-1", report.auth)
	assert.Equal(t, "relay-1", report.body["relay_id"])
	assert.Equal(t, float64(1), report.body["sessions"])
	assert.Equal(t, float64(1), report.body["active_streams"])
}

func TestRegisterRetriedAfterFailure(t *testing.T) {
	api := newFakeAPI(true)
	defer api.Close()

	hb := New(testConfig(api.URL), metrics.New())
	hb.Start(10 * time.Millisecond)
	defer hb.Stop()

	// First register got a 500, so the next tick must re-register before
	// reporting.
	calls := api.wait(t, 3)
	assert.Equal(t, "/relays/register", calls[0].path)
	assert.Equal(t, "/relays/register", calls[1].path)
	assert.Equal(t, "/heartbeats", calls[2].path)
}

func TestStopEndsReporting(t *testing.T) {
	api := newFakeAPI(false)
	defer api.Close()

	hb := New(testConfig(api.URL), metrics.New())
	hb.Start(10 * time.Millisecond)
	api.wait(t, 2)
	hb.Stop()

	api.mu.Lock()
	n := len(api.calls)
	api.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	api.mu.Lock()
	after := len(api.calls)
	api.mu.Unlock()
	assert.LessOrEqual(t, after, n+1, "reporting kept running after Stop")
}
