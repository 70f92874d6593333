package adminhttp_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/adminhttp"
	"github.com/sourcewatch/sourcewatch/domain"
)

type fakeStats struct {
	snapshot map[string]domain.SourceAuthority
	emitted  int
}

func (f *fakeStats) AuthoritySnapshot() map[string]domain.SourceAuthority { return f.snapshot }
func (f *fakeStats) EmittedLastHour() int                                { return f.emitted }

func testRouter(stats adminhttp.StatsSource) http.Handler {
	log := zerolog.New(io.Discard)
	registry := prometheus.NewRegistry()
	return adminhttp.NewRouter(log, registry, stats)
}

func TestHealthzReturnsOK(t *testing.T) {
	r := testRouter(&fakeStats{snapshot: map[string]domain.SourceAuthority{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}
}

func TestStatszReturnsTopAuthorityCappedAtTen(t *testing.T) {
	snap := make(map[string]domain.SourceAuthority)
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		snap[id] = domain.SourceAuthority{SourceID: id, Score: float64(i)}
	}
	r := testRouter(&fakeStats{snapshot: snap, emitted: 3})

	req := httptest.NewRequest(http.MethodGet, "/statsz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}

	var body struct {
		TopAuthority []struct {
			SourceID string  `json:"source_id"`
			Score    float64 `json:"score"`
		} `json:"top_authority"`
		EmittedLastHour int `json:"emitted_last_hour"`
	}
	if err := json.NewDecoder(rw.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.TopAuthority) != 10 {
		t.Fatalf("expected top authority capped at 10, got %d", len(body.TopAuthority))
	}
	if body.EmittedLastHour != 3 {
		t.Fatalf("expected emitted_last_hour 3, got %d", body.EmittedLastHour)
	}
	for i := 1; i < len(body.TopAuthority); i++ {
		if body.TopAuthority[i].Score > body.TopAuthority[i-1].Score {
			t.Fatalf("expected descending score order, got %+v", body.TopAuthority)
		}
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	r := testRouter(&fakeStats{snapshot: map[string]domain.SourceAuthority{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}
}
