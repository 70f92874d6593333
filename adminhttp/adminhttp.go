// Package adminhttp exposes the internal-only admin surface: liveness,
// the companion control bot's /stats payload, and Prometheus exposition.
// Built with chi exactly as the teacher gateway's router package, scoped
// down to the routes this core actually needs — no auth/CORS/proxy
// concerns, since this surface is never reachable from outside the host.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
)

// StatsSource supplies the data the /statsz endpoint reports.
type StatsSource interface {
	AuthoritySnapshot() map[string]domain.SourceAuthority
	EmittedLastHour() int
}

// NewRouter builds the admin HTTP surface.
func NewRouter(logger zerolog.Logger, registry *prometheus.Registry, stats StatsSource) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/statsz", func(w http.ResponseWriter, req *http.Request) {
		writeStats(w, stats)
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("admin request")
		})
	}
}

type statsResponse struct {
	TopAuthority    []authorityEntry `json:"top_authority"`
	EmittedLastHour int              `json:"emitted_last_hour"`
}

type authorityEntry struct {
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

func writeStats(w http.ResponseWriter, stats StatsSource) {
	snap := stats.AuthoritySnapshot()
	entries := make([]authorityEntry, 0, len(snap))
	for id, a := range snap {
		entries = append(entries, authorityEntry{SourceID: id, Score: a.Score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > 10 {
		entries = entries[:10]
	}

	resp := statsResponse{TopAuthority: entries, EmittedLastHour: stats.EmittedLastHour()}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
