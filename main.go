package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/adminhttp"
	"github.com/sourcewatch/sourcewatch/authority"
	"github.com/sourcewatch/sourcewatch/budget"
	"github.com/sourcewatch/sourcewatch/config"
	"github.com/sourcewatch/sourcewatch/correlate"
	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/extractor"
	"github.com/sourcewatch/sourcewatch/ingest"
	"github.com/sourcewatch/sourcewatch/llmclient"
	"github.com/sourcewatch/sourcewatch/logger"
	"github.com/sourcewatch/sourcewatch/metrics"
	"github.com/sourcewatch/sourcewatch/normalize"
	"github.com/sourcewatch/sourcewatch/pipeline"
	"github.com/sourcewatch/sourcewatch/redisclient"
	"github.com/sourcewatch/sourcewatch/sender"
	"github.com/sourcewatch/sourcewatch/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// ConfigInvalid is fatal at startup with exit code 2, per the error
		// handling design.
		println("config invalid:", err.Error())
		os.Exit(2)
	}
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("sourcewatch starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath, 6*time.Hour, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	authorityTracker := authority.New(log, st)
	if err := authorityTracker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start authority tracker")
	}

	budgetLedger := budget.NewLedger(log, cfg.LLMBudgetHourly, cfg.LLMRPMLimit)
	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, budget ledger stays in-process only")
	} else if rc != nil {
		budgetLedger.AttachRedis(rc.Raw())
		log.Info().Msg("budget ledger coordinating hourly cap via redis")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	llm, err := llmclient.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, 45*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init llm client")
	}
	ex := extractor.New(log, llm, budgetLedger, st, m)

	correlationEngine := correlate.NewEngine(log, correlate.Config{
		MinSources:             cfg.MinSources,
		AuthorityHighThreshold: cfg.AuthorityHighThreshold,
		FastTrackHold:          60 * time.Second,
		ClusterIdleTTL:         10 * time.Minute,
	})

	for _, f := range []string{cfg.ArabChannelsFile, cfg.SmartChannelsFile} {
		channels, err := ingest.LoadChannelList(f)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("channel list unavailable, skipping")
			continue
		}
		log.Info().Str("file", f).Int("count", len(channels)).Msg("loaded source channel list")
	}

	chatSender := &loggingOnlySender{log: log}
	emitTracker := newEmitTracker()
	out := sender.New(log, chatSender, cfg.ArabsSummaryOut, authorityTracker.Lookup, m, cfg.SummaryMinInterval)

	corr := &correlationTask{
		logger:  log,
		engine:  correlationEngine,
		tracker: authorityTracker,
		store:   st,
		sender:  out,
		emitted: emitTracker,
		metrics: m,
	}

	p := pipeline.New(log, normalize.Normalize, ex, corr, &messageStoreAdapter{store: st}, m, cfg.BatchSize, cfg.MaxBatchAge)

	stats := &statsSource{tracker: authorityTracker, emitted: emitTracker}
	adminSrv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: adminhttp.NewRouter(log, registry, stats),
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.Run(ctx) }()
	go func() { defer wg.Done(); out.Run(ctx) }()
	go func() { defer wg.Done(); corr.runSweep(ctx) }()

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin surface listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info().Msg("shutdown signal received")

	cancel()
	authorityTracker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown failed")
	}

	wg.Wait()
	log.Info().Msg("sourcewatch stopped gracefully")
}

// loggingOnlySender is the default ingest.Sender until a real
// chat-network sendMessage client is wired in — out of scope per §1.
type loggingOnlySender struct {
	log zerolog.Logger
}

var _ ingest.Sender = (*loggingOnlySender)(nil)

func (s *loggingOnlySender) Send(ctx context.Context, chatID, text string) error {
	s.log.Info().Str("chat_id", chatID).Str("text", text).Msg("summary emitted")
	return nil
}

// messageStoreAdapter adapts store.Store's PutMessage, which reports a
// named PutResult, to pipeline.MessageStore's boolean isDup contract.
type messageStoreAdapter struct {
	store *store.Store
}

func (a *messageStoreAdapter) PutMessage(ctx context.Context, n domain.NormalizedMessage) (bool, error) {
	result, err := a.store.PutMessage(ctx, n)
	if err != nil {
		return false, err
	}
	return result == store.PutDup, nil
}

// correlationTask adapts pipeline.EventSink to the Correlation Engine,
// publishes authority deltas, and forwards eligible clusters to the
// Sender.
type correlationTask struct {
	logger  zerolog.Logger
	engine  *correlate.Engine
	tracker *authority.Tracker
	store   *store.Store
	sender  *sender.Sender
	emitted *emitTracker
	metrics *metrics.Metrics
}

// Submit hands ev to the Correlation Engine. The engine itself decides,
// under its own lock, whether the resulting cluster just became eligible
// for emission — Submit only ever reads the returned snapshot, never the
// live clustered state the idle-sweep goroutine concurrently touches.
func (c *correlationTask) Submit(ev domain.Event) {
	ctx := context.Background()

	result := c.engine.Submit(ev, c.tracker.Lookup)

	ev.ClusterID = result.Cluster.ClusterID
	if err := c.store.PutEvent(ctx, ev); err != nil {
		c.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("failed to persist event")
	}
	if err := c.store.PutCluster(ctx, *result.Cluster); err != nil {
		c.logger.Error().Err(err).Str("cluster_id", result.Cluster.ClusterID).Msg("failed to persist cluster")
	}

	if result.Superseded {
		c.publishContradiction(result.Cluster)
		if c.metrics != nil {
			c.metrics.ClustersSuperseded.Inc()
		}
		c.sender.Submit(*result.Cluster)
		return
	}

	if result.Emitted {
		c.publishCorroboration(result.Cluster)
		c.emitted.record()
		if c.metrics != nil {
			c.metrics.ClustersEmitted.Inc()
		}
		c.sender.Submit(*result.Cluster)
	}
}

func (c *correlationTask) publishCorroboration(cluster *domain.TrendCluster) {
	c.tracker.Submit(authority.Delta{
		Kind:        authority.Corroborated,
		SourceIDs:   cluster.SourceIDs(),
		SourceClass: sourceClassesOf(cluster),
		GroupSize:   len(cluster.Sources),
	})
}

func (c *correlationTask) publishContradiction(cluster *domain.TrendCluster) {
	c.tracker.Submit(authority.Delta{
		Kind:        authority.Contradicted,
		SourceIDs:   cluster.SourceIDs(),
		SourceClass: sourceClassesOf(cluster),
	})
}

// sourceClassesOf resolves each of a cluster's sources to its editorial
// class by scanning the member events' message refs, since SourceClass
// isn't carried on TrendCluster.Sources itself.
func sourceClassesOf(cluster *domain.TrendCluster) map[string]domain.SourceClass {
	classes := make(map[string]domain.SourceClass, len(cluster.Sources))
	for _, m := range cluster.Members {
		for _, ref := range m.MessageRefs {
			if _, ok := classes[ref.SourceID]; !ok && ref.SourceClass != "" {
				classes[ref.SourceID] = ref.SourceClass
			}
		}
	}
	return classes
}

// sweepInterval is short relative to ClusterIdleTTL deliberately: a solo
// fast-track source becomes eligible FastTrackHold after its first report,
// and this is the only place that re-checks eligibility for a cluster that
// never gets a follow-up message. A once-a-minute-or-slower tick would
// leave a fast-track cluster waiting for ClusterIdleTTL instead.
const sweepInterval = 5 * time.Second

func (c *correlationTask) runSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			toEmit, discarded := c.engine.SweepIdle(c.tracker.Lookup)
			for _, cluster := range toEmit {
				c.publishCorroboration(cluster)
				c.emitted.record()
				if c.metrics != nil {
					c.metrics.ClustersEmitted.Inc()
				}
				c.sender.Submit(*cluster)
			}
			if c.metrics != nil && len(discarded) > 0 {
				c.metrics.ClustersDiscarded.Add(float64(len(discarded)))
			}
		}
	}
}

// emitTracker counts emissions within a trailing hour window, for the
// /statsz "last-hour emission count" field.
type emitTracker struct {
	mu    sync.Mutex
	times []time.Time
}

func newEmitTracker() *emitTracker {
	return &emitTracker{}
}

func (e *emitTracker) record() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.times = append(e.times, time.Now())
}

func (e *emitTracker) countLastHour() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-time.Hour)
	n := 0
	for _, t := range e.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

type statsSource struct {
	tracker *authority.Tracker
	emitted *emitTracker
}

func (s *statsSource) AuthoritySnapshot() map[string]domain.SourceAuthority {
	return s.tracker.Snapshot()
}

func (s *statsSource) EmittedLastHour() int {
	return s.emitted.countLastHour()
}
