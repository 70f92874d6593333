// Package correlate implements the Correlation Engine: it clusters
// extracted events believed to describe the same real-world occurrence
// into TrendClusters, using an in-memory signature index rather than a
// database join so the match step can run to completion without
// suspension — the index must stay coherent with respect to event
// arrival order within a batch.
package correlate

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xrash/smetrics"

	"github.com/sourcewatch/sourcewatch/domain"
)

const (
	locationSimilarityThreshold      = 0.88
	locationEntitylessSimilarityGate = 0.95
	timeBucketWindow                 = 15 * time.Minute
	timeBucketTolerance              = 2 // ±2 buckets
)

// denialMarkers are substrings in an event summary that mark it as a
// retraction/denial of a prior report rather than a corroboration.
var denialMarkers = []string{
	"no strike occurred",
	"false alarm",
	"denies",
	"denied",
	"retraction",
	"retract",
	"unconfirmed, withdrawn",
}

// signature is the coarse index key a candidate event is looked up by
// before the full match rule runs.
type signature struct {
	kind           domain.EventKind
	locationToken  string
	timeBucket     int64
}

// Engine is the in-process correlation index and cluster store.
type Engine struct {
	logger zerolog.Logger

	minSources             int
	authorityHighThreshold float64
	fastTrackHold          time.Duration
	clusterIdleTTL         time.Duration

	mu       sync.RWMutex
	byKey    map[signature][]string // signature -> cluster IDs with at least one member at that signature
	clusters map[string]*domain.TrendCluster
}

// Config holds the Correlation Engine's tunables, sourced from the
// top-level application config.
type Config struct {
	MinSources             int
	AuthorityHighThreshold float64
	FastTrackHold          time.Duration
	ClusterIdleTTL         time.Duration
}

// NewEngine creates a Correlation Engine.
func NewEngine(logger zerolog.Logger, cfg Config) *Engine {
	return &Engine{
		logger:                 logger.With().Str("component", "correlate").Logger(),
		minSources:             cfg.MinSources,
		authorityHighThreshold: cfg.AuthorityHighThreshold,
		fastTrackHold:          cfg.FastTrackHold,
		clusterIdleTTL:         cfg.ClusterIdleTTL,
		byKey:                  make(map[signature][]string),
		clusters:               make(map[string]*domain.TrendCluster),
	}
}

// MatchResult is the outcome of submitting an event for correlation. The
// Cluster pointer is a private snapshot taken under the engine's lock —
// safe for the caller to read and persist without racing the idle-sweep
// goroutine, which continues to mutate the live cluster it was copied
// from.
type MatchResult struct {
	Cluster    *domain.TrendCluster
	IsNew      bool
	Superseded bool
	// Emitted is true when this call itself transitioned the cluster from
	// Open to Emitted.
	Emitted bool
}

// AuthorityLookup resolves a source's current score from the authority
// tracker's snapshot, without taking a lock the caller doesn't already
// hold — the Authority Tracker publishes a read-only snapshot map.
type AuthorityLookup func(sourceID string) (score float64, ok bool)

// Submit runs the match rule for one extracted event and merges it into
// an existing Open cluster, or opens a new one. ev.EventID must already be
// assigned (by the Extractor) before calling Submit. While still
// holding the engine's lock, it also re-checks the cluster's emission
// eligibility and performs the Open->Emitted transition itself — the
// caller never needs to (and must not) mutate the returned cluster.
func (e *Engine) Submit(ev domain.Event, authority AuthorityLookup) MatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	locTok := locationToken(ev.Location)
	bucket := timeBucket(ev)

	if isDenial(ev.Summary) {
		if target := e.findSupersessionTarget(ev.Kind, locTok); target != nil {
			target.State = domain.ClusterSuperseded
			target.LastUpdated = time.Now()
			return MatchResult{Cluster: cloneCluster(target), Superseded: true}
		}
	}

	candidates := e.candidateClusters(ev, locTok, bucket)
	var c *domain.TrendCluster
	isNew := false
	if len(candidates) == 0 {
		c = e.openCluster(ev, locTok, bucket, authority)
		isNew = true
	} else {
		c = pickBest(candidates)
		e.mergeInto(c, ev, locTok, bucket, authority)
	}

	emitted := false
	if c.State == domain.ClusterOpen && e.IsEligible(c, authority) {
		c.State = domain.ClusterEmitted
		emitted = true
	}

	return MatchResult{Cluster: cloneCluster(c), IsNew: isNew, Emitted: emitted}
}

func (e *Engine) candidateClusters(ev domain.Event, locTok string, bucket int64) []*domain.TrendCluster {
	var out []*domain.TrendCluster
	seen := make(map[string]bool)

	for db := bucket - timeBucketTolerance; db <= bucket+timeBucketTolerance; db++ {
		key := signature{kind: ev.Kind, locationToken: locTok, timeBucket: db}
		for _, cid := range e.byKey[key] {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			c := e.clusters[cid]
			if c == nil || c.State != domain.ClusterOpen {
				continue
			}
			if matches(ev, c, locTok, bucket) {
				out = append(out, c)
			}
		}
	}

	// Kind/generic pairing and the Jaro-Winkler fallback require scanning
	// clusters whose signature differs: a compatible kind (claim or
	// statement pairs with anything) or a similar but not identical
	// location token. The coarse index is keyed by exact kind and token,
	// so we additionally scan all open clusters within the time window.
	for _, c := range e.clusters {
		if seen[c.ClusterID] || c.State != domain.ClusterOpen {
			continue
		}
		if withinTimeWindow(c, bucket) && matches(ev, c, locTok, bucket) {
			out = append(out, c)
			seen[c.ClusterID] = true
		}
	}
	return out
}

func withinTimeWindow(c *domain.TrendCluster, bucket int64) bool {
	for _, m := range c.Members {
		if diff := bucket - timeBucket(m); diff >= -timeBucketTolerance && diff <= timeBucketTolerance {
			return true
		}
	}
	return false
}

// matches implements the §4.E match rule: kind compatibility, location
// token or Jaro-Winkler similarity, time bucket proximity (checked by the
// caller via the index scan), and entity overlap or tight location
// similarity.
func matches(ev domain.Event, c *domain.TrendCluster, locTok string, bucket int64) bool {
	kindOK := false
	locOK := false
	locSimHigh := false
	entityOK := false

	for _, m := range c.Members {
		if ev.Kind == m.Kind || ev.Kind.IsGeneric() || m.Kind.IsGeneric() {
			kindOK = true
		}
		mTok := locationToken(m.Location)
		sim := smetrics.JaroWinkler(strings.ToLower(ev.Location), strings.ToLower(m.Location), 0.7, 4)
		if mTok == locTok || sim >= locationSimilarityThreshold {
			locOK = true
		}
		if sim >= locationEntitylessSimilarityGate {
			locSimHigh = true
		}
		if entityOverlap(ev.Entities, m.Entities) {
			entityOK = true
		}
	}

	if !kindOK || !locOK {
		return false
	}
	return entityOK || locSimHigh
}

func entityOverlap(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, e := range b {
		set[strings.ToLower(e)] = true
	}
	for _, e := range a {
		if set[strings.ToLower(e)] {
			return true
		}
	}
	return false
}

// pickBest chooses the highest-authority_sum cluster, ties broken by
// earliest first_seen.
func pickBest(candidates []*domain.TrendCluster) *domain.TrendCluster {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AuthoritySum > best.AuthoritySum {
			best = c
		} else if c.AuthoritySum == best.AuthoritySum && c.FirstSeen.Before(best.FirstSeen) {
			best = c
		}
	}
	return best
}

func (e *Engine) openCluster(ev domain.Event, locTok string, bucket int64, authority AuthorityLookup) *domain.TrendCluster {
	now := time.Now()
	c := &domain.TrendCluster{
		ClusterID:   ev.EventID, // the opening event's ID doubles as the cluster_id the Store persists
		Members:     []domain.Event{ev},
		Sources:     sourceSet(ev),
		FirstSeen:   now,
		LastUpdated: now,
		State:       domain.ClusterOpen,
	}
	ev.ClusterID = c.ClusterID
	c.Members[0] = ev
	c.AuthoritySum = sumAuthority(c.Sources, authority)
	e.clusters[c.ClusterID] = c
	e.index(c.ClusterID, signature{kind: ev.Kind, locationToken: locTok, timeBucket: bucket})
	return c
}

func (e *Engine) mergeInto(c *domain.TrendCluster, ev domain.Event, locTok string, bucket int64, authority AuthorityLookup) {
	ev.ClusterID = c.ClusterID
	c.Members = append(c.Members, ev)
	c.Sources[ev.MessageRefs[0].SourceID] = struct{}{}
	c.AuthoritySum = sumAuthority(c.Sources, authority)
	c.LastUpdated = time.Now()
	e.index(c.ClusterID, signature{kind: ev.Kind, locationToken: locTok, timeBucket: bucket})
}

// sumAuthority totals the current authority score of every source backing
// a cluster. A source the tracker has no snapshot for yet (brand new, or
// the lookup ran before the tracker's first load) contributes the neutral
// starting score of 50, matching the Store's default for an unseen source.
func sumAuthority(sources map[string]struct{}, authority AuthorityLookup) float64 {
	var sum float64
	for sourceID := range sources {
		if score, ok := authority(sourceID); ok {
			sum += score
		} else {
			sum += 50
		}
	}
	return sum
}

// cloneCluster copies a cluster's mutable fields into a fresh value so
// code outside the engine's lock (the Correlation Task, the Store, the
// Sender) can read Members/Sources/State without racing the concurrent
// idle-sweep goroutine, which keeps mutating the live cluster this
// snapshot was taken from.
func cloneCluster(c *domain.TrendCluster) *domain.TrendCluster {
	members := make([]domain.Event, len(c.Members))
	copy(members, c.Members)
	sources := make(map[string]struct{}, len(c.Sources))
	for id := range c.Sources {
		sources[id] = struct{}{}
	}
	clone := *c
	clone.Members = members
	clone.Sources = sources
	return &clone
}

func (e *Engine) index(clusterID string, sig signature) {
	for _, id := range e.byKey[sig] {
		if id == clusterID {
			return
		}
	}
	e.byKey[sig] = append(e.byKey[sig], clusterID)
}

func (e *Engine) findSupersessionTarget(kind domain.EventKind, locTok string) *domain.TrendCluster {
	for _, c := range e.clusters {
		if c.State == domain.ClusterSuperseded {
			continue
		}
		for _, m := range c.Members {
			if (m.Kind == kind || kind.IsGeneric() || m.Kind.IsGeneric()) && locationToken(m.Location) == locTok {
				return c
			}
		}
	}
	return nil
}

func sourceSet(ev domain.Event) map[string]struct{} {
	s := make(map[string]struct{}, len(ev.MessageRefs))
	for _, ref := range ev.MessageRefs {
		s[ref.SourceID] = struct{}{}
	}
	return s
}

// IsEligible reports whether a cluster meets the §4.E emission eligibility
// rule: enough independent sources, or a single fast-track-qualifying
// source that has survived the hold period without contradiction.
func (e *Engine) IsEligible(c *domain.TrendCluster, authority AuthorityLookup) bool {
	if len(c.Sources) >= e.minSources {
		return true
	}
	if time.Since(c.FirstSeen) < e.fastTrackHold {
		return false
	}
	for sourceID := range c.Sources {
		if score, ok := authority(sourceID); ok && score >= e.authorityHighThreshold {
			return true
		}
	}
	return false
}

// SweepIdle re-checks every Open cluster's emission eligibility and closes
// clusters that have had no new members for ClusterIdleTTL without ever
// becoming eligible. Checking eligibility on every sweep (not only past
// ClusterIdleTTL) is what lets a solo fast-track source emit shortly after
// FastTrackHold elapses instead of waiting out the much longer idle
// timeout — callers should run this on a short ticker, not a once-an-hour
// one. Returns the clusters that should emit and the ones discarded (not
// Superseded — a silent drop per §4.E), both as snapshots safe to read
// without the engine's lock.
func (e *Engine) SweepIdle(authority AuthorityLookup) (toEmit []*domain.TrendCluster, discarded []*domain.TrendCluster) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, c := range e.clusters {
		if c.State != domain.ClusterOpen {
			continue
		}
		if e.IsEligible(c, authority) {
			c.State = domain.ClusterEmitted
			toEmit = append(toEmit, cloneCluster(c))
			continue
		}
		if now.Sub(c.LastUpdated) >= e.clusterIdleTTL {
			discarded = append(discarded, cloneCluster(c))
			delete(e.clusters, c.ClusterID)
		}
	}
	return toEmit, discarded
}

// isDenial reports whether a summary contains one of the denial markers
// that indicate a retraction rather than a corroboration.
func isDenial(summary string) bool {
	lower := strings.ToLower(summary)
	for _, marker := range denialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// locationToken strips a location string to its placename token, dropping
// any administrative suffix after a comma (e.g. "Khan Younis, Gaza Strip"
// -> "khan younis").
func locationToken(location string) string {
	loc := location
	if idx := strings.Index(loc, ","); idx >= 0 {
		loc = loc[:idx]
	}
	return strings.ToLower(strings.TrimSpace(loc))
}

// timeBucket quantizes an event's time hint (falling back to its
// extraction time) to a 15-minute window index.
func timeBucket(ev domain.Event) int64 {
	t := ev.CreatedAt
	if ev.TimeHint != nil {
		t = *ev.TimeHint
	}
	return t.Unix() / int64(timeBucketWindow.Seconds())
}
