// Package authority implements the Authority Tracker: the single-writer
// task that owns per-source credibility scores. All mutation flows
// through one goroutine receiving Delta values over a channel; every
// other task reads a lock-free, atomically-swapped snapshot published
// after each update.
package authority

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
)

const (
	// Alpha is the corroboration reward coefficient from §4.C.
	Alpha = 3.0
	// Beta is the contradiction penalty coefficient from §4.C.
	Beta = 2.0
	// Gamma is the daily decay-toward-50 rate from §4.C.
	Gamma = 0.5

	decayTick = 15 * time.Minute
)

// DeltaKind distinguishes the cluster transitions that move a source's
// score, per the §4.C update rule.
type DeltaKind int

const (
	// Corroborated fires when a cluster transitions Open->Emitted; Delta
	// carries every member source and the cluster's final source count.
	Corroborated DeltaKind = iota
	// Contradicted fires when a cluster transitions to Superseded.
	Contradicted
)

// Delta is one update to apply to the authority ledger, submitted by the
// Correlation Engine over a channel.
type Delta struct {
	Kind        DeltaKind
	SourceIDs   []string
	SourceClass map[string]domain.SourceClass
	GroupSize   int // |S| at the time of the cluster transition
}

// Persister is the subset of the Store the tracker needs to make updates
// durable and to rebuild its snapshot on startup.
type Persister interface {
	UpdateAuthority(ctx context.Context, sourceID string, class domain.SourceClass, delta float64) error
	AllAuthority(ctx context.Context) ([]domain.SourceAuthority, error)
}

// Tracker is the single-writer Authority Tracker.
type Tracker struct {
	logger zerolog.Logger
	store  Persister

	updates chan Delta
	done    chan struct{}

	snapshot atomic.Pointer[map[string]domain.SourceAuthority]
}

// New creates a Tracker. Call Start to begin processing deltas.
func New(logger zerolog.Logger, persister Persister) *Tracker {
	t := &Tracker{
		logger:  logger.With().Str("component", "authority").Logger(),
		store:   persister,
		updates: make(chan Delta, 256),
		done:    make(chan struct{}),
	}
	empty := make(map[string]domain.SourceAuthority)
	t.snapshot.Store(&empty)
	return t
}

// Snapshot returns the current lock-free read of all source authority
// records.
func (t *Tracker) Snapshot() map[string]domain.SourceAuthority {
	return *t.snapshot.Load()
}

// Lookup resolves a single source's current score for use as a
// correlate.AuthorityLookup.
func (t *Tracker) Lookup(sourceID string) (float64, bool) {
	snap := t.Snapshot()
	a, ok := snap[sourceID]
	return a.Score, ok
}

// Submit enqueues a delta for the writer task to apply. Never blocks the
// caller beyond the channel's buffer — Correlation must not stall on
// authority bookkeeping.
func (t *Tracker) Submit(d Delta) {
	select {
	case t.updates <- d:
	default:
		t.logger.Warn().Msg("authority update channel full, dropping delta")
	}
}

// Start loads the durable snapshot from the Store and begins the
// single-writer loop, applying deltas and a periodic decay tick.
func (t *Tracker) Start(ctx context.Context) error {
	records, err := t.store.AllAuthority(ctx)
	if err != nil {
		return err
	}
	snap := make(map[string]domain.SourceAuthority, len(records))
	for _, r := range records {
		snap[r.SourceID] = r
	}
	t.snapshot.Store(&snap)

	go t.run(ctx)
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	ticker := time.NewTicker(decayTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(t.done)
			return
		case d := <-t.updates:
			t.apply(ctx, d)
		case <-ticker.C:
			t.decay(ctx)
		}
	}
}

// Stop waits for the writer loop to exit after its context is cancelled.
func (t *Tracker) Stop() {
	<-t.done
}

func (t *Tracker) apply(ctx context.Context, d Delta) {
	switch d.Kind {
	case Corroborated:
		if d.GroupSize <= 0 {
			return
		}
		delta := Alpha * float64(d.GroupSize-1) / float64(d.GroupSize)
		for _, sourceID := range d.SourceIDs {
			t.applyOne(ctx, sourceID, d.SourceClass[sourceID], delta, true, false)
		}
	case Contradicted:
		for _, sourceID := range d.SourceIDs {
			current := t.Snapshot()[sourceID]
			score := current.Score
			if score == 0 {
				score = 50
			}
			delta := -Beta * score / 50
			t.applyOne(ctx, sourceID, d.SourceClass[sourceID], delta, false, true)
		}
	}
}

func (t *Tracker) applyOne(ctx context.Context, sourceID string, class domain.SourceClass, delta float64, corroborated, contradicted bool) {
	if err := t.store.UpdateAuthority(ctx, sourceID, class, delta); err != nil {
		t.logger.Error().Err(err).Str("source_id", sourceID).Msg("failed to persist authority update")
		return
	}

	old := t.Snapshot()
	next := make(map[string]domain.SourceAuthority, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	rec := next[sourceID]
	if rec.SourceID == "" {
		rec = domain.SourceAuthority{SourceID: sourceID, SourceClass: class, Score: 50}
	}
	rec.Score = domain.Clip(rec.Score + delta)
	rec.LastUpdate = time.Now()
	if corroborated {
		rec.Corroborations++
	}
	if contradicted {
		rec.Contradictions++
	}
	next[sourceID] = rec
	t.snapshot.Store(&next)
}

// decay moves every source's score toward 50 by Gamma per day elapsed
// since its last authority update. Only corroboration, contradiction and
// decay itself reset that clock; a source's new messages or events do not,
// so a source that keeps reporting still decays.
func (t *Tracker) decay(ctx context.Context) {
	old := t.Snapshot()
	next := make(map[string]domain.SourceAuthority, len(old))
	now := time.Now()
	for id, rec := range old {
		days := now.Sub(rec.LastUpdate).Hours() / 24
		if days <= 0 {
			next[id] = rec
			continue
		}
		step := Gamma * days
		var delta float64
		switch {
		case rec.Score > 50:
			delta = -minF(step, rec.Score-50)
		case rec.Score < 50:
			delta = minF(step, 50-rec.Score)
		default:
			next[id] = rec
			continue
		}
		rec.Score = domain.Clip(rec.Score + delta)
		rec.LastUpdate = now
		if err := t.store.UpdateAuthority(ctx, id, rec.SourceClass, delta); err != nil {
			t.logger.Error().Err(err).Str("source_id", id).Msg("failed to persist decay tick")
		}
		next[id] = rec
	}
	t.snapshot.Store(&next)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
