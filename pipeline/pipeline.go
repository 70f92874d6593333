// Package pipeline batches normalized messages and serializes calls into
// the Extractor — at most one in-flight extraction at a time, so the
// Correlation Engine's index stays consistent with respect to event
// arrival order within a batch.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/extractor"
	"github.com/sourcewatch/sourcewatch/metrics"
)

const queueCapacity = 512

// Extractor is the subset of extractor.Extractor the pipeline calls.
type Extractor interface {
	Extract(ctx context.Context, batch []domain.NormalizedMessage, batchID string) ([]domain.Event, error)
}

// EventSink receives events produced by a successful extraction, in
// Extractor-return order.
type EventSink interface {
	Submit(ev domain.Event)
}

// MessageStore persists normalized messages, rejecting duplicates per
// §4.B before they ever reach a batch.
type MessageStore interface {
	PutMessage(ctx context.Context, n domain.NormalizedMessage) (isDup bool, err error)
}

// Normalizer canonicalizes a raw message before it enters the queue.
type Normalizer func(domain.RawMessage) domain.NormalizedMessage

// Pipeline owns one bounded pending queue per source class and serializes
// extraction calls.
type Pipeline struct {
	logger    zerolog.Logger
	normalize Normalizer
	extractor Extractor
	sink      EventSink
	messages  MessageStore
	metrics   *metrics.Metrics

	batchSize   int
	maxBatchAge time.Duration

	mu     sync.Mutex
	queues map[domain.SourceClass][]domain.NormalizedMessage
	oldest map[domain.SourceClass]time.Time

	dropped map[domain.SourceClass]int64

	in chan domain.RawMessage

	extracting sync.Mutex // held for the duration of one Extract call, serializing batches

	batchSeq int64
}

// New creates a Pipeline. m may be nil, in which case metrics are skipped.
func New(logger zerolog.Logger, normalize Normalizer, extractor Extractor, sink EventSink, messages MessageStore, m *metrics.Metrics, batchSize int, maxBatchAge time.Duration) *Pipeline {
	return &Pipeline{
		logger:      logger.With().Str("component", "pipeline").Logger(),
		normalize:   normalize,
		extractor:   extractor,
		sink:        sink,
		messages:    messages,
		metrics:     m,
		batchSize:   batchSize,
		maxBatchAge: maxBatchAge,
		queues:      make(map[domain.SourceClass][]domain.NormalizedMessage),
		oldest:      make(map[domain.SourceClass]time.Time),
		dropped:     make(map[domain.SourceClass]int64),
		in:          make(chan domain.RawMessage, queueCapacity),
	}
}

// Enqueue accepts a raw message from the Listener. It never blocks: if the
// intake channel is full the oldest buffered message is dropped and counted
// to make room, matching the overflow policy of the per-class queues it
// feeds.
func (p *Pipeline) Enqueue(raw domain.RawMessage) {
	for {
		select {
		case p.in <- raw:
			return
		default:
		}
		select {
		case old := <-p.in:
			p.mu.Lock()
			p.dropped[old.SourceClass]++
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.MessagesDropped.WithLabelValues(string(old.SourceClass)).Inc()
			}
			p.logger.Warn().Str("source_class", string(old.SourceClass)).Msg("intake queue full, dropped oldest")
		default:
		}
	}
}

// Dropped returns the overflow-drop counters per source class, for the
// admin stats surface.
func (p *Pipeline) Dropped() map[domain.SourceClass]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.SourceClass]int64, len(p.dropped))
	for k, v := range p.dropped {
		out[k] = v
	}
	return out
}

// Run drives message intake and batching until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.in:
			p.admit(ctx, raw)
		case <-ticker.C:
			p.flushAged(ctx)
		}
		p.flushReady(ctx)
	}
}

func (p *Pipeline) admit(ctx context.Context, raw domain.RawMessage) {
	n := p.normalize(raw)
	if n.Empty {
		return
	}

	if p.messages != nil {
		isDup, err := p.messages.PutMessage(ctx, n)
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to persist message, dropping")
			return
		}
		if isDup {
			return
		}
	}

	p.mu.Lock()
	q := p.queues[raw.SourceClass]
	overflowed := false
	if len(q) >= queueCapacity {
		q = q[1:] // drop oldest, never the newest
		p.dropped[raw.SourceClass]++
		overflowed = true
		p.logger.Warn().Str("source_class", string(raw.SourceClass)).Msg("per-class queue full, dropped oldest")
	}
	if len(q) == 0 {
		p.oldest[raw.SourceClass] = raw.ArrivedAt
	}
	q = append(q, n)
	p.queues[raw.SourceClass] = q
	p.mu.Unlock()

	if p.metrics != nil {
		if overflowed {
			p.metrics.MessagesDropped.WithLabelValues(string(raw.SourceClass)).Inc()
		}
		p.metrics.MessagesIngested.WithLabelValues(string(raw.SourceClass)).Inc()
	}
}

func (p *Pipeline) flushReady(ctx context.Context) {
	p.mu.Lock()
	var ready []domain.NormalizedMessage
	for class, q := range p.queues {
		if len(q) >= p.batchSize {
			ready = q
			p.queues[class] = nil
			delete(p.oldest, class)
			break
		}
	}
	p.mu.Unlock()

	if ready != nil {
		p.runBatch(ctx, ready)
	}
}

func (p *Pipeline) flushAged(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	var ready []domain.NormalizedMessage
	for class, oldest := range p.oldest {
		if now.Sub(oldest) >= p.maxBatchAge {
			ready = p.queues[class]
			p.queues[class] = nil
			delete(p.oldest, class)
			break
		}
	}
	p.mu.Unlock()

	if ready != nil {
		p.runBatch(ctx, ready)
	}
}

func (p *Pipeline) runBatch(ctx context.Context, batch []domain.NormalizedMessage) {
	if len(batch) == 0 {
		return
	}
	p.extracting.Lock()
	defer p.extracting.Unlock()

	p.batchSeq++
	batchID := batchIDFor(p.batchSeq)

	events, err := p.extractor.Extract(ctx, batch, batchID)
	if err != nil {
		var deferred *extractor.Deferred
		if errors.As(err, &deferred) {
			p.logger.Warn().Dur("retry_after", deferred.RetryAfter).Msg("batch deferred, requeueing")
			p.requeue(batch)
			return
		}
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("extraction failed, releasing batch")
		p.requeue(batch)
		return
	}

	for _, ev := range events {
		p.sink.Submit(ev)
	}
}

func (p *Pipeline) requeue(batch []domain.NormalizedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range batch {
		q := p.queues[m.SourceClass]
		q = append(q, m)
		p.queues[m.SourceClass] = q
	}
}

func batchIDFor(seq int64) string {
	return time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatInt(seq, 10)
}
