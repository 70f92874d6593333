// Package sender consumes Emitted clusters, formats them to the output
// schema, and gates emission through a minimum interval — oldest cluster
// first, with retractions bypassing the gate entirely.
package sender

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/ingest"
	"github.com/sourcewatch/sourcewatch/metrics"
)

const maxSummaryChars = 280

// AuthorityLookup resolves a source's current score, e.g. from the
// Authority Tracker's snapshot.
type AuthorityLookup func(sourceID string) (score float64, ok bool)

// Sender formats and rate-gates emission of clusters onto the output
// sink.
type Sender struct {
	logger    zerolog.Logger
	sink      ingest.Sender
	chatID    string
	authority AuthorityLookup
	metrics   *metrics.Metrics

	minInterval time.Duration

	mu       sync.Mutex
	queue    []queuedCluster
	lastSent time.Time
}

type queuedCluster struct {
	cluster      domain.TrendCluster
	isRetraction bool
}

// New creates a Sender emitting onto sink at chatID. m may be nil, in
// which case metrics are skipped.
func New(logger zerolog.Logger, sink ingest.Sender, chatID string, authority AuthorityLookup, m *metrics.Metrics, minInterval time.Duration) *Sender {
	return &Sender{
		logger:      logger.With().Str("component", "sender").Logger(),
		sink:        sink,
		chatID:      chatID,
		authority:   authority,
		metrics:     m,
		minInterval: minInterval,
	}
}

// Submit queues an Emitted cluster (or a Superseded one, as a retraction)
// for output.
func (s *Sender) Submit(c domain.TrendCluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queuedCluster{cluster: c, isRetraction: c.State == domain.ClusterSuperseded})
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].cluster.FirstSeen.Before(s.queue[j].cluster.FirstSeen)
	})
}

// Run drains the queue, respecting the minimum interval between
// non-retraction emissions.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		idx := 0
		if !s.queue[0].isRetraction && time.Since(s.lastSent) < s.minInterval {
			// Gate closed: only a retraction, wherever it sits, may go now.
			idx = -1
			for i, q := range s.queue {
				if q.isRetraction {
					idx = i
					break
				}
			}
			if idx < 0 {
				s.mu.Unlock()
				return
			}
		}
		next := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		if !next.isRetraction {
			s.lastSent = time.Now()
		}
		s.mu.Unlock()

		text := s.format(next.cluster, next.isRetraction)
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.sink.Send(sendCtx, s.chatID, text)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("cluster_id", next.cluster.ClusterID).Msg("failed to send summary")
		} else if s.metrics != nil {
			s.metrics.SummariesSent.Inc()
		}
	}
}

func (s *Sender) format(c domain.TrendCluster, retraction bool) string {
	if retraction {
		return fmt.Sprintf("RETRACTED\nref:%s", c.ClusterID)
	}

	sources := c.SourceIDs()
	sort.Strings(sources)

	var scores []float64
	for _, id := range sources {
		if score, ok := s.authority(id); ok {
			scores = append(scores, score)
		}
	}
	minS, maxS, avgS := summarizeScores(scores)
	badge := badgeFor(avgS, len(sources))

	kind := kindLabel(c)
	location := locationOf(c)
	summary := summaryOf(c)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s — %s\n", badge, kind, location)
	sb.WriteString(summary)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Sources (%d): %s\n", len(sources), strings.Join(sources, ", "))
	fmt.Fprintf(&sb, "Authority: %.0f–%.0f (avg %.0f)\n", minS, maxS, avgS)
	fmt.Fprintf(&sb, "First seen: %s\n", c.FirstSeen.UTC().Format(time.RFC3339))
	return sb.String()
}

func badgeFor(avg float64, sourceCount int) string {
	if avg >= 70 && sourceCount >= 3 {
		return "🟢"
	}
	if avg < 40 {
		return "🔴"
	}
	return "🟡"
}

func summarizeScores(scores []float64) (min, max, avg float64) {
	if len(scores) == 0 {
		return 50, 50, 50
	}
	min, max = scores[0], scores[0]
	var sum float64
	for _, s := range scores {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
	}
	return min, max, sum / float64(len(scores))
}

func kindLabel(c domain.TrendCluster) string {
	if len(c.Members) == 0 {
		return string(domain.KindOther)
	}
	return string(c.Members[0].Kind)
}

func locationOf(c domain.TrendCluster) string {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].Location
}

func summaryOf(c domain.TrendCluster) string {
	if len(c.Members) == 0 {
		return ""
	}
	text := c.Members[0].Summary
	if r := []rune(text); len(r) > maxSummaryChars {
		text = string(r[:maxSummaryChars])
	}
	return text
}
