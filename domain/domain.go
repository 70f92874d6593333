// Package domain holds the record types shared by every pipeline stage —
// normalizer, store, extractor, correlation engine, authority tracker, and
// sender all operate over these same structs rather than per-component
// views, since they describe one event's life cycle end to end.
package domain

import "time"

// SourceClass is the editorial class of a source channel.
type SourceClass string

const (
	SourceClassArab  SourceClass = "arab"
	SourceClassSmart SourceClass = "smart"
)

// RawMessage is an immutable ingested message from a source channel.
type RawMessage struct {
	SourceID    string
	SourceClass SourceClass
	MessageID   string
	ArrivedAt   time.Time
	// IngestSeq is a slot for a tie-breaker when ArrivedAt collides within
	// a source. No component in this repository sets or reads it.
	IngestSeq int64
	Text      string
	ReplyTo   string
	MediaRefs string
}

// NormalizedMessage is the Normalizer's output for a RawMessage.
type NormalizedMessage struct {
	RawMessage
	TextNorm string
	Hash     string
	LangGuess string
	Empty    bool
}

// EventKind enumerates the Extractor's recognized event categories.
type EventKind string

const (
	KindStrike    EventKind = "strike"
	KindMovement  EventKind = "movement"
	KindCasualty  EventKind = "casualty"
	KindClaim     EventKind = "claim"
	KindStatement EventKind = "statement"
	KindOther     EventKind = "other"
)

// IsGeneric reports whether the kind is one of the unspecific kinds that
// may pair with any specific kind under the correlation match rule.
func (k EventKind) IsGeneric() bool {
	return k == KindClaim || k == KindStatement
}

// Event is a structured record extracted from one or more messages.
type Event struct {
	EventID         string
	MessageRefs     []MessageRef
	Kind            EventKind
	Location        string
	Coordinates     *Coordinates
	Entities        []string
	TimeHint        *time.Time
	Summary         string
	ConfidenceSelf  float64
	ClusterID       string
	ExtractBatchID  string
	CreatedAt       time.Time
}

// MessageRef identifies one source message an Event was derived from.
type MessageRef struct {
	SourceID    string
	MessageID   string
	SourceClass SourceClass
}

// Coordinates is an optional lat/lon pair attached to a location.
type Coordinates struct {
	Lat float64
	Lon float64
}

// ClusterState is the lifecycle state of a TrendCluster.
type ClusterState string

const (
	ClusterOpen       ClusterState = "open"
	ClusterEmitted    ClusterState = "emitted"
	ClusterSuperseded ClusterState = "superseded"
)

// TrendCluster groups Events believed to describe the same occurrence.
type TrendCluster struct {
	ClusterID     string
	Members       []Event
	Sources       map[string]struct{}
	FirstSeen     time.Time
	LastUpdated   time.Time
	State         ClusterState
	AuthoritySum  float64
}

// SourceIDs returns the cluster's source set as a sorted-free slice.
func (c *TrendCluster) SourceIDs() []string {
	out := make([]string, 0, len(c.Sources))
	for s := range c.Sources {
		out = append(out, s)
	}
	return out
}

// SourceAuthority is the per-source credibility record.
type SourceAuthority struct {
	SourceID        string
	SourceClass     SourceClass
	Score           float64
	Corroborations  int
	Contradictions  int
	LastUpdate      time.Time
}

// Clip bounds a score to the [0, 100] authority range.
func Clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
