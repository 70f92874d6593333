package correlate_test

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/correlate"
	"github.com/sourcewatch/sourcewatch/domain"
)

func newEngine() *correlate.Engine {
	return correlate.NewEngine(zerolog.New(io.Discard), correlate.Config{
		MinSources:             2,
		AuthorityHighThreshold: 75,
		FastTrackHold:          50 * time.Millisecond,
		ClusterIdleTTL:         time.Hour,
	})
}

func eventFrom(sourceID string, kind domain.EventKind, location string, entities []string) domain.Event {
	return domain.Event{
		EventID:     sourceID + "-" + location,
		Kind:        kind,
		Location:    location,
		Entities:    entities,
		Summary:     "report",
		CreatedAt:   time.Now(),
		MessageRefs: []domain.MessageRef{{SourceID: sourceID, MessageID: "m1", SourceClass: domain.SourceClassArab}},
	}
}

func noAuthority(string) (float64, bool) { return 0, false }

func TestSubmitOpensNewClusterWhenNoCandidateMatches(t *testing.T) {
	e := newEngine()
	result := e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	if !result.IsNew {
		t.Fatalf("expected a new cluster for the first report")
	}
	if len(result.Cluster.Sources) != 1 {
		t.Fatalf("expected exactly one source in a fresh cluster")
	}
}

func TestCrossSourceReportsOfSameEventMerge(t *testing.T) {
	e := newEngine()
	first := e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	second := e.Submit(eventFrom("src-b", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	if second.IsNew {
		t.Fatalf("expected the second report to merge into the existing cluster")
	}
	if second.Cluster.ClusterID != first.Cluster.ClusterID {
		t.Fatalf("expected both reports in the same cluster")
	}
	if len(second.Cluster.Sources) != 2 {
		t.Fatalf("expected two independent sources, got %d", len(second.Cluster.Sources))
	}
}

func TestDifferentLocationsDoNotMerge(t *testing.T) {
	e := newEngine()
	e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	second := e.Submit(eventFrom("src-b", domain.KindStrike, "Rafah", []string{"IDF"}), noAuthority)

	if !second.IsNew {
		t.Fatalf("expected a distinct location to open its own cluster")
	}
}

func TestEligibleOnceMinSourcesReached(t *testing.T) {
	e := newEngine()
	e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	second := e.Submit(eventFrom("src-b", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	if !e.IsEligible(second.Cluster, noAuthority) {
		t.Fatalf("expected eligibility once two independent sources corroborate")
	}
}

func TestFastTrackRequiresHoldPeriodAndHighAuthority(t *testing.T) {
	e := newEngine()
	result := e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	highAuthority := func(sourceID string) (float64, bool) { return 90, true }

	if e.IsEligible(result.Cluster, highAuthority) {
		t.Fatalf("expected fast-track to require the hold period to elapse first")
	}

	time.Sleep(60 * time.Millisecond)

	if !e.IsEligible(result.Cluster, highAuthority) {
		t.Fatalf("expected a lone high-authority source to fast-track after the hold period")
	}
}

func TestFastTrackDeniedForLowAuthoritySingleSource(t *testing.T) {
	e := newEngine()
	result := e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	lowAuthority := func(sourceID string) (float64, bool) { return 40, true }
	time.Sleep(60 * time.Millisecond)

	if e.IsEligible(result.Cluster, lowAuthority) {
		t.Fatalf("expected a lone low-authority source to never become eligible")
	}
}

func TestDenialSupersedesMatchingOpenCluster(t *testing.T) {
	e := newEngine()
	result := e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	denial := eventFrom("src-b", domain.KindStatement, "Khan Younis", nil)
	denial.Summary = "IDF denies any strike occurred in the area"

	superseded := e.Submit(denial, noAuthority)
	if !superseded.Superseded {
		t.Fatalf("expected a denial to supersede the matching open cluster")
	}
	if superseded.Cluster.ClusterID != result.Cluster.ClusterID {
		t.Fatalf("expected the denial to target the original cluster")
	}
	if superseded.Cluster.State != domain.ClusterSuperseded {
		t.Fatalf("expected cluster state Superseded, got %s", superseded.Cluster.State)
	}
}

func TestSubmitEmitsImmediatelyOnceMinSourcesReached(t *testing.T) {
	e := newEngine()
	e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	second := e.Submit(eventFrom("src-b", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)

	if !second.Emitted {
		t.Fatalf("expected Submit itself to transition the cluster once the second source corroborates")
	}
	if second.Cluster.State != domain.ClusterEmitted {
		t.Fatalf("expected cluster state Emitted, got %s", second.Cluster.State)
	}
}

func TestAuthoritySumReflectsCurrentMemberScores(t *testing.T) {
	e := newEngine()
	scores := map[string]float64{"src-a": 80, "src-b": 60}
	lookup := func(sourceID string) (float64, bool) {
		s, ok := scores[sourceID]
		return s, ok
	}

	e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), lookup)
	second := e.Submit(eventFrom("src-b", domain.KindStrike, "Khan Younis", []string{"IDF"}), lookup)

	if second.Cluster.AuthoritySum != 140 {
		t.Fatalf("expected authority_sum 80+60=140, got %v", second.Cluster.AuthoritySum)
	}
}

func TestSweepIdleFastTracksSoloHighAuthoritySourceWithoutWaitingForIdleTTL(t *testing.T) {
	e := correlate.NewEngine(zerolog.New(io.Discard), correlate.Config{
		MinSources:             2,
		AuthorityHighThreshold: 75,
		FastTrackHold:          10 * time.Millisecond,
		ClusterIdleTTL:         time.Hour,
	})

	e.Submit(eventFrom("src-a", domain.KindStrike, "Khan Younis", []string{"IDF"}), noAuthority)
	time.Sleep(20 * time.Millisecond)

	highAuthority := func(sourceID string) (float64, bool) { return 90, true }
	toEmit, discarded := e.SweepIdle(highAuthority)
	if len(toEmit) != 1 {
		t.Fatalf("expected the solo high-authority source to fast-track once the hold period elapses, got %d", len(toEmit))
	}
	if len(discarded) != 0 {
		t.Fatalf("expected nothing discarded, got %d", len(discarded))
	}
}

func TestSweepIdleDiscardsClustersThatNeverBecomeEligible(t *testing.T) {
	e := correlate.NewEngine(zerolog.New(io.Discard), correlate.Config{
		MinSources:             2,
		AuthorityHighThreshold: 75,
		FastTrackHold:          time.Hour,
		ClusterIdleTTL:         10 * time.Millisecond,
	})

	e.Submit(eventFrom("src-c", domain.KindStrike, "Rafah", []string{"IDF"}), noAuthority)
	time.Sleep(20 * time.Millisecond)

	toEmit, discarded := e.SweepIdle(noAuthority)
	if len(toEmit) != 0 {
		t.Fatalf("expected no eligible clusters, got %d", len(toEmit))
	}
	if len(discarded) != 1 {
		t.Fatalf("expected the single-source cluster to be discarded once idle, got %d", len(discarded))
	}
}
