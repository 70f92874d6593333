package authority_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/authority"
	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/store"
)

func newTracker(t *testing.T) (*authority.Tracker, context.Context, context.CancelFunc) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), path, 6*time.Hour, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tr := authority.New(zerolog.New(io.Discard), s)
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start tracker: %v", err)
	}
	return tr, ctx, cancel
}

func TestCorroborationIncreasesScore(t *testing.T) {
	tr, _, cancel := newTracker(t)
	defer cancel()

	tr.Submit(authority.Delta{
		Kind:        authority.Corroborated,
		SourceIDs:   []string{"a", "b"},
		SourceClass: map[string]domain.SourceClass{"a": domain.SourceClassArab, "b": domain.SourceClassSmart},
		GroupSize:   2,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if score, ok := tr.Lookup("a"); ok && score > 50 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected source a's score to rise above 50 after corroboration")
}

func TestContradictionDecreasesScore(t *testing.T) {
	tr, _, cancel := newTracker(t)
	defer cancel()

	tr.Submit(authority.Delta{
		Kind:        authority.Contradicted,
		SourceIDs:   []string{"c"},
		SourceClass: map[string]domain.SourceClass{"c": domain.SourceClassArab},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if score, ok := tr.Lookup("c"); ok && score < 50 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected source c's score to fall below 50 after contradiction")
}
