package store_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/normalize"
	"github.com/sourcewatch/sourcewatch/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), path, 6*time.Hour, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutMessageDedupWithinWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	raw := domain.RawMessage{SourceID: "a", MessageID: "1", ArrivedAt: time.Now(), Text: "strike near the port"}
	n := normalize.Normalize(raw)

	res, err := s.PutMessage(ctx, n)
	if err != nil || res != store.PutNew {
		t.Fatalf("expected new, got %v err %v", res, err)
	}

	dupRaw := raw
	dupRaw.MessageID = "2"
	dupRaw.ArrivedAt = raw.ArrivedAt.Add(time.Minute)
	dupN := normalize.Normalize(dupRaw)
	res, err = s.PutMessage(ctx, dupN)
	if err != nil || res != store.PutDup {
		t.Fatalf("expected dup via hash within dedup window, got %v err %v", res, err)
	}
}

func TestPutMessageIdempotentOnSameID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	n := normalize.Normalize(domain.RawMessage{SourceID: "a", MessageID: "1", ArrivedAt: time.Now(), Text: "hello"})
	if _, err := s.PutMessage(ctx, n); err != nil {
		t.Fatalf("first put: %v", err)
	}
	res, err := s.PutMessage(ctx, n)
	if err != nil || res != store.PutDup {
		t.Fatalf("expected dup on repeated (source_id, message_id), got %v err %v", res, err)
	}
}

func TestUpdateAuthorityInitializesAtFifty(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.UpdateAuthority(ctx, "src-1", domain.SourceClassArab, 0); err != nil {
		t.Fatalf("update authority: %v", err)
	}
	a, ok, err := s.ReadAuthority(ctx, "src-1")
	if err != nil || !ok {
		t.Fatalf("expected authority record, err %v", err)
	}
	if a.Score != 50 {
		t.Fatalf("expected initial score 50, got %v", a.Score)
	}
}

func TestPutEventAndGetEventsSince(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cutoff := time.Now().Add(-time.Minute)
	ev := domain.Event{
		EventID:  "e1",
		Kind:     domain.KindStrike,
		Location: "Khan Younis",
		Entities: []string{"IDF"},
		Summary:  "strike reported",
		CreatedAt: time.Now(),
	}
	if err := s.PutEvent(ctx, ev); err != nil {
		t.Fatalf("put event: %v", err)
	}

	events, err := s.GetEventsSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("get events since: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "e1" {
		t.Fatalf("expected the one event back, got %+v", events)
	}
}
