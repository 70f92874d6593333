package extractor_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/budget"
	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/extractor"
	"github.com/sourcewatch/sourcewatch/llmclient"
)

type fakeCaller struct {
	events []llmclient.ExtractedEvent
	err    error
}

func (f *fakeCaller) Extract(ctx context.Context, prompt string, repair bool) ([]llmclient.ExtractedEvent, error) {
	return f.events, f.err
}

type fakeRecorder struct{ calls int }

func (f *fakeRecorder) RecordLLMCall(ctx context.Context, at time.Time) error {
	f.calls++
	return nil
}

func batchOf(n int) []domain.NormalizedMessage {
	out := make([]domain.NormalizedMessage, n)
	for i := range out {
		out[i] = domain.NormalizedMessage{
			RawMessage: domain.RawMessage{SourceID: "s", MessageID: "m" + string(rune('0'+i))},
			TextNorm:   "text",
		}
	}
	return out
}

func TestExtractConvertsOutputInOrder(t *testing.T) {
	caller := &fakeCaller{events: []llmclient.ExtractedEvent{
		{Kind: "strike", Location: "Khan Younis", Entities: []string{"IDF"}, Summary: "strike reported", ConfidenceSelf: 0.8, SourceMsgIndices: []int{0}},
	}}
	rec := &fakeRecorder{}
	ledger := budget.NewLedger(zerolog.New(io.Discard), 200, 14)
	ex := extractor.New(zerolog.New(io.Discard), caller, ledger, rec, nil)

	events, err := ex.Extract(context.Background(), batchOf(1), "batch-1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.KindStrike {
		t.Fatalf("unexpected events: %+v", events)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one recorded LLM call, got %d", rec.calls)
	}
}

func TestExtractDefersWhenBudgetExhausted(t *testing.T) {
	caller := &fakeCaller{}
	rec := &fakeRecorder{}
	ledger := budget.NewLedger(zerolog.New(io.Discard), 0, 0)
	ex := extractor.New(zerolog.New(io.Discard), caller, ledger, rec, nil)

	_, err := ex.Extract(context.Background(), batchOf(1), "batch-1")
	if err == nil {
		t.Fatalf("expected deferral error")
	}
	var deferred *extractor.Deferred
	if !errorsAsDeferred(err, &deferred) {
		t.Fatalf("expected *extractor.Deferred, got %T: %v", err, err)
	}
}

func errorsAsDeferred(err error, target **extractor.Deferred) bool {
	d, ok := err.(*extractor.Deferred)
	if ok {
		*target = d
	}
	return ok
}

func TestExtractOutOfRangeIndexIsSchemaInvalid(t *testing.T) {
	caller := &fakeCaller{events: []llmclient.ExtractedEvent{
		{Kind: "strike", Location: "X", Summary: "y", SourceMsgIndices: []int{9}},
	}}
	rec := &fakeRecorder{}
	ledger := budget.NewLedger(zerolog.New(io.Discard), 200, 14)
	ex := extractor.New(zerolog.New(io.Discard), caller, ledger, rec, nil)

	_, err := ex.Extract(context.Background(), batchOf(1), "batch-1")
	if err == nil {
		t.Fatalf("expected schema invalid error")
	}
	if !errors.Is(err, extractor.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}
